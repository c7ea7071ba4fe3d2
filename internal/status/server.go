// Package status serves a read-only view of the ledger over HTTP while a run
// is in progress.
//
// Routes:
//
//	GET /health          liveness
//	GET /status          ledger snapshot (counts, retries, failed units)
//	GET /failed          failed units grouped by error kind
//	GET /units/{id}      ledger entry of one unit
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ligustah/gather/internal/fetch"
	"github.com/ligustah/gather/internal/ledger"
	"github.com/ligustah/gather/internal/logger"
)

// Source is the ledger view served. *ledger.Ledger implements it.
type Source interface {
	Snapshot() ledger.Snapshot
	Entry(id string) (ledger.Entry, bool)
	FailuresByKind() map[fetch.Kind][]string
}

type handler struct {
	src Source
	log *zap.Logger
}

// NewRouter returns the status routes for src.
func NewRouter(src Source, log *zap.Logger) *mux.Router {
	h := &handler{src: src, log: logger.OrNop(log)}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	router.HandleFunc("/status", h.getStatus).Methods(http.MethodGet)
	router.HandleFunc("/failed", h.getFailed).Methods(http.MethodGet)
	router.HandleFunc("/units/{id}", h.getUnit).Methods(http.MethodGet)
	router.Use(h.logging)
	return router
}

func (h *handler) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.log, h.src.Snapshot(), http.StatusOK)
}

type failedResponse struct {
	Total  int                     `json:"total"`
	ByKind map[fetch.Kind][]string `json:"by_kind"`
}

func (h *handler) getFailed(w http.ResponseWriter, r *http.Request) {
	byKind := h.src.FailuresByKind()
	resp := failedResponse{ByKind: byKind}
	for _, ids := range byKind {
		resp.Total += len(ids)
	}
	writeJSON(w, h.log, resp, http.StatusOK)
}

type unitResponse struct {
	ID string `json:"id"`
	ledger.Entry
}

func (h *handler) getUnit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	e, ok := h.src.Entry(id)
	if !ok {
		writeError(w, h.log, http.StatusNotFound, "unknown unit "+strconv.Quote(id))
		return
	}
	writeJSON(w, h.log, unitResponse{ID: id, Entry: e}, http.StatusOK)
}

func (h *handler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.log.Debug("status request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type errorResponse struct {
	Status int    `json:"status"`
	Text   string `json:"text"`
}

func writeError(w http.ResponseWriter, log *zap.Logger, code int, message string) {
	writeJSON(w, log, errorResponse{Status: code, Text: message}, code)
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, v any, code int) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal status response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		log.Warn("write status response", zap.Error(err))
	}
}

// Server is a running status server.
type Server struct {
	srv *http.Server
	ln  net.Listener
	err chan error
}

// Start listens on addr and serves src in the background. Use port 0 to pick
// a free port; Addr reports the bound address.
func Start(addr string, src Source, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("status: listen %s: %w", addr, err)
	}
	log = logger.OrNop(log)
	s := &Server{
		srv: &http.Server{
			Handler:           NewRouter(src, log),
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln:  ln,
		err: make(chan error, 1),
	}
	go func() {
		log.Info("status server listening", zap.String("address", ln.Addr().String()))
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server", zap.Error(err))
			s.err <- err
		}
		close(s.err)
	}()
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server and returns the serve error, if any.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("status: shutdown: %w", err)
	}
	return <-s.err
}
