package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ligustah/gather/internal/backoff"
	"github.com/ligustah/gather/internal/codec"
	"github.com/ligustah/gather/internal/source"
	"github.com/ligustah/gather/pkg/unitcache"
)

// Status is the result class of one attempt.
type Status int

const (
	Success Status = iota
	TransientFailure
	PermanentFailure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Summary is the compact result of a successful attempt.
type Summary struct {
	Records   int   `json:"records"`
	Scanned   int   `json:"scanned"`
	Bytes     int64 `json:"bytes"`
	FromCache bool  `json:"from_cache"`
}

// Outcome is produced exactly once per attempt. It never carries the payload.
type Outcome struct {
	UnitID   string
	Status   Status
	Summary  Summary
	Err      *Failure
	Attempt  int
	Duration time.Duration
}

// Options configures a Worker.
type Options struct {
	// Cache stores payloads. Required.
	Cache *unitcache.Store

	// Remote opens payloads on a cache miss. Required.
	Remote Remote

	// Codec validates and summarizes payloads. Default: codec.Links with
	// codec.HighConfidence.
	Codec codec.Codec

	// Validate checks unit ids before any I/O. Optional.
	Validate func(source.Unit) error

	// Throttle is waited on before every remote request. Optional.
	Throttle *backoff.Throttle

	// Timeout bounds one attempt. Zero means no limit.
	Timeout time.Duration

	// Logger receives per-attempt debug logs. Default: no-op.
	Logger *zap.Logger
}

// Worker fetches single units. It is safe for concurrent use.
type Worker struct {
	opts Options
	log  *zap.Logger
}

// New creates a Worker.
func New(opts Options) (*Worker, error) {
	if opts.Cache == nil {
		return nil, errors.New("fetch: cache is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("fetch: remote is required")
	}
	if opts.Codec == nil {
		opts.Codec = codec.Links{MinScore: codec.HighConfidence}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{opts: opts, log: log}, nil
}

// Ref returns the cache reference of a unit.
func Ref(u source.Unit) unitcache.Ref {
	return unitcache.Ref{ID: u.ID, Endpoint: u.Endpoint, URL: u.URL}
}

// Fetch performs one attempt for u. The attempt is not interrupted by
// cancellation of ctx; it is bounded by the configured timeout instead, so
// that a shutdown lets in-flight units finish.
func (w *Worker) Fetch(ctx context.Context, u source.Unit, attempt int) Outcome {
	start := time.Now()
	out := Outcome{UnitID: u.ID, Attempt: attempt}

	fctx := context.WithoutCancel(ctx)
	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(fctx, w.opts.Timeout)
		defer cancel()
	}

	sum, err := w.fetch(fctx, u)
	out.Duration = time.Since(start)
	if err != nil {
		f := Classify(err)
		out.Err = f
		out.Status = PermanentFailure
		if f.Transient() {
			out.Status = TransientFailure
		}
		w.log.Debug("attempt failed",
			zap.String("unit", u.ID),
			zap.Int("attempt", attempt),
			zap.String("kind", string(f.Kind)),
			zap.Error(err))
		return out
	}

	out.Status = Success
	out.Summary = sum
	w.log.Debug("attempt succeeded",
		zap.String("unit", u.ID),
		zap.Int("attempt", attempt),
		zap.Bool("from_cache", sum.FromCache),
		zap.Int("records", sum.Records),
		zap.Duration("took", out.Duration))
	return out
}

func (w *Worker) fetch(ctx context.Context, u source.Unit) (Summary, error) {
	if w.opts.Validate != nil {
		if err := w.opts.Validate(u); err != nil {
			return Summary{}, err
		}
	}

	ref := Ref(u)
	_, err := w.opts.Cache.Get(ctx, ref)
	switch {
	case err == nil:
		return w.fromCache(ctx, ref)
	case errors.Is(err, unitcache.ErrInvalid):
		return Summary{}, w.invalidate(ctx, ref, err)
	case !errors.Is(err, unitcache.ErrMiss):
		return Summary{}, fmt.Errorf("cache lookup: %w", err)
	}

	return w.fromRemote(ctx, u, ref)
}

// fromCache validates a cache hit by streaming it through the checksum and
// the codec. An entry that fails either is removed.
func (w *Worker) fromCache(ctx context.Context, ref unitcache.Ref) (Summary, error) {
	r, err := w.opts.Cache.Open(ctx, ref)
	if err != nil {
		if errors.Is(err, unitcache.ErrInvalid) || errors.Is(err, unitcache.ErrMiss) {
			return Summary{}, w.invalidate(ctx, ref, err)
		}
		return Summary{}, fmt.Errorf("cache open: %w", err)
	}
	defer r.Close()

	cs, err := w.opts.Codec.Summarize(r)
	if err == nil {
		// Reach EOF so the checksum is verified even if the codec stopped early.
		_, err = io.Copy(io.Discard, r)
	}
	if err != nil {
		if errors.Is(err, codec.ErrCorrupt) || errors.Is(err, unitcache.ErrInvalid) {
			return Summary{}, w.invalidate(ctx, ref, err)
		}
		return Summary{}, fmt.Errorf("cache read: %w", err)
	}
	return Summary{Records: cs.Records, Scanned: cs.Scanned, Bytes: cs.Bytes, FromCache: true}, nil
}

func (w *Worker) invalidate(ctx context.Context, ref unitcache.Ref, cause error) error {
	w.log.Warn("invalid cache entry", zap.String("unit", ref.ID), zap.Error(cause))
	if err := w.opts.Cache.Invalidate(ctx, ref); err != nil {
		return &storageError{err: err}
	}
	return &Failure{Kind: KindCorruptedCache, Message: cause.Error(), Err: cause}
}

// fromRemote streams the payload into the cache while the codec validates it.
// The cache entry is published only if the whole payload was read and valid.
func (w *Worker) fromRemote(ctx context.Context, u source.Unit, ref unitcache.Ref) (Summary, error) {
	if err := w.opts.Throttle.Wait(ctx); err != nil {
		return Summary{}, err
	}

	p, err := w.opts.Remote.Open(ctx, u)
	if err != nil {
		return Summary{}, err
	}
	defer p.Body.Close()

	cw, err := w.opts.Cache.Create(ctx, ref, unitcache.PutOptions{
		ETag:         p.ETag,
		ExpectedSize: max(p.Size, 0),
		Validated:    true,
	})
	if err != nil {
		return Summary{}, &storageError{err: err}
	}

	body := &bodyReader{r: p.Body}
	sink := &cacheWriter{w: cw}
	tee := io.TeeReader(body, sink)
	cs, err := w.opts.Codec.Summarize(tee)
	if err == nil {
		_, err = io.Copy(io.Discard, tee)
	}
	if err != nil {
		if aerr := cw.Abort(); aerr != nil {
			w.log.Warn("discard partial cache entry", zap.String("unit", u.ID), zap.Error(aerr))
		}
		// The codec may report a cut-off body as corrupt data.
		switch {
		case sink.err != nil:
			return Summary{}, sink.err
		case body.err != nil:
			return Summary{}, body.err
		}
		return Summary{}, err
	}

	entry, err := cw.Commit(ctx)
	if err != nil {
		if errors.Is(err, unitcache.ErrInvalid) {
			// Size disagreed with Content-Length: the transfer was cut short.
			return Summary{}, &readError{err: err}
		}
		return Summary{}, &storageError{err: err}
	}
	return Summary{Records: cs.Records, Scanned: cs.Scanned, Bytes: entry.Size}, nil
}

// bodyReader tags read errors of the remote body and keeps the first one.
type bodyReader struct {
	r   io.Reader
	err *readError
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		re := &readError{err: err}
		if b.err == nil {
			b.err = re
		}
		return n, re
	}
	return n, err
}

// cacheWriter tags write errors of the cache and keeps the first one.
type cacheWriter struct {
	w   io.Writer
	err *storageError
}

func (c *cacheWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		se := &storageError{err: err}
		if c.err == nil {
			c.err = se
		}
		return n, se
	}
	return n, nil
}
