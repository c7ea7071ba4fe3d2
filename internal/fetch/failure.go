package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"os"

	"github.com/ligustah/gather/internal/codec"
	gatherhttp "github.com/ligustah/gather/internal/http"
	"github.com/ligustah/gather/internal/source"
	"github.com/ligustah/gather/pkg/unitcache"
)

// Kind classifies a failed attempt.
type Kind string

const (
	KindCorruptedCache Kind = "corrupted_cache"
	KindTimeout        Kind = "timeout"
	KindNetwork        Kind = "network"
	KindRateLimit      Kind = "rate_limit"
	KindServerError    Kind = "server_error"
	KindStorage        Kind = "storage"
	KindUnknown        Kind = "unknown"

	KindNotFound    Kind = "not_found"
	KindClientError Kind = "client_error"
	KindInvalidUnit Kind = "invalid_unit"
)

// Transient reports whether an attempt failing with k may be retried.
func (k Kind) Transient() bool {
	switch k {
	case KindNotFound, KindClientError, KindInvalidUnit:
		return false
	default:
		return true
	}
}

// BackoffScale stretches the retry delay for kinds that need more (or less)
// breathing room than the base.
func (k Kind) BackoffScale() float64 {
	switch k {
	case KindRateLimit:
		return 6
	case KindServerError:
		return 2
	case KindCorruptedCache:
		return 0.4
	default:
		return 1
	}
}

// Failure is the error of a failed attempt.
type Failure struct {
	Kind    Kind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient reports whether the attempt may be retried.
func (f *Failure) Transient() bool {
	return f.Kind.Transient()
}

// BackoffScale returns the retry delay factor for the failure.
func (f *Failure) BackoffScale() float64 {
	return f.Kind.BackoffScale()
}

// Classify maps an error from any stage of a fetch to a Failure. A nil error
// yields nil; an existing *Failure is returned as is.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: classify(err), Message: err.Error(), Err: err}
}

func classify(err error) Kind {
	// Order matters: a failed body read surfaces through the codec as
	// ErrCorrupt, but the transport is what broke.
	var se *storageError
	if errors.As(err, &se) {
		return KindStorage
	}
	if isTimeout(err) {
		return KindTimeout
	}
	var re *readError
	if errors.As(err, &re) {
		return KindNetwork
	}

	switch {
	case errors.Is(err, source.ErrInvalidID):
		return KindInvalidUnit
	case errors.Is(err, gatherhttp.ErrNotFound):
		return KindNotFound
	case errors.Is(err, gatherhttp.ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, gatherhttp.ErrServerError):
		return KindServerError
	case errors.Is(err, gatherhttp.ErrClientError):
		return KindClientError
	case errors.Is(err, codec.ErrCorrupt), errors.Is(err, unitcache.ErrInvalid):
		return KindCorruptedCache
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return KindNetwork
	}
	return KindUnknown
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// readError marks a failure reading the remote payload body.
type readError struct{ err error }

func (e *readError) Error() string { return "read payload: " + e.err.Error() }
func (e *readError) Unwrap() error { return e.err }

// storageError marks a failure writing to the cache.
type storageError struct{ err error }

func (e *storageError) Error() string { return "cache write: " + e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }
