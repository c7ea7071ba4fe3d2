package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ligustah/gather/internal/fetch"
	"github.com/ligustah/gather/internal/ledger"
	"github.com/ligustah/gather/internal/reassembly"
)

// Consumer receives reassembled results in source order. A result is
// marked merged only after Consume returns nil.
type Consumer interface {
	Consume(ctx context.Context, res *reassembly.UnitResult) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(context.Context, *reassembly.UnitResult) error

// Consume implements Consumer.
func (f ConsumerFunc) Consume(ctx context.Context, res *reassembly.UnitResult) error {
	return f(ctx, res)
}

// Stream is the source of results. *reassembly.Stream implements it.
type Stream interface {
	Next(ctx context.Context) (*reassembly.UnitResult, error)
	Commit(res *reassembly.UnitResult) error
	Skipped() []string
	Ledger() *ledger.Ledger
}

// Class is the overall outcome of a run.
type Class string

const (
	Complete             Class = "complete"
	CompleteWithFailures Class = "complete-with-failed"
	Interrupted          Class = "interrupted"
	Aborted              Class = "aborted"
)

// Report summarizes a run.
type Report struct {
	Class        Class                        `json:"class"`
	RunID        string                       `json:"run_id"`
	Total        int                          `json:"total"`
	Done         int                          `json:"done"`
	Failed       int                          `json:"failed"`
	Pending      int                          `json:"pending"`
	Retries      int                          `json:"retries"`
	FailedUnits  map[string]ledger.FailedUnit `json:"failed_units,omitempty"`
	FailedByKind map[fetch.Kind][]string      `json:"failed_by_kind,omitempty"`
	Merged       int                          `json:"merged"`
	Records      int                          `json:"records"`
	Skipped      []string                     `json:"skipped,omitempty"`
	Elapsed      time.Duration                `json:"elapsed"`
	Err          string                       `json:"error,omitempty"`
}

// NewReport builds a report from the ledger. interrupted marks a cancelled
// run; a non-nil fatal marks an aborted one.
func NewReport(l *ledger.Ledger, interrupted bool, fatal error) Report {
	snap := l.Snapshot()
	r := Report{
		RunID:        snap.RunID,
		Total:        snap.Counts.Total,
		Done:         snap.Counts.Done,
		Failed:       snap.Counts.Failed,
		Pending:      snap.Counts.Remaining(),
		Retries:      snap.Retries,
		FailedUnits:  snap.Failed,
		FailedByKind: l.FailuresByKind(),
	}
	switch {
	case fatal != nil:
		r.Class = Aborted
		r.Err = fatal.Error()
	case interrupted || r.Pending > 0:
		r.Class = Interrupted
	case r.Failed > 0:
		r.Class = CompleteWithFailures
	default:
		r.Class = Complete
	}
	return r
}

// String renders the one-line verdict.
func (r Report) String() string {
	switch r.Class {
	case Complete:
		return fmt.Sprintf("complete: %d/%d units done", r.Done, r.Total)
	case CompleteWithFailures:
		return fmt.Sprintf("complete with %d failed (see %s)", r.Failed, ledger.FailedFile)
	case Interrupted:
		return fmt.Sprintf("interrupted: %d done, %d failed, %d pending; rerun to resume", r.Done, r.Failed, r.Pending)
	default:
		return "aborted: " + r.Err
	}
}

// KindSummary renders failed units grouped by error kind, one kind per line,
// most frequent first.
func (r Report) KindSummary() string {
	kinds := make([]fetch.Kind, 0, len(r.FailedByKind))
	for k := range r.FailedByKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		a, b := len(r.FailedByKind[kinds[i]]), len(r.FailedByKind[kinds[j]])
		if a != b {
			return a > b
		}
		return kinds[i] < kinds[j]
	})

	var sb strings.Builder
	for _, k := range kinds {
		ids := r.FailedByKind[k]
		shown := ids
		if len(shown) > 10 {
			shown = shown[:10]
		}
		fmt.Fprintf(&sb, "  %s: %d (%s", k, len(ids), strings.Join(shown, ", "))
		if len(ids) > len(shown) {
			fmt.Fprintf(&sb, ", ... %d more", len(ids)-len(shown))
		}
		sb.WriteString(")\n")
	}
	return sb.String()
}

// Run hands every result of stream to consumer in order, marking each unit
// merged after a successful hand-off, and reports on the run.
//
// Cancellation stops the merge between units and yields an Interrupted
// report with a nil error. A consumer or stream error aborts the merge.
func Run(ctx context.Context, stream Stream, consumer Consumer) (Report, error) {
	start := time.Now()
	var merged, records int
	var runErr error
	interrupted := false

	for {
		res, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				interrupted = true
				break
			}
			runErr = err
			break
		}
		if err := consumer.Consume(ctx, res); err != nil {
			runErr = fmt.Errorf("merge: consume %s: %w", res.Unit.ID, err)
			break
		}
		if err := stream.Commit(res); err != nil {
			runErr = fmt.Errorf("merge: %w", err)
			break
		}
		merged++
		records += len(res.Interactions)
	}

	r := NewReport(stream.Ledger(), interrupted, runErr)
	r.Merged = merged
	r.Records = records
	r.Skipped = stream.Skipped()
	r.Elapsed = time.Since(start)
	return r, runErr
}
