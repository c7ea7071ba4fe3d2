// Package reassembly is the second pipeline stage: a sequential pass over Done
// units in source order that reads each payload back from the warm cache and
// expands it into a full result.
//
// Fetch workers only return compact summaries, so full results never cross
// goroutines. Reassembly holds one unit's result at a time. Every handed-off
// unit is marked merged in the ledger, so a resumed pass emits exactly the
// Done units not merged yet, including units that completed after later ones
// were merged.
package reassembly

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/ligustah/gather/internal/codec"
	"github.com/ligustah/gather/internal/fetch"
	"github.com/ligustah/gather/internal/ledger"
	"github.com/ligustah/gather/internal/source"
	"github.com/ligustah/gather/pkg/unitcache"
)

// UnitResult is the full result of one unit.
type UnitResult struct {
	Unit         source.Unit
	Interactions []codec.Interaction
	Summary      fetch.Summary
}

// Options configures a Stream.
type Options struct {
	// Cache holds the payloads. Required.
	Cache *unitcache.Store

	// Codec expands payloads. Default: codec.Links with codec.HighConfidence.
	Codec codec.Codec

	// FromStart clears the ledger's merge marks and emits every Done unit.
	FromStart bool

	Logger *zap.Logger
}

// Stream lazily produces results of Done units in source order.
type Stream struct {
	ledger  *ledger.Ledger
	units   []source.Unit
	opts    Options
	log     *zap.Logger
	pos     int
	skipped []string
}

// Open returns a Stream over the Done units of units that are not merged yet.
func Open(l *ledger.Ledger, units []source.Unit, opts Options) (*Stream, error) {
	if opts.Cache == nil {
		return nil, errors.New("reassembly: cache is required")
	}
	if opts.Codec == nil {
		opts.Codec = codec.Links{MinScore: codec.HighConfidence}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	l.Attach(ids)

	if opts.FromStart {
		if err := l.ResetMerged(); err != nil {
			return nil, fmt.Errorf("reassembly: %w", err)
		}
	}
	return &Stream{ledger: l, units: units, opts: opts, log: log}, nil
}

// Next returns the next Done unit's result, or io.EOF when no unit is left.
//
// A Done unit whose cache entry is missing or invalid is reopened to Pending
// in the ledger, recorded in Skipped and passed over; the next fetch run
// fetches it again.
func (s *Stream) Next(ctx context.Context) (*UnitResult, error) {
	for s.pos < len(s.units) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		u := s.units[s.pos]
		s.pos++

		e, ok := s.ledger.Entry(u.ID)
		if !ok || e.State != ledger.Done || e.MergedAt != nil {
			continue
		}

		res, err := s.expand(ctx, u)
		if err == nil {
			if e.Summary != nil {
				res.Summary = *e.Summary
			}
			return res, nil
		}
		if !isInvalid(err) {
			s.pos--
			return nil, fmt.Errorf("reassembly: unit %s: %w", u.ID, err)
		}

		s.log.Warn("cached payload no longer valid, reopening unit",
			zap.String("unit", u.ID), zap.Error(err))
		if err := s.opts.Cache.Invalidate(ctx, fetch.Ref(u)); err != nil {
			return nil, fmt.Errorf("reassembly: invalidate %s: %w", u.ID, err)
		}
		if err := s.ledger.Reopen(u.ID, err.Error()); err != nil {
			return nil, fmt.Errorf("reassembly: %w", err)
		}
		if err := s.ledger.Save(); err != nil {
			return nil, fmt.Errorf("reassembly: %w", err)
		}
		s.skipped = append(s.skipped, u.ID)
	}
	return nil, io.EOF
}

func (s *Stream) expand(ctx context.Context, u source.Unit) (*UnitResult, error) {
	r, err := s.opts.Cache.Open(ctx, fetch.Ref(u))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	res := &UnitResult{Unit: u}
	err = s.opts.Codec.Expand(r, func(i codec.Interaction) error {
		res.Interactions = append(res.Interactions, i)
		return nil
	})
	if err == nil {
		_, err = io.Copy(io.Discard, r)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func isInvalid(err error) bool {
	return errors.Is(err, unitcache.ErrMiss) ||
		errors.Is(err, unitcache.ErrInvalid) ||
		errors.Is(err, codec.ErrCorrupt)
}

// Commit records that res was handed off by marking its unit merged.
func (s *Stream) Commit(res *UnitResult) error {
	if err := s.ledger.MarkMerged(res.Unit.ID); err != nil {
		return fmt.Errorf("reassembly: commit %s: %w", res.Unit.ID, err)
	}
	return nil
}

// Ledger returns the ledger the stream reads and updates.
func (s *Stream) Ledger() *ledger.Ledger {
	return s.ledger
}

// Skipped returns the ids of Done units that were reopened because their
// cache entry was no longer valid.
func (s *Stream) Skipped() []string {
	return append([]string(nil), s.skipped...)
}
