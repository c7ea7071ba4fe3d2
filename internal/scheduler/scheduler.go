package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ligustah/gather/internal/backoff"
	"github.com/ligustah/gather/internal/fetch"
	"github.com/ligustah/gather/internal/ledger"
	"github.com/ligustah/gather/internal/source"
)

// Fetcher performs one attempt for a unit. *fetch.Worker implements it.
type Fetcher interface {
	Fetch(ctx context.Context, u source.Unit, attempt int) fetch.Outcome
}

// Observer is notified after every outcome has been recorded in the ledger.
// It is called from the scheduler loop and must not block for long.
type Observer interface {
	OnOutcome(out fetch.Outcome, counts ledger.Counts)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(fetch.Outcome, ledger.Counts)

// OnOutcome implements Observer.
func (f ObserverFunc) OnOutcome(out fetch.Outcome, c ledger.Counts) { f(out, c) }

// Options configures the scheduler.
type Options struct {
	// Workers is the number of parallel fetch workers. Zero derives it from
	// CPU count and memory headroom, see AutoWorkers.
	Workers int

	// MemoryPerWorker is the memory budget of one worker used by AutoWorkers.
	// Default: 512 MiB
	MemoryPerWorker int64

	// MaxRetries is the number of retries a unit gets after its first
	// attempt fails transiently.
	// Default: 0 (no retries)
	MaxRetries int

	// RateLimitMaxRetries additionally caps retries of rate limited units.
	// Zero means no extra cap.
	RateLimitMaxRetries int

	// Backoff computes retry delays.
	Backoff backoff.Policy

	// StateInterval persists the ledger every N outcomes.
	// Default: 1
	StateInterval int

	// Probe is called once before any work; an error aborts the run. Use it
	// to check that the cache is writable.
	Probe func(ctx context.Context) error

	// Observers are notified of every outcome.
	Observers []Observer

	// Logger receives lifecycle logs. Default: no-op.
	Logger *zap.Logger
}

// Operations reported by FatalError.
const (
	OpProbe        = "probe cache"
	OpWriteLedger  = "write ledger"
	OpDispatch     = "dispatch"
	OpUpdateLedger = "update ledger"
)

// FatalError aborts a run. Nothing else escapes Run: unit failures are
// recorded in the ledger and the run continues.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("scheduler: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Result summarizes a finished (or interrupted) run.
type Result struct {
	Counts      ledger.Counts
	Interrupted bool
	Attempts    int // attempts made during this run
	Workers     int
	Elapsed     time.Duration
}

// Scheduler drives units through the fetch worker pool.
type Scheduler struct {
	ledger  *ledger.Ledger
	fetcher Fetcher
	opts    Options
	log     *zap.Logger
}

// New creates a Scheduler.
func New(l *ledger.Ledger, f Fetcher, opts Options) *Scheduler {
	if opts.MemoryPerWorker <= 0 {
		opts.MemoryPerWorker = 512 << 20
	}
	if opts.StateInterval <= 0 {
		opts.StateInterval = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Workers <= 0 {
		opts.Workers = AutoWorkers(opts.MemoryPerWorker)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{ledger: l, fetcher: f, opts: opts, log: log}
}

// Workers returns the effective worker count.
func (s *Scheduler) Workers() int {
	return s.opts.Workers
}

type job struct {
	unit    source.Unit
	attempt int
}

type delayed struct {
	id  string
	due time.Time
}

// Run fetches every unit that is not yet Done or Failed in the ledger.
//
// It returns when no unit is Pending or InFlight, or when ctx is cancelled
// and every in-flight attempt has finished. Units waiting for a retry stay
// Pending across a cancellation. The ledger is saved before Run returns.
func (s *Scheduler) Run(ctx context.Context, units []source.Unit) (Result, error) {
	start := time.Now()
	res := Result{Workers: s.opts.Workers}

	byID := make(map[string]source.Unit, len(units))
	ids := make([]string, len(units))
	for i, u := range units {
		byID[u.ID] = u
		ids[i] = u.ID
	}
	s.ledger.Attach(ids)

	if s.opts.Probe != nil {
		if err := s.opts.Probe(ctx); err != nil {
			return res, &FatalError{Op: OpProbe, Err: err}
		}
	}
	if err := s.ledger.Save(); err != nil {
		return res, &FatalError{Op: OpWriteLedger, Err: err}
	}

	ready := s.ledger.IDs(ledger.Pending)
	initial := s.ledger.Counts()
	s.log.Info("starting fetch",
		zap.String("run_id", s.ledger.RunID()),
		zap.Int("total", initial.Total),
		zap.Int("done", initial.Done),
		zap.Int("failed", initial.Failed),
		zap.Int("pending", len(ready)),
		zap.Int("recovered_in_flight", s.ledger.Interrupted()),
		zap.Int("workers", s.opts.Workers))

	n := s.opts.Workers
	jobs := make(chan job, n)
	results := make(chan fetch.Outcome, n)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			var first error
			for j := range jobs {
				out, err := s.attempt(ctx, j)
				if err != nil && first == nil {
					first = err
				}
				results <- out
			}
			return first
		})
	}

	var (
		waiting   []delayed
		inFlight  int
		outcomes  int
		fatal     error
		cancelled bool
		done      = ctx.Done()
		timer     = time.NewTimer(time.Hour)
	)
	timer.Stop()
	defer timer.Stop()

	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			done = nil
		}
		stopping := cancelled || fatal != nil

		for !stopping && inFlight < n && len(ready) > 0 {
			id := ready[0]
			ready = ready[1:]
			e, _ := s.ledger.Entry(id)
			if err := s.ledger.MarkInFlight(id); err != nil {
				fatal = &FatalError{Op: OpDispatch, Err: err}
				break
			}
			inFlight++
			res.Attempts++
			jobs <- job{unit: byID[id], attempt: e.Attempts + 1}
		}
		stopping = cancelled || fatal != nil

		if inFlight == 0 && (stopping || (len(ready) == 0 && len(waiting) == 0)) {
			break
		}

		var timerC <-chan time.Time
		if !stopping && len(waiting) > 0 {
			timer.Reset(time.Until(waiting[0].due))
			timerC = timer.C
		}

		select {
		case out := <-results:
			inFlight--
			outcomes++
			if err := s.record(out, &waiting); err != nil && fatal == nil {
				fatal = &FatalError{Op: OpUpdateLedger, Err: err}
			}
			if outcomes%s.opts.StateInterval == 0 {
				if err := s.ledger.Save(); err != nil && fatal == nil {
					fatal = &FatalError{Op: OpWriteLedger, Err: err}
				}
			}
			counts := s.ledger.Counts()
			for _, o := range s.opts.Observers {
				o.OnOutcome(out, counts)
			}

		case <-timerC:
			now := time.Now()
			i := 0
			for i < len(waiting) && !waiting[i].due.After(now) {
				ready = append(ready, waiting[i].id)
				i++
			}
			waiting = waiting[i:]

		case <-done:
			cancelled = true
			done = nil
			s.log.Info("cancellation requested, waiting for in-flight units", zap.Int("in_flight", inFlight))
		}
		timer.Stop()
	}

	close(jobs)
	if err := g.Wait(); err != nil {
		s.log.Error("fetch worker recovered from a panic", zap.Error(err))
	}

	saveErr := s.ledger.Save()
	res.Counts = s.ledger.Counts()
	res.Interrupted = cancelled
	res.Elapsed = time.Since(start)

	if fatal != nil {
		return res, fatal
	}
	if saveErr != nil {
		return res, &FatalError{Op: OpWriteLedger, Err: saveErr}
	}

	s.log.Info("fetch finished",
		zap.Int("done", res.Counts.Done),
		zap.Int("failed", res.Counts.Failed),
		zap.Int("pending", res.Counts.Pending),
		zap.Int("attempts", res.Attempts),
		zap.Bool("interrupted", res.Interrupted),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// attempt runs one fetch. A panicking fetcher yields a transient failure so
// the unit is retried and the loop still receives an outcome for it.
func (s *Scheduler) attempt(ctx context.Context, j job) (out fetch.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch %s: panic: %v", j.unit.ID, r)
			out = fetch.Outcome{
				UnitID:  j.unit.ID,
				Status:  fetch.TransientFailure,
				Attempt: j.attempt,
				Err:     &fetch.Failure{Kind: fetch.KindUnknown, Message: err.Error(), Err: err},
			}
		}
	}()
	return s.fetcher.Fetch(ctx, j.unit, j.attempt), nil
}

// record applies one outcome to the ledger and schedules a retry if needed.
func (s *Scheduler) record(out fetch.Outcome, waiting *[]delayed) error {
	id := out.UnitID
	prev, ok := s.ledger.Entry(id)
	if !ok {
		return fmt.Errorf("outcome for unknown unit %s", id)
	}

	switch out.Status {
	case fetch.Success:
		return s.ledger.Complete(id, out.Summary)

	case fetch.TransientFailure:
		f := out.Err
		if f == nil {
			f = &fetch.Failure{Kind: fetch.KindUnknown, Message: "transient failure without cause"}
		}
		retriesUsed := prev.Attempts
		if retriesUsed < s.retryBudget(f.Kind) {
			if err := s.ledger.Retry(id, f); err != nil {
				return err
			}
			delay := s.opts.Backoff.Delay(retriesUsed+1, f.BackoffScale())
			insert(waiting, delayed{id: id, due: time.Now().Add(delay)})
			s.log.Debug("retry scheduled",
				zap.String("unit", id),
				zap.String("kind", string(f.Kind)),
				zap.Int("retry", retriesUsed+1),
				zap.Duration("delay", delay))
			return nil
		}
		s.log.Warn("unit failed, retries exhausted",
			zap.String("unit", id),
			zap.String("kind", string(f.Kind)),
			zap.Int("attempts", prev.Attempts+1),
			zap.String("error", f.Message))
		return s.ledger.Fail(id, f)

	case fetch.PermanentFailure:
		f := out.Err
		if f == nil {
			f = &fetch.Failure{Kind: fetch.KindUnknown, Message: "permanent failure without cause"}
		}
		s.log.Warn("unit failed permanently",
			zap.String("unit", id),
			zap.String("kind", string(f.Kind)),
			zap.String("error", f.Message))
		return s.ledger.Fail(id, f)
	}
	return errors.New("unknown outcome status " + out.Status.String())
}

func (s *Scheduler) retryBudget(k fetch.Kind) int {
	budget := s.opts.MaxRetries
	if k == fetch.KindRateLimit && s.opts.RateLimitMaxRetries > 0 && s.opts.RateLimitMaxRetries < budget {
		budget = s.opts.RateLimitMaxRetries
	}
	return budget
}

// insert keeps waiting sorted by due time.
func insert(waiting *[]delayed, d delayed) {
	w := *waiting
	i := sort.Search(len(w), func(i int) bool { return w[i].due.After(d.due) })
	w = append(w, delayed{})
	copy(w[i+1:], w[i:])
	w[i] = d
	*waiting = w
}
