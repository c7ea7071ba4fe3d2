package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ligustah/gather/internal/backoff"
	"github.com/ligustah/gather/internal/codec"
	"github.com/ligustah/gather/internal/config"
	"github.com/ligustah/gather/internal/fetch"
	"github.com/ligustah/gather/internal/ledger"
	"github.com/ligustah/gather/internal/merge"
	"github.com/ligustah/gather/internal/progress"
	"github.com/ligustah/gather/internal/scheduler"
	"github.com/ligustah/gather/internal/status"
)

// runRun fetches every unit into the cache with a bounded worker pool,
// recording progress in the ledger so an interrupted run resumes where it
// stopped. With -output the results are merged afterwards.
func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	common := bindCommon(fs)

	workers := fs.Int("workers", 0, "Number of parallel workers (0 = derive from CPU count and memory)")
	maxRetries := fs.Int("max-retries", -1, "Retries per unit after a transient failure (-1 = config value)")
	retryBackoff := fs.Duration("retry-backoff", 0, "Initial retry backoff")
	retryMaxBackoff := fs.Duration("retry-max-backoff", 0, "Max retry backoff")
	unitTimeout := fs.Duration("unit-timeout", 0, "Timeout of a single fetch attempt")
	rateLimit := fs.Float64("rate-limit", 0, "Pool-wide request rate limit per second (0 = unlimited)")
	stateInterval := fs.Int("state-interval", 0, "Persist the ledger every N outcomes")
	noResume := fs.Bool("no-resume", false, "Archive existing ledger files and start over")
	retryFailed := fs.Bool("retry-failed", false, "Reset failed units to pending before running")
	output := fs.String("output", "", "Merge results into FILE after fetching ('-' for stdout)")
	showProgress := fs.Bool("progress", false, "Show progress output")
	statusAddr := fs.String("status-addr", "", "Serve the ledger status over HTTP on ADDR")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: gather run [options]

Fetch every unit into the cache. Safe to interrupt: rerunning resumes from
the ledger, and cached units are never fetched twice.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := common.load(func(c *config.Config) {
		*c = c.Merge(config.Config{
			Workers:       *workers,
			UnitTimeout:   *unitTimeout,
			RateLimit:     *rateLimit,
			StateInterval: *stateInterval,
			NoResume:      *noResume,
			RetryFailed:   *retryFailed,
			Progress:      *showProgress,
			StatusAddr:    *statusAddr,
			Retry:         config.RetryConfig{Backoff: *retryBackoff, MaxBackoff: *retryMaxBackoff},
		})
		if *maxRetries >= 0 {
			c.MaxRetries = *maxRetries
		}
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	defer log.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	return fetchAll(ctx, cfg, *output, log)
}

func fetchAll(ctx context.Context, cfg config.Config, output string, log *zap.Logger) int {
	cache, code := openCache(ctx, cfg)
	if code != ExitSuccess {
		return code
	}
	defer cache.Close()

	l, code := openLedger(cfg, cfg.NoResume)
	if code != ExitSuccess {
		return code
	}
	if n := l.Interrupted(); n > 0 {
		fmt.Fprintf(stderr, "[gather] Resuming: %d units were in flight when the last run stopped\n", n)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = scheduler.AutoWorkers(cfg.MemoryPerWorker)
	}

	client := newHTTPClient(cfg, workers)
	units, src, code := enumerate(ctx, cfg, client)
	if code != ExitSuccess {
		return code
	}
	l.Attach(unitIDs(units))

	if cfg.RetryFailed {
		if n := l.ResetFailed(); n > 0 {
			fmt.Fprintf(stderr, "[gather] Retrying %d failed units\n", n)
		}
	}

	worker, err := fetch.New(fetch.Options{
		Cache:    cache,
		Remote:   fetch.NewHTTPRemote(client),
		Codec:    codec.Links{MinScore: cfg.MinScore},
		Validate: src.Validate,
		Throttle: backoff.NewThrottle(cfg.RateLimit, 1),
		Timeout:  cfg.UnitTimeout,
		Logger:   log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	observers := []scheduler.Observer{logObserver{log: log}}
	var reporter *progress.Reporter
	if cfg.Progress {
		reporter = progress.NewReporter(progress.Options{
			Initial:  l.Counts(),
			Workers:  workers,
			Endpoint: cfg.Source.Endpoint,
			Output:   stderr,
		})
		observers = append(observers, reporter)
	}

	sched := scheduler.New(l, worker, scheduler.Options{
		Workers:             workers,
		MemoryPerWorker:     cfg.MemoryPerWorker,
		MaxRetries:          cfg.MaxRetries,
		RateLimitMaxRetries: cfg.RateLimitMaxRetries,
		Backoff:             retryPolicy(cfg),
		StateInterval:       cfg.StateInterval,
		Probe:               cache.Probe,
		Observers:           observers,
		Logger:              log,
	})

	if cfg.StatusAddr != "" {
		srv, err := status.Start(cfg.StatusAddr, l, log)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		fmt.Fprintf(stderr, "[gather] Status: http://%s/status\n", srv.Addr())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("status server shutdown", zap.Error(err))
			}
		}()
	}

	if reporter != nil {
		reporter.Start()
	}
	res, err := sched.Run(ctx, units)
	if reporter != nil {
		reporter.Stop()
	}
	if err != nil {
		return fatalExit(err)
	}
	log.Info("fetch phase finished",
		zap.Int("done", res.Counts.Done),
		zap.Int("failed", res.Counts.Failed),
		zap.Int("pending", res.Counts.Remaining()),
		zap.Int("attempts", res.Attempts),
		zap.Int("workers", res.Workers),
		zap.Duration("elapsed", res.Elapsed),
	)

	report := merge.NewReport(l, res.Interrupted, nil)
	report.Elapsed = res.Elapsed
	if output != "" && report.Class != merge.Interrupted {
		report, err = exportResults(ctx, l, units, cache, cfg, output, false, log)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			printReport(report)
			return ExitStorageError
		}
	}

	printReport(report)
	return reportExit(ctx, report, cfg)
}

// fatalExit maps an error escaping the scheduler to an exit code.
func fatalExit(err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	var fe *scheduler.FatalError
	if errors.As(err, &fe) && fe.Op == scheduler.OpProbe {
		fmt.Fprintln(stderr, "[gather] Cache is not writable")
		return ExitStorageError
	}
	if errors.As(err, &fe) {
		fmt.Fprintln(stderr, "[gather] Ledger could not be written; progress up to the last save is kept")
		return ExitLedgerError
	}
	return ExitGeneralError
}

func printReport(r merge.Report) {
	fmt.Fprintf(stderr, "[gather] %s\n", r)
	if len(r.FailedByKind) > 0 {
		fmt.Fprintf(stderr, "[gather] Failed units by error kind:\n%s", r.KindSummary())
	}
	if r.Retries > 0 {
		fmt.Fprintf(stderr, "[gather] Retries: %d\n", r.Retries)
	}
	if r.Merged > 0 {
		fmt.Fprintf(stderr, "[gather] Merged: %d units | %d interactions\n", r.Merged, r.Records)
	}
	if len(r.Skipped) > 0 {
		fmt.Fprintf(stderr, "[gather] %d cache entries were invalid and their units reopened; rerun to fetch them again\n", len(r.Skipped))
	}
}

// reportExit maps a report to an exit code.
func reportExit(ctx context.Context, r merge.Report, cfg config.Config) int {
	switch r.Class {
	case merge.Interrupted:
		if ctx.Err() != nil {
			return ExitInterrupted
		}
		return ExitGeneralError
	case merge.Aborted:
		return ExitGeneralError
	case merge.CompleteWithFailures:
		if !cfg.Tolerates(r.Failed, r.Total) {
			fmt.Fprintf(stderr, "[gather] %d of %d units failed, above the failure tolerance of %.1f%%\n",
				r.Failed, r.Total, cfg.FailureTolerance*100)
			return ExitTooManyFailures
		}
	}
	return ExitSuccess
}

// logObserver logs every outcome.
type logObserver struct {
	log *zap.Logger
}

func (o logObserver) OnOutcome(out fetch.Outcome, c ledger.Counts) {
	fields := []zap.Field{
		zap.String("unit", out.UnitID),
		zap.String("status", out.Status.String()),
		zap.Int("attempt", out.Attempt),
		zap.Duration("duration", out.Duration),
		zap.Int("done", c.Done),
		zap.Int("remaining", c.Remaining()),
	}
	if out.Err != nil {
		fields = append(fields, zap.String("kind", string(out.Err.Kind)), zap.String("error", out.Err.Message))
		o.log.Warn("unit failed", fields...)
		return
	}
	fields = append(fields, zap.Int("records", out.Summary.Records), zap.Bool("cached", out.Summary.FromCache))
	o.log.Debug("unit done", fields...)
}

// openOutput opens path for results; "-" is stdout.
func openOutput(path string, appendTo bool) (io.Writer, func() error, error) {
	if path == "-" {
		return stdout, func() error { return nil }, nil
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendTo {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open output: %w", err)
	}
	return f, f.Close, nil
}
