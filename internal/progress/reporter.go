package progress

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ligustah/gather/internal/fetch"
	"github.com/ligustah/gather/internal/ledger"
)

// Options configures the progress reporter.
type Options struct {
	// Initial is the ledger state when the run starts. Units already
	// finished in an earlier run do not count towards the rate.
	Initial ledger.Counts

	// Workers is the number of parallel workers (for display).
	Workers int

	// Endpoint is the data endpoint being fetched (for display).
	Endpoint string

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 5s
	UpdateInterval time.Duration
}

// Reporter outputs human-readable progress information. It implements
// scheduler.Observer.
type Reporter struct {
	opts Options

	mu        sync.Mutex
	counts    ledger.Counts
	transient atomic.Int64
	bytes     atomic.Int64
	startTime time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	stopped   bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 5 * time.Second
	}

	return &Reporter{
		opts:   opts,
		counts: opts.Initial,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start prints the header and begins periodic updates.
func (r *Reporter) Start() {
	r.mu.Lock()
	r.startTime = time.Now()
	r.started = true
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[gather] Fetching %d units: %s | Workers: %d\n",
		r.opts.Initial.Total, r.opts.Endpoint, r.opts.Workers)

	go r.updateLoop()
}

// Stop stops periodic updates and prints the final status.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

// OnOutcome records an outcome. The counts are the ledger counts after the
// outcome was applied.
func (r *Reporter) OnOutcome(out fetch.Outcome, c ledger.Counts) {
	switch out.Status {
	case fetch.Success:
		if !out.Summary.FromCache {
			r.bytes.Add(out.Summary.Bytes)
		}
	case fetch.TransientFailure:
		r.transient.Add(1)
	}

	r.mu.Lock()
	r.counts = c
	r.mu.Unlock()
}

func (r *Reporter) updateLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

func (r *Reporter) snapshot() (ledger.Counts, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts, time.Since(r.startTime)
}

// finished returns the number of units that reached Done or Failed since
// the reporter was created.
func (r *Reporter) finished(c ledger.Counts) int {
	n := c.Done + c.Failed - r.opts.Initial.Done - r.opts.Initial.Failed
	return max(n, 0)
}

func (r *Reporter) printProgress() {
	c, elapsed := r.snapshot()
	rate := perMinute(r.finished(c), elapsed)

	eta := "calculating..."
	if rate > 0 {
		remaining := float64(c.Remaining()) / rate
		eta = formatDuration(time.Duration(remaining * float64(time.Minute)))
	}

	fmt.Fprintf(r.opts.Output, "[gather] Progress: %.1f%% | %d/%d done | %d failed | %d in flight | %.1f units/min | ETA: %s\n",
		percent(c),
		c.Done,
		c.Total,
		c.Failed,
		c.InFlight,
		rate,
		eta,
	)
}

func (r *Reporter) printFinalStatus() {
	c, elapsed := r.snapshot()

	fmt.Fprintf(r.opts.Output, "[gather] Progress: %.1f%% | %d/%d done | %d failed | %d pending\n",
		percent(c),
		c.Done,
		c.Total,
		c.Failed,
		c.Remaining(),
	)
	fmt.Fprintf(r.opts.Output, "[gather] Downloaded: %s | Transient failures: %d\n",
		formatBytes(r.bytes.Load()),
		r.transient.Load(),
	)
	fmt.Fprintf(r.opts.Output, "[gather] Total time: %s | Average rate: %.1f units/min\n",
		formatDuration(elapsed),
		perMinute(r.finished(c), elapsed),
	)
}

func percent(c ledger.Counts) float64 {
	if c.Total == 0 {
		return 100
	}
	return float64(c.Done+c.Failed) / float64(c.Total) * 100
}

func perMinute(n int, elapsed time.Duration) float64 {
	if elapsed < time.Second {
		elapsed = time.Second
	}
	return float64(n) / elapsed.Minutes()
}

// byteUnits lists binary size units from largest to smallest.
var byteUnits = []struct {
	suffix string
	size   int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
}

func formatBytes(b int64) string {
	for _, u := range byteUnits {
		if b >= u.size {
			return fmt.Sprintf("%.2f %s", float64(b)/float64(u.size), u.suffix)
		}
	}
	return fmt.Sprintf("%d B", b)
}

// formatDuration renders d as "42s", "3m 7s" or "2h 5m 0s".
func formatDuration(d time.Duration) string {
	total := int(d.Seconds())
	h, m, sec := total/3600, total/60%60, total%60
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.0fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", m, sec)
	default:
		return fmt.Sprintf("%dh %dm %ds", h, m, sec)
	}
}

// FormatBytes renders a byte count with a binary unit, e.g. "1.50 KB".
func FormatBytes(b int64) string {
	return formatBytes(b)
}

// FormatDuration renders a duration for progress lines.
func FormatDuration(d time.Duration) string {
	return formatDuration(d)
}

// ParseBytes parses a size such as "512MB", "1.5 GB" or "4096". Units are
// binary and case-insensitive.
func ParseBytes(s string) (int64, error) {
	num := strings.ToUpper(strings.TrimSpace(s))
	multiplier := int64(1)
	for _, u := range byteUnits {
		if strings.HasSuffix(num, u.suffix) {
			multiplier = u.size
			num = strings.TrimSuffix(num, u.suffix)
			break
		}
	}
	if multiplier == 1 {
		num = strings.TrimSuffix(num, "B")
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte string: %q", s)
	}
	return int64(value * float64(multiplier)), nil
}
