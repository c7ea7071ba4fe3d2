package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ligustah/gather/internal/fetch"
)

// ErrCorrupt is returned when ledger.json exists but cannot be decoded.
var ErrCorrupt = errors.New("ledger: corrupt ledger file")

// ErrUnknownUnit is returned for operations on ids the ledger has never seen.
var ErrUnknownUnit = errors.New("ledger: unknown unit")

const fileVersion = 1

// Entry is the durable record of one unit.
type Entry struct {
	State       State          `json:"state"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorKind   fetch.Kind     `json:"error_kind,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Summary     *fetch.Summary `json:"summary,omitempty"`

	// MergedAt is set once the unit's result was handed to the consumer. It
	// is cleared whenever the unit leaves Done.
	MergedAt *time.Time `json:"merged_at,omitempty"`
}

// Counts is a snapshot of how many enumerated units are in each state.
type Counts struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
}

// Remaining returns the units that still need work.
func (c Counts) Remaining() int {
	return c.Pending + c.InFlight
}

// state is the shape of ledger.json.
type state struct {
	Version     int               `json:"version"`
	RunID       string            `json:"run_id"`
	StartedAt   time.Time         `json:"started_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Retries     int               `json:"retries"`
	MergeCursor string            `json:"merge_cursor,omitempty"`
	Units       map[string]*Entry `json:"units"`
}

// Ledger is the progress record of a run. It is safe for concurrent use, but
// the engine treats the scheduler loop as its only writer during a run.
type Ledger struct {
	dir string
	now func() time.Time

	mu          sync.Mutex
	st          *state
	order       []string
	index       map[string]int
	interrupted int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Open loads the ledger from dir, or starts an empty one if none exists.
// Entries left InFlight by an interrupted run are reset to Pending.
func Open(dir string, opts ...Option) (*Ledger, error) {
	l := &Ledger{dir: dir, now: time.Now, index: map[string]int{}}
	for _, opt := range opts {
		opt(l)
	}

	data, err := os.ReadFile(filepath.Join(dir, LedgerFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		now := l.now().UTC()
		l.st = &state{
			Version:   fileVersion,
			RunID:     uuid.NewString(),
			StartedAt: now,
			UpdatedAt: now,
			Units:     map[string]*Entry{},
		}
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("ledger: read %s: %w", dir, err)
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if st.Units == nil {
		st.Units = map[string]*Entry{}
	}
	for id, e := range st.Units {
		if e == nil {
			return nil, fmt.Errorf("%w: unit %s has no entry", ErrCorrupt, id)
		}
		switch e.State {
		case Pending, Done, Failed:
		case InFlight:
			e.State = Pending
			l.interrupted++
		default:
			return nil, fmt.Errorf("%w: unit %s has unknown state %q", ErrCorrupt, id, e.State)
		}
	}
	if st.RunID == "" {
		st.RunID = uuid.NewString()
	}
	l.st = &st
	return l, nil
}

// Dir returns the directory holding the ledger artifacts.
func (l *Ledger) Dir() string {
	return l.dir
}

// RunID returns the id of the run the ledger belongs to.
func (l *Ledger) RunID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.RunID
}

// Interrupted returns how many units were found InFlight on load.
func (l *Ledger) Interrupted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interrupted
}

// Attach sets the enumeration the ledger reports on and adds a Pending entry
// for every unit it has not seen. Entries of units outside the enumeration are
// kept on disk but not counted.
func (l *Ledger) Attach(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.order = append(l.order[:0], ids...)
	l.index = make(map[string]int, len(ids))
	for i, id := range ids {
		l.index[id] = i
		if _, ok := l.st.Units[id]; !ok {
			l.st.Units[id] = &Entry{State: Pending}
		}
	}
}

// Order returns the attached enumeration.
func (l *Ledger) Order() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

// Known returns the ids of every unit recorded on disk, attached or not, in
// sorted order. Tools that cannot enumerate the source attach these.
func (l *Ledger) Known() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.st.Units))
	for id := range l.st.Units {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Entry returns a copy of the entry for id.
func (l *Ledger) Entry(id string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.st.Units[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// IDs returns the ids of attached units in state s, in enumeration order.
func (l *Ledger) IDs(s State) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for _, id := range l.order {
		if l.st.Units[id].State == s {
			ids = append(ids, id)
		}
	}
	return ids
}

// Counts returns the number of attached units in each state.
func (l *Ledger) Counts() Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts()
}

func (l *Ledger) counts() Counts {
	c := Counts{Total: len(l.order)}
	for _, id := range l.order {
		switch l.st.Units[id].State {
		case Pending:
			c.Pending++
		case InFlight:
			c.InFlight++
		case Done:
			c.Done++
		case Failed:
			c.Failed++
		}
	}
	return c
}

// Retries returns the total retries consumed across runs.
func (l *Ledger) Retries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.Retries
}

// move changes the state of id. When from is given, the current state must
// be one of them as well as a legal predecessor of to.
func (l *Ledger) move(id string, to State, from ...State) (*Entry, error) {
	e, ok := l.st.Units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	if !CanTransition(e.State, to) || (len(from) > 0 && !slices.Contains(from, e.State)) {
		return nil, &TransitionError{UnitID: id, From: e.State, To: to}
	}
	e.State = to
	l.st.UpdatedAt = l.now().UTC()
	return e, nil
}

// MarkInFlight moves a Pending unit to InFlight. A unit that is already
// InFlight is rejected, which keeps at most one attempt per unit running.
func (l *Ledger) MarkInFlight(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.move(id, InFlight)
	return err
}

// Complete records a successful attempt.
func (l *Ledger) Complete(id string, sum fetch.Summary) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.move(id, Done)
	if err != nil {
		return err
	}
	now := l.now().UTC()
	e.Attempts++
	e.CompletedAt = &now
	e.Summary = &sum
	e.MergedAt = nil
	e.LastError = ""
	e.ErrorKind = ""
	return nil
}

// Retry records a transient failure that will be retried: the unit returns to
// Pending with its attempt counted.
func (l *Ledger) Retry(id string, f *fetch.Failure) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.move(id, Pending, InFlight)
	if err != nil {
		return err
	}
	e.Attempts++
	l.st.Retries++
	setFailure(e, f)
	return nil
}

// Fail records a permanent or exhausted failure.
func (l *Ledger) Fail(id string, f *fetch.Failure) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.move(id, Failed)
	if err != nil {
		return err
	}
	e.Attempts++
	setFailure(e, f)
	return nil
}

func setFailure(e *Entry, f *fetch.Failure) {
	if f == nil {
		return
	}
	e.LastError = f.Message
	e.ErrorKind = f.Kind
}

// Reopen returns a Done unit to Pending, e.g. because its cache entry went
// bad after completion. Its attempt history is kept.
func (l *Ledger) Reopen(id, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.move(id, Pending, Done)
	if err != nil {
		return err
	}
	e.CompletedAt = nil
	e.Summary = nil
	e.MergedAt = nil
	e.LastError = reason
	e.ErrorKind = fetch.KindCorruptedCache
	return nil
}

// Reset returns a unit to a fresh Pending entry regardless of its state.
func (l *Ledger) Reset(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.st.Units[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	l.st.Units[id] = &Entry{State: Pending}
	l.st.UpdatedAt = l.now().UTC()
	return nil
}

// ResetFailed gives every Failed unit a fresh retry budget and returns how
// many were reset.
func (l *Ledger) ResetFailed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.st.Units {
		if e.State == Failed {
			*e = Entry{State: Pending}
			n++
		}
	}
	if n > 0 {
		l.st.UpdatedAt = l.now().UTC()
	}
	return n
}

// Failures returns the failed attached units keyed by id.
func (l *Ledger) Failures() map[string]FailedUnit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures()
}

func (l *Ledger) failures() map[string]FailedUnit {
	out := make(map[string]FailedUnit)
	for _, id := range l.order {
		e := l.st.Units[id]
		if e.State == Failed {
			out[id] = FailedUnit{Error: e.LastError, ErrorType: string(e.ErrorKind), Attempts: e.Attempts}
		}
	}
	return out
}

// FailuresByKind groups failed attached unit ids by error kind. Ids are in
// enumeration order.
func (l *Ledger) FailuresByKind() map[fetch.Kind][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[fetch.Kind][]string)
	for _, id := range l.order {
		e := l.st.Units[id]
		if e.State == Failed {
			out[e.ErrorKind] = append(out[e.ErrorKind], id)
		}
	}
	return out
}

// Cursor returns the id of the last unit handed to the result consumer, or
// "" if nothing was merged since the last ResetMerged.
func (l *Ledger) Cursor() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.MergeCursor
}

// Merged reports whether the result of id was handed to the consumer.
func (l *Ledger) Merged(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.st.Units[id]
	return ok && e.MergedAt != nil
}

// MarkMerged records that the result of the Done unit id was handed to the
// consumer, moves the cursor to it and saves.
func (l *Ledger) MarkMerged(id string) error {
	l.mu.Lock()
	e, ok := l.st.Units[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	if e.State != Done {
		l.mu.Unlock()
		return fmt.Errorf("ledger: merge %s: unit is %s, not done", id, e.State)
	}
	now := l.now().UTC()
	e.MergedAt = &now
	l.st.MergeCursor = id
	l.st.UpdatedAt = now
	l.mu.Unlock()
	return l.Save()
}

// ResetMerged clears every merge mark and the cursor and saves, so that the
// next merge starts over.
func (l *Ledger) ResetMerged() error {
	l.mu.Lock()
	for _, e := range l.st.Units {
		e.MergedAt = nil
	}
	l.st.MergeCursor = ""
	l.st.UpdatedAt = l.now().UTC()
	l.mu.Unlock()
	return l.Save()
}

// Snapshot is a consistent copy of the ledger for read-only consumers.
type Snapshot struct {
	RunID       string                `json:"run_id"`
	StartedAt   time.Time             `json:"started_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	Counts      Counts                `json:"counts"`
	Retries     int                   `json:"retries"`
	MergeCursor string                `json:"merge_cursor,omitempty"`
	Failed      map[string]FailedUnit `json:"failed"`
}

// Snapshot returns a consistent copy of the ledger summary.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		RunID:       l.st.RunID,
		StartedAt:   l.st.StartedAt,
		UpdatedAt:   l.st.UpdatedAt,
		Counts:      l.counts(),
		Retries:     l.st.Retries,
		MergeCursor: l.st.MergeCursor,
		Failed:      l.failures(),
	}
}

// Save writes ledger.json, progress.json and failed.json, each by atomic
// replace. ledger.json is written last: it is the source of truth, the other
// two are derived views.
func (l *Ledger) Save() error {
	l.mu.Lock()
	data, err := json.MarshalIndent(l.st, "", "  ")
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("ledger: marshal: %w", err)
	}
	completed := make([]string, 0)
	for _, id := range l.order {
		if l.st.Units[id].State == Done {
			completed = append(completed, id)
		}
	}
	prog := progressFile{
		RunID:          l.st.RunID,
		Completed:      completed,
		TotalCompleted: len(completed),
		UpdatedAt:      l.st.UpdatedAt,
		Stats:          l.counts(),
		Retries:        l.st.Retries,
	}
	failed := l.failures()
	l.mu.Unlock()

	if err := writeJSON(filepath.Join(l.dir, ProgressFile), prog); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if err := writeJSON(filepath.Join(l.dir, FailedFile), failed); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if err := writeFile(filepath.Join(l.dir, LedgerFile), append(data, '\n')); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}
