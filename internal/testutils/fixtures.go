// Package testutils provides test fixtures shared across packages, and
// with the integration tag, a fake STRING server and MinIO containers.
package testutils

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ligustah/gather/internal/fetch"
	"github.com/ligustah/gather/internal/source"
)

// LinksHeader is the header line of a STRING protein.links.detailed file.
const LinksHeader = "protein1 protein2 neighborhood fusion cooccurence coexpression experimental database textmining combined_score"

// Gzip compresses text.
func Gzip(text string) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(text))
	zw.Close()
	return buf.Bytes()
}

// LinksPayload returns a gzipped links file for unit id with the given number
// of records. Even records score 900 and odd records 400, so a high
// confidence filter keeps (records+1)/2 of them.
func LinksPayload(id string, records int) []byte {
	var sb strings.Builder
	sb.WriteString(LinksHeader)
	sb.WriteByte('\n')
	for i := 0; i < records; i++ {
		score := 900
		if i%2 == 1 {
			score = 400
		}
		fmt.Fprintf(&sb, "%s.P%04d %s.P%04d 0 0 0 0 %d 0 0 %d\n", id, i, id, i+1, score, score)
	}
	return Gzip(sb.String())
}

// Units returns units with the given ids and URLs of the form mem://{id}.
func Units(ids ...string) []source.Unit {
	units := make([]source.Unit, len(ids))
	for i, id := range ids {
		units[i] = source.Unit{ID: id, Endpoint: "protein.links.detailed.v12.0", URL: "mem://" + id}
	}
	return units
}

// FakeRemote is an in-memory fetch.Remote that counts calls, can be scripted
// to fail, and records concurrency.
type FakeRemote struct {
	// Delay is slept (ignoring cancellation) before each Open returns.
	Delay time.Duration

	mu          sync.Mutex
	delays      map[string]time.Duration
	payloads    map[string][]byte
	failures    map[string][]error
	calls       map[string]int
	unitActive  map[string]int
	active      int
	maxActive   int
	overlapping []string
}

var _ fetch.Remote = (*FakeRemote)(nil)

// NewFakeRemote creates an empty FakeRemote.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		delays:     make(map[string]time.Duration),
		payloads:   make(map[string][]byte),
		failures:   make(map[string][]error),
		calls:      make(map[string]int),
		unitActive: make(map[string]int),
	}
}

// Add serves data for unit id.
func (r *FakeRemote) Add(id string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads[id] = data
}

// SetDelay overrides Delay for unit id.
func (r *FakeRemote) SetDelay(id string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays[id] = d
}

// FailNext makes the next len(errs) opens of unit id return errs in order.
func (r *FakeRemote) FailNext(id string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[id] = append(r.failures[id], errs...)
}

// Open implements fetch.Remote.
func (r *FakeRemote) Open(ctx context.Context, u source.Unit) (*fetch.Payload, error) {
	r.mu.Lock()
	r.calls[u.ID]++
	r.unitActive[u.ID]++
	if r.unitActive[u.ID] > 1 {
		r.overlapping = append(r.overlapping, u.ID)
	}
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	delay, ok := r.delays[u.ID]
	if !ok {
		delay = r.Delay
	}
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if errs := r.failures[u.ID]; len(errs) > 0 {
		r.failures[u.ID] = errs[1:]
		r.release(u.ID)
		return nil, errs[0]
	}
	data, ok := r.payloads[u.ID]
	if !ok {
		r.release(u.ID)
		return nil, fmt.Errorf("fake remote: no payload for %s", u.ID)
	}
	return &fetch.Payload{
		Body: &trackedBody{Reader: bytes.NewReader(data), done: func() { r.mu.Lock(); r.release(u.ID); r.mu.Unlock() }},
		Size: int64(len(data)),
		ETag: fmt.Sprintf("etag-%s", u.ID),
	}, nil
}

// release must be called with r.mu held.
func (r *FakeRemote) release(id string) {
	r.unitActive[id]--
	r.active--
}

// Calls returns how often unit id was opened.
func (r *FakeRemote) Calls(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

// TotalCalls returns the number of opens across all units.
func (r *FakeRemote) TotalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.calls {
		total += n
	}
	return total
}

// MaxActive returns the highest number of concurrently open payloads.
func (r *FakeRemote) MaxActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxActive
}

// Overlapping returns the ids of units that were ever open twice at once.
func (r *FakeRemote) Overlapping() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.overlapping...)
}

type trackedBody struct {
	io.Reader
	once sync.Once
	done func()
}

func (b *trackedBody) Close() error {
	b.once.Do(b.done)
	return nil
}
