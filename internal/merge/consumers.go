package merge

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"sync"

	"github.com/ligustah/gather/internal/reassembly"
)

// Result is the merged result set, in source order.
type Result struct {
	Units []reassembly.UnitResult
}

// Interactions returns the total number of interactions.
func (r *Result) Interactions() int {
	n := 0
	for _, u := range r.Units {
		n += len(u.Interactions)
	}
	return n
}

// Collector keeps every result in memory. Use it for small runs and tests.
type Collector struct {
	mu     sync.Mutex
	result Result
}

// Consume implements Consumer.
func (c *Collector) Consume(_ context.Context, res *reassembly.UnitResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Units = append(c.result.Units, *res)
	return nil
}

// Result returns the collected results.
func (c *Collector) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Result{Units: append([]reassembly.UnitResult(nil), c.result.Units...)}
}

// TSVHeader is the first line written by a TSVWriter.
var TSVHeader = []string{"unit", "protein_a", "protein_b", "combined_score"}

// TSVWriter writes an edge list, one interaction per line. Output is flushed
// after every unit so that a committed unit is always on disk in full.
type TSVWriter struct {
	bw *bufio.Writer
	w  *csv.Writer
}

// NewTSVWriter creates a TSVWriter. When header is true the column names are
// written first.
func NewTSVWriter(out io.Writer, header bool) (*TSVWriter, error) {
	bw := bufio.NewWriterSize(out, 256*1024)
	w := csv.NewWriter(bw)
	w.Comma = '\t'
	t := &TSVWriter{bw: bw, w: w}
	if header {
		if err := w.Write(TSVHeader); err != nil {
			return nil, err
		}
		if err := t.flush(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Consume implements Consumer.
func (t *TSVWriter) Consume(_ context.Context, res *reassembly.UnitResult) error {
	for _, i := range res.Interactions {
		if err := t.w.Write([]string{res.Unit.ID, i.ProteinA, i.ProteinB, strconv.Itoa(i.CombinedScore)}); err != nil {
			return err
		}
	}
	return t.flush()
}

func (t *TSVWriter) flush() error {
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		return err
	}
	return t.bw.Flush()
}
