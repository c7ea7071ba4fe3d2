package codec

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrCorrupt is returned when a payload fails structural validation.
var ErrCorrupt = errors.New("codec: corrupt payload")

// HighConfidence is STRING's high-confidence combined score threshold.
const HighConfidence = 700

// Summary is the compact per-unit result returned by the fetch phase.
type Summary struct {
	Scanned int   `json:"scanned"` // records read
	Records int   `json:"records"` // records passing the filter
	Bytes   int64 `json:"bytes"`   // compressed payload size
}

// Interaction is one expanded record.
type Interaction struct {
	ProteinA      string
	ProteinB      string
	CombinedScore int
	Evidence      map[string]int // per-channel scores, keyed by header name
}

// Codec validates and interprets one unit's payload.
type Codec interface {
	// Summarize streams r to the end, validating it, and counts records.
	Summarize(r io.Reader) (Summary, error)
	// Expand streams r and calls emit for every record passing the filter.
	Expand(r io.Reader, emit func(Interaction) error) error
}

// Links is the codec for STRING protein.links(.detailed) files.
type Links struct {
	// MinScore is the minimum combined score kept. Zero keeps everything.
	MinScore int
}

var _ Codec = Links{}

// Summarize implements Codec.
func (c Links) Summarize(r io.Reader) (Summary, error) {
	cr := &countingReader{r: r}
	var s Summary
	err := c.scan(cr, func(_ []string, _ []string, score int) error {
		s.Scanned++
		if score >= c.MinScore {
			s.Records++
		}
		return nil
	})
	s.Bytes = cr.n
	return s, err
}

// Expand implements Codec.
func (c Links) Expand(r io.Reader, emit func(Interaction) error) error {
	return c.scan(r, func(header, fields []string, score int) error {
		if score < c.MinScore {
			return nil
		}
		ev := make(map[string]int, len(fields)-3)
		for i := 2; i < len(fields)-1; i++ {
			v, err := strconv.Atoi(fields[i])
			if err != nil {
				return fmt.Errorf("%w: field %s: %v", ErrCorrupt, header[i], err)
			}
			if v != 0 {
				ev[header[i]] = v
			}
		}
		return emit(Interaction{
			ProteinA:      fields[0],
			ProteinB:      fields[1],
			CombinedScore: score,
			Evidence:      ev,
		})
	})
}

// scan decompresses r and invokes fn for every data line. Errors from fn are
// returned unchanged; everything else that goes wrong is ErrCorrupt.
func (c Links) scan(r io.Reader, fn func(header, fields []string, score int) error) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	// A read error mid-line surfaces as a truncated final token; report the
	// read error instead of the malformed line.
	corrupt := func(format string, args ...any) error {
		if err := sc.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		return fmt.Errorf("%w: "+format, append([]any{ErrCorrupt}, args...)...)
	}

	var header []string
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if header == nil {
			if len(fields) < 3 || fields[len(fields)-1] != "combined_score" {
				return corrupt("unexpected header %q", text)
			}
			header = fields
			continue
		}
		if len(fields) != len(header) {
			return corrupt("line %d: %d fields, header has %d", line, len(fields), len(header))
		}
		score, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			return corrupt("line %d: combined_score: %v", line, err)
		}
		if err := fn(header, fields, score); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if header == nil {
		return fmt.Errorf("%w: missing header", ErrCorrupt)
	}
	return nil
}

// countingReader counts bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
