// Package source enumerates the work units of a run.
//
// A unit is one organism's dataset on the remote source, identified by its
// NCBI taxonomy id. Enumeration is deterministic: the same input always yields
// the same units in the same order. The order drives reassembly output; fetch
// scheduling does not depend on it.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// DefaultIDPattern matches NCBI taxonomy ids.
const DefaultIDPattern = `^[0-9]+$`

// ErrInvalidID is returned by Validate for ids the remote cannot serve.
var ErrInvalidID = errors.New("source: malformed unit id")

// Unit is one item of fetch work. Units are immutable once enumerated.
type Unit struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	URL      string `json:"url"`
}

// Opener fetches a remote species list. *http.Client satisfies it.
type Opener interface {
	Get(ctx context.Context, url string) (io.ReadCloser, error)
}

// Options configures a Source.
type Options struct {
	// IDs is an explicit list of unit ids. When set, SpeciesList is ignored.
	IDs []string

	// SpeciesList is a path or http(s) URL of a STRING species file.
	SpeciesList string

	// Opener fetches SpeciesList when it is a URL.
	Opener Opener

	// Endpoint names the remote dataset (e.g. "protein.links.detailed.v12.0").
	Endpoint string

	// URLTemplate resolves a unit's download URL. "{id}" and "{endpoint}"
	// are substituted.
	URLTemplate string

	// Restrict, when non-empty, keeps only these ids.
	Restrict []string

	// Exclude drops units for which it returns true.
	Exclude func(id string) bool

	// IDPattern validates ids. Default: DefaultIDPattern.
	IDPattern string
}

// Source enumerates units.
type Source struct {
	opts    Options
	pattern *regexp.Regexp
}

// New creates a Source.
func New(opts Options) (*Source, error) {
	if len(opts.IDs) == 0 && opts.SpeciesList == "" {
		return nil, errors.New("source: either ids or a species list is required")
	}
	if opts.URLTemplate == "" {
		return nil, errors.New("source: url template is required")
	}
	if opts.IDPattern == "" {
		opts.IDPattern = DefaultIDPattern
	}
	re, err := regexp.Compile(opts.IDPattern)
	if err != nil {
		return nil, fmt.Errorf("source: compile id pattern: %w", err)
	}
	return &Source{opts: opts, pattern: re}, nil
}

// Enumerate returns the units in a stable order with duplicates removed.
func (s *Source) Enumerate(ctx context.Context) ([]Unit, error) {
	ids := s.opts.IDs
	if len(ids) == 0 {
		var err error
		ids, err = s.readSpeciesList(ctx)
		if err != nil {
			return nil, err
		}
	}

	var keep map[string]bool
	if len(s.opts.Restrict) > 0 {
		keep = make(map[string]bool, len(s.opts.Restrict))
		for _, id := range s.opts.Restrict {
			keep[strings.TrimSpace(id)] = true
		}
	}

	seen := make(map[string]bool, len(ids))
	units := make([]Unit, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if keep != nil && !keep[id] {
			continue
		}
		if s.opts.Exclude != nil && s.opts.Exclude(id) {
			continue
		}
		units = append(units, s.unit(id))
	}
	return units, nil
}

// Validate reports whether the unit id is well formed.
func (s *Source) Validate(u Unit) error {
	return ValidateID(s.pattern, u.ID)
}

// ValidateID checks id against re.
func ValidateID(re *regexp.Regexp, id string) error {
	if !re.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Pattern returns the compiled id pattern.
func (s *Source) Pattern() *regexp.Regexp {
	return s.pattern
}

func (s *Source) unit(id string) Unit {
	url := strings.ReplaceAll(s.opts.URLTemplate, "{id}", id)
	url = strings.ReplaceAll(url, "{endpoint}", s.opts.Endpoint)
	return Unit{ID: id, Endpoint: s.opts.Endpoint, URL: url}
}

func (s *Source) readSpeciesList(ctx context.Context) ([]string, error) {
	var rc io.ReadCloser
	if strings.HasPrefix(s.opts.SpeciesList, "http://") || strings.HasPrefix(s.opts.SpeciesList, "https://") {
		if s.opts.Opener == nil {
			return nil, errors.New("source: species list is a URL but no opener is configured")
		}
		var err error
		rc, err = s.opts.Opener.Get(ctx, s.opts.SpeciesList)
		if err != nil {
			return nil, fmt.Errorf("source: fetch species list: %w", err)
		}
	} else {
		f, err := os.Open(s.opts.SpeciesList)
		if err != nil {
			return nil, fmt.Errorf("source: open species list: %w", err)
		}
		rc = f
	}
	defer rc.Close()

	return ParseSpeciesList(rc)
}

// ParseSpeciesList reads taxonomy ids from the first column of a tab
// separated STRING species file. Lines starting with '#' are skipped.
func ParseSpeciesList(r io.Reader) ([]string, error) {
	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, _, _ := strings.Cut(line, "\t")
		ids = append(ids, strings.TrimSpace(id))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("source: read species list: %w", err)
	}
	return ids, nil
}

// ExcludeSet returns an Exclude predicate matching the given ids.
func ExcludeSet(ids []string) func(string) bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[strings.TrimSpace(id)] = true
	}
	return func(id string) bool { return set[id] }
}
