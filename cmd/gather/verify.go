package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"

	"github.com/ligustah/gather/internal/codec"
	"github.com/ligustah/gather/internal/fetch"
	"github.com/ligustah/gather/internal/ledger"
	"github.com/ligustah/gather/internal/source"
	"github.com/ligustah/gather/pkg/unitcache"
)

// runVerify checks that every completed unit still has a usable cache entry.
// By default only entry metadata is read; -deep reads and decodes payloads.
func runVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	common := bindCommon(fs)
	deep := fs.Bool("deep", false, "Read every payload and check checksum and format")
	reopen := fs.Bool("reopen", false, "Invalidate bad entries and return their units to pending")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: gather verify [options]

Check the cache entries of completed units. Use -reopen to have the next run
fetch units whose entries are missing or corrupt.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := common.load(nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	cache, code := openCache(ctx, cfg)
	if code != ExitSuccess {
		return code
	}
	defer cache.Close()

	l, code := openLedger(cfg, false)
	if code != ExitSuccess {
		return code
	}

	units, _, code := enumerate(ctx, cfg, newHTTPClient(cfg, 1))
	if code != ExitSuccess {
		return code
	}
	l.Attach(unitIDs(units))

	var done []source.Unit
	var refs []unitcache.Ref
	for _, u := range units {
		if e, ok := l.Entry(u.ID); ok && e.State == ledger.Done {
			done = append(done, u)
			refs = append(refs, fetch.Ref(u))
		}
	}

	result, err := cache.Audit(ctx, refs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	bad := result.Invalid

	if *deep {
		c := codec.Links{MinScore: cfg.MinScore}
		for _, u := range done {
			if slices.Contains(bad, u.ID) {
				continue
			}
			err := readEntry(ctx, cache, c, u)
			if err == nil {
				continue
			}
			if !errors.Is(err, unitcache.ErrInvalid) && !errors.Is(err, codec.ErrCorrupt) && !errors.Is(err, unitcache.ErrMiss) {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return ExitStorageError
			}
			bad = append(bad, u.ID)
			result.Errors = append(result.Errors, fmt.Sprintf("unit %s: %v", u.ID, err))
		}
	}

	fmt.Fprintf(stdout, "Cache: %s\n", cfg.Cache)
	fmt.Fprintf(stdout, "Units checked: %d\n", result.Checked)
	if len(bad) == 0 {
		fmt.Fprintln(stdout, "Status: VALID")
		return ExitSuccess
	}

	fmt.Fprintln(stdout, "Status: INVALID")
	fmt.Fprintf(stdout, "Missing entries: %d\n", result.Missing)
	fmt.Fprintf(stdout, "Incomplete entries: %d\n", result.Incomplete)
	fmt.Fprintf(stdout, "Size mismatches: %d\n", result.SizeMismatches)
	if *deep {
		fmt.Fprintf(stdout, "Corrupt payloads: %d\n", len(bad)-len(result.Invalid))
	}
	if len(result.Errors) > 0 {
		fmt.Fprintln(stdout, "\nErrors:")
		for _, e := range result.Errors {
			fmt.Fprintf(stdout, "  - %s\n", e)
		}
	}

	if !*reopen {
		return ExitValidationFailed
	}

	for _, u := range done {
		if !slices.Contains(bad, u.ID) {
			continue
		}
		if err := cache.Invalidate(ctx, fetch.Ref(u)); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitStorageError
		}
		if err := l.Reopen(u.ID, "cache entry failed verification"); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitLedgerError
		}
	}
	if err := l.Save(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitLedgerError
	}
	fmt.Fprintf(stderr, "[gather] Reopened %d units; run again to fetch them\n", len(bad))
	return ExitSuccess
}

// readEntry reads the cache entry of u in full, which verifies its checksum,
// and decodes it.
func readEntry(ctx context.Context, cache *unitcache.Store, c codec.Codec, u source.Unit) error {
	r, err := cache.Open(ctx, fetch.Ref(u))
	if err != nil {
		return err
	}
	defer r.Close()
	if _, err := c.Summarize(r); err != nil {
		return err
	}
	_, err = io.Copy(io.Discard, r)
	return err
}
