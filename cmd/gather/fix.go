package main

import (
	"flag"
	"fmt"

	"github.com/ligustah/gather/internal/fetch"
	"github.com/ligustah/gather/internal/ledger"
	"github.com/ligustah/gather/pkg/unitcache"
)

// runFix invalidates the cache entries of units and resets their ledger
// entries, so the next run fetches them from scratch.
func runFix(args []string) int {
	fs := flag.NewFlagSet("fix", flag.ExitOnError)
	common := bindCommon(fs)
	failed := fs.Bool("failed", false, "Fix every failed unit")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: gather fix [options]

Invalidate the cache entries of the given units (-units) or of every failed
unit (-failed), and reset their ledger entries to pending.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if common.units == "" && !*failed {
		fmt.Fprintln(stderr, "Error: -units or -failed is required")
		fs.Usage()
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

	var refs []unitcache.Ref
	for _, u := range units {
		if *failed {
			if e, ok := l.Entry(u.ID); !ok || e.State != ledger.Failed {
				continue
			}
		}
		refs = append(refs, fetch.Ref(u))
	}
	if len(refs) == 0 {
		fmt.Fprintln(stderr, "[gather] Nothing to fix")
		return ExitSuccess
	}

	purged, err := cache.Purge(ctx, refs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	for _, ref := range refs {
		if err := l.Reset(ref.ID); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitLedgerError
		}
	}
	if err := l.Save(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitLedgerError
	}

	fmt.Fprintf(stdout, "Reset %d units, removed %d cache entries\n", len(refs), purged)
	return ExitSuccess
}
