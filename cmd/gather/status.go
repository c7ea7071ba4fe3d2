package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ligustah/gather/internal/ledger"
	"github.com/ligustah/gather/internal/merge"
)

// runStatus prints the state recorded in the ledger without touching the
// source or the cache.
func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	common := bindCommon(fs)
	asJSON := fs.Bool("json", false, "Print the ledger snapshot as JSON")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: gather status [options]

Show ledger counts and failed units grouped by error kind.

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

	if _, err := os.Stat(filepath.Join(cfg.Ledger, ledger.LedgerFile)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "Error: no ledger in %s\n", cfg.Ledger)
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return ExitLedgerError
	}

	l, code := openLedger(cfg, false)
	if code != ExitSuccess {
		return code
	}
	l.Attach(l.Known())
	snap := l.Snapshot()

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		return ExitSuccess
	}

	c := snap.Counts
	fmt.Fprintf(stdout, "Run: %s\n", snap.RunID)
	fmt.Fprintf(stdout, "Started: %s | Updated: %s\n", snap.StartedAt.Format(time.RFC3339), snap.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "Units: %d total | %d done | %d failed | %d pending\n", c.Total, c.Done, c.Failed, c.Remaining())
	fmt.Fprintf(stdout, "Retries: %d\n", snap.Retries)
	if snap.MergeCursor != "" {
		fmt.Fprintf(stdout, "Merged through: %s\n", snap.MergeCursor)
	}
	if c.Failed > 0 {
		report := merge.NewReport(l, false, nil)
		fmt.Fprintf(stdout, "Failed by error kind:\n%s", report.KindSummary())
	}
	return ExitSuccess
}
