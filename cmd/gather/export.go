package main

import (
	"context"
	"flag"
	"fmt"

	"go.uber.org/zap"

	"github.com/ligustah/gather/internal/codec"
	"github.com/ligustah/gather/internal/config"
	"github.com/ligustah/gather/internal/ledger"
	"github.com/ligustah/gather/internal/merge"
	"github.com/ligustah/gather/internal/reassembly"
	"github.com/ligustah/gather/internal/source"
	"github.com/ligustah/gather/pkg/unitcache"
)

// runExport merges cached results of completed units, in source order, into
// a tab separated edge list. Nothing is fetched.
func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	common := bindCommon(fs)

	output := fs.String("output", "-", "Output file path ('-' for stdout)")
	resume := fs.Bool("resume", false, "Append to output after the last merged unit instead of starting over")
	minScore := fs.Int("min-score", 0, "Minimum combined score of exported interactions")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: gather export [options]

Merge the cached results of completed units into a tab separated edge list,
in source order regardless of the order units were fetched in.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := common.load(func(c *config.Config) {
		if *minScore > 0 {
			c.MinScore = *minScore
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

	report, err := exportResults(ctx, l, units, cache, cfg, *output, *resume, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		printReport(report)
		return ExitStorageError
	}

	printReport(report)
	return reportExit(ctx, report, cfg)
}

// exportResults streams the results of Done units into output. With resume
// the merge appends the Done units not merged yet.
func exportResults(ctx context.Context, l *ledger.Ledger, units []source.Unit, cache *unitcache.Store,
	cfg config.Config, output string, resume bool, log *zap.Logger) (merge.Report, error) {
	header := !resume || l.Cursor() == ""

	w, closeOutput, err := openOutput(output, resume)
	if err != nil {
		return merge.NewReport(l, false, err), err
	}

	stream, err := reassembly.Open(l, units, reassembly.Options{
		Cache:     cache,
		Codec:     codec.Links{MinScore: cfg.MinScore},
		FromStart: !resume,
		Logger:    log,
	})
	if err != nil {
		closeOutput()
		return merge.NewReport(l, false, err), err
	}

	tsv, err := merge.NewTSVWriter(w, header)
	if err != nil {
		closeOutput()
		return merge.NewReport(l, false, err), err
	}

	report, err := merge.Run(ctx, stream, tsv)
	if cerr := closeOutput(); cerr != nil && err == nil {
		err = fmt.Errorf("close output: %w", cerr)
	}
	if err == nil && output != "-" {
		fmt.Fprintf(stderr, "[gather] Results written to %s\n", output)
	}
	return report, err
}
