package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ligustah/gather/internal/backoff"
	"github.com/ligustah/gather/internal/config"
	gatherhttp "github.com/ligustah/gather/internal/http"
	"github.com/ligustah/gather/internal/ledger"
	"github.com/ligustah/gather/internal/logger"
	"github.com/ligustah/gather/internal/source"
	"github.com/ligustah/gather/pkg/unitcache"
)

// commonFlags are shared by every command.
type commonFlags struct {
	configPath  string
	envFile     string
	cacheDir    string
	ledgerDir   string
	units       string
	speciesList string
	endpoint    string
	urlTemplate string
	restrict    string
	exclude     string
	logMode     string
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	f := &commonFlags{}
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.envFile, "env-file", ".env", "Environment file (ignored when missing)")
	fs.StringVar(&f.cacheDir, "cache-dir", "", "Cache directory or bucket URL")
	fs.StringVar(&f.ledgerDir, "ledger", "", "Directory holding ledger.json, progress.json and failed.json")
	fs.StringVar(&f.units, "units", "", "Comma separated unit ids (overrides the species list)")
	fs.StringVar(&f.speciesList, "species-list", "", "Species list file or URL")
	fs.StringVar(&f.endpoint, "endpoint", "", "Data endpoint, e.g. protein.links.detailed.v12.0")
	fs.StringVar(&f.urlTemplate, "url-template", "", "Download URL template with {id} and {endpoint}")
	fs.StringVar(&f.restrict, "restrict", "", "Comma separated unit ids; process only these of the enumeration")
	fs.StringVar(&f.exclude, "exclude", "", "Comma separated unit ids to skip")
	fs.StringVar(&f.logMode, "log-mode", "", "Log mode: dev or prod")
	return f
}

// load merges defaults, the config file, the environment and flags, then
// applies extra on top and validates the result.
func (f *commonFlags) load(extra func(*config.Config)) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(f.configPath)
		if err != nil {
			return config.Config{}, err
		}
	}
	if err := config.LoadEnvFile(f.envFile); err != nil {
		return config.Config{}, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	cfg = cfg.Merge(config.Config{
		Cache:   f.cacheDir,
		Ledger:  f.ledgerDir,
		LogMode: f.logMode,
		Source: config.SourceConfig{
			Units:       config.SplitList(f.units),
			SpeciesList: f.speciesList,
			Endpoint:    f.endpoint,
			URLTemplate: f.urlTemplate,
			Restrict:    config.SplitList(f.restrict),
			Exclude:     config.SplitList(f.exclude),
		},
	})
	if extra != nil {
		extra(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(stderr, "\n[gather] Received interrupt, finishing in-flight units...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logger.New(cfg.LogMode)
}

func newHTTPClient(cfg config.Config, workers int) *gatherhttp.Client {
	opts := gatherhttp.DefaultOptions()
	opts.ConnectTimeout = cfg.ConnectTimeout
	if workers*2 > opts.MaxIdleConnsPerHost {
		opts.MaxIdleConnsPerHost = workers * 2
	}
	return gatherhttp.NewClient(opts)
}

func newSource(cfg config.Config, client *gatherhttp.Client) (*source.Source, error) {
	opts := source.Options{
		Endpoint:    cfg.Source.Endpoint,
		URLTemplate: cfg.Source.URLTemplate,
		Restrict:    cfg.Source.Restrict,
		Exclude:     source.ExcludeSet(cfg.Source.Exclude),
		IDPattern:   cfg.Source.IDPattern,
		Opener:      client,
	}
	if len(cfg.Source.Units) > 0 {
		opts.IDs = cfg.Source.Units
	} else {
		opts.SpeciesList = cfg.Source.SpeciesList
	}
	return source.New(opts)
}

// enumerate resolves the units of cfg. Errors are reported and mapped to an
// exit code.
func enumerate(ctx context.Context, cfg config.Config, client *gatherhttp.Client) ([]source.Unit, *source.Source, int) {
	src, err := newSource(cfg, client)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, ExitInvalidArgs
	}
	units, err := src.Enumerate(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error accessing unit source: %v\n", err)
		return nil, nil, ExitSourceNotAccess
	}
	if len(units) == 0 {
		fmt.Fprintln(stderr, "Error: no units to process")
		return nil, nil, ExitInvalidArgs
	}
	return units, src, ExitSuccess
}

func openCache(ctx context.Context, cfg config.Config) (*unitcache.Store, int) {
	cache, err := unitcache.Open(ctx, cfg.Cache)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening cache: %v\n", err)
		return nil, ExitStorageError
	}
	return cache, ExitSuccess
}

// openLedger opens the ledger, archiving existing artifacts first when fresh
// is set.
func openLedger(cfg config.Config, fresh bool) (*ledger.Ledger, int) {
	if fresh {
		moved, err := ledger.Archive(cfg.Ledger, time.Now())
		if err != nil {
			fmt.Fprintf(stderr, "Error archiving ledger: %v\n", err)
			return nil, ExitLedgerError
		}
		for _, path := range moved {
			fmt.Fprintf(stderr, "[gather] Archived %s\n", path)
		}
	}
	l, err := ledger.Open(cfg.Ledger)
	if err != nil {
		if errors.Is(err, ledger.ErrCorrupt) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			fmt.Fprintln(stderr, "Use -no-resume to archive it and start over")
		} else {
			fmt.Fprintf(stderr, "Error opening ledger: %v\n", err)
		}
		return nil, ExitLedgerError
	}
	return l, ExitSuccess
}

func retryPolicy(cfg config.Config) backoff.Policy {
	return backoff.Policy{Base: cfg.Retry.Backoff, Max: cfg.Retry.MaxBackoff}
}

func unitIDs(units []source.Unit) []string {
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	return ids
}
