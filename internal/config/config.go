package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ligustah/gather/internal/logger"
	"github.com/ligustah/gather/internal/progress"
	"github.com/ligustah/gather/internal/source"
)

// Defaults for the STRING download service.
const (
	DefaultEndpoint    = "protein.links.detailed.v12.0"
	DefaultURLTemplate = "https://stringdb-downloads.org/download/{endpoint}/{id}.{endpoint}.txt.gz"
	DefaultSpeciesList = "https://stringdb-downloads.org/download/species.v12.0.txt"
)

// Config defines configuration for the gather CLI.
type Config struct {
	Workers             int           `yaml:"workers"`
	MemoryPerWorker     int64         `yaml:"memory_per_worker"`
	MaxRetries          int           `yaml:"max_retries"`
	RateLimitMaxRetries int           `yaml:"rate_limit_max_retries"`
	Retry               RetryConfig   `yaml:"retry"`
	UnitTimeout         time.Duration `yaml:"unit_timeout"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	RateLimit           float64       `yaml:"rate_limit"`
	Cache               string        `yaml:"cache"`
	Ledger              string        `yaml:"ledger"`
	NoResume            bool          `yaml:"-"`
	RetryFailed         bool          `yaml:"retry_failed"`
	StateInterval       int           `yaml:"state_interval"`
	Source              SourceConfig  `yaml:"source"`
	MinScore            int           `yaml:"min_score"`
	FailureTolerance    float64       `yaml:"failure_tolerance"`
	LogMode             string        `yaml:"log_mode"`
	StatusAddr          string        `yaml:"status_addr"`
	Progress            bool          `yaml:"progress"`
}

// RetryConfig defines retry delays.
type RetryConfig struct {
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// SourceConfig defines how units are enumerated.
type SourceConfig struct {
	Units       []string `yaml:"units"`
	SpeciesList string   `yaml:"species_list"`
	URLTemplate string   `yaml:"url_template"`
	Endpoint    string   `yaml:"endpoint"`
	Restrict    []string `yaml:"restrict"`
	Exclude     []string `yaml:"exclude"`
	IDPattern   string   `yaml:"id_pattern"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Workers:             0, // derived from CPU count and available memory
		MemoryPerWorker:     512 * 1024 * 1024,
		MaxRetries:          5,
		RateLimitMaxRetries: 3,
		Retry: RetryConfig{
			Backoff:    5 * time.Second,
			MaxBackoff: 5 * time.Minute,
		},
		UnitTimeout:      10 * time.Minute,
		ConnectTimeout:   30 * time.Second,
		Cache:            "cache",
		Ledger:           "state",
		StateInterval:    1,
		MinScore:         700,
		FailureTolerance: 0.05,
		LogMode:          logger.ModeProd,
		Source: SourceConfig{
			SpeciesList: DefaultSpeciesList,
			URLTemplate: DefaultURLTemplate,
			Endpoint:    DefaultEndpoint,
			Exclude:     DefaultExclude(),
			IDPattern:   source.DefaultIDPattern,
		},
	}
}

// DefaultExclude returns the taxa skipped unless the exclude list is
// overridden. Their links files are not published upstream.
func DefaultExclude() []string {
	return []string{"4565", "8032"}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	Workers             int              `yaml:"workers"`
	MemoryPerWorker     string           `yaml:"memory_per_worker"`
	MaxRetries          *int             `yaml:"max_retries"`
	RateLimitMaxRetries *int             `yaml:"rate_limit_max_retries"`
	Retry               yamlRetryConfig  `yaml:"retry"`
	UnitTimeout         string           `yaml:"unit_timeout"`
	ConnectTimeout      string           `yaml:"connect_timeout"`
	RateLimit           float64          `yaml:"rate_limit"`
	Cache               string           `yaml:"cache"`
	Ledger              string           `yaml:"ledger"`
	Resume              *bool            `yaml:"resume"`
	RetryFailed         bool             `yaml:"retry_failed"`
	StateInterval       int              `yaml:"state_interval"`
	Source              yamlSourceConfig `yaml:"source"`
	MinScore            *int             `yaml:"min_score"`
	FailureTolerance    *float64         `yaml:"failure_tolerance"`
	LogMode             string           `yaml:"log_mode"`
	StatusAddr          string           `yaml:"status_addr"`
	Progress            bool             `yaml:"progress"`
}

type yamlRetryConfig struct {
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

type yamlSourceConfig struct {
	Units       []string `yaml:"units"`
	SpeciesList string   `yaml:"species_list"`
	URLTemplate string   `yaml:"url_template"`
	Endpoint    string   `yaml:"endpoint"`
	Restrict    []string `yaml:"restrict"`
	Exclude     []string `yaml:"exclude"`
	IDPattern   string   `yaml:"id_pattern"`
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.MemoryPerWorker != "" {
		size, err := progress.ParseBytes(yc.MemoryPerWorker)
		if err != nil {
			return Config{}, fmt.Errorf("parse memory_per_worker: %w", err)
		}
		cfg.MemoryPerWorker = size
	}
	// Retry counts and scores may legitimately be zero.
	if yc.MaxRetries != nil {
		cfg.MaxRetries = *yc.MaxRetries
	}
	if yc.RateLimitMaxRetries != nil {
		cfg.RateLimitMaxRetries = *yc.RateLimitMaxRetries
	}
	if err := parseDuration("retry.backoff", yc.Retry.Backoff, &cfg.Retry.Backoff); err != nil {
		return Config{}, err
	}
	if err := parseDuration("retry.max_backoff", yc.Retry.MaxBackoff, &cfg.Retry.MaxBackoff); err != nil {
		return Config{}, err
	}
	if err := parseDuration("unit_timeout", yc.UnitTimeout, &cfg.UnitTimeout); err != nil {
		return Config{}, err
	}
	if err := parseDuration("connect_timeout", yc.ConnectTimeout, &cfg.ConnectTimeout); err != nil {
		return Config{}, err
	}
	if yc.RateLimit != 0 {
		cfg.RateLimit = yc.RateLimit
	}
	if yc.Cache != "" {
		cfg.Cache = yc.Cache
	}
	if yc.Ledger != "" {
		cfg.Ledger = yc.Ledger
	}
	if yc.Resume != nil {
		cfg.NoResume = !*yc.Resume
	}
	cfg.RetryFailed = yc.RetryFailed
	if yc.StateInterval != 0 {
		cfg.StateInterval = yc.StateInterval
	}
	if len(yc.Source.Units) > 0 {
		cfg.Source.Units = yc.Source.Units
	}
	if yc.Source.SpeciesList != "" {
		cfg.Source.SpeciesList = yc.Source.SpeciesList
	}
	if yc.Source.URLTemplate != "" {
		cfg.Source.URLTemplate = yc.Source.URLTemplate
	}
	if yc.Source.Endpoint != "" {
		cfg.Source.Endpoint = yc.Source.Endpoint
	}
	if len(yc.Source.Restrict) > 0 {
		cfg.Source.Restrict = yc.Source.Restrict
	}
	if len(yc.Source.Exclude) > 0 {
		cfg.Source.Exclude = yc.Source.Exclude
	}
	if yc.Source.IDPattern != "" {
		cfg.Source.IDPattern = yc.Source.IDPattern
	}
	if yc.MinScore != nil {
		cfg.MinScore = *yc.MinScore
	}
	if yc.FailureTolerance != nil {
		cfg.FailureTolerance = *yc.FailureTolerance
	}
	if yc.LogMode != "" {
		cfg.LogMode = yc.LogMode
	}
	if yc.StatusAddr != "" {
		cfg.StatusAddr = yc.StatusAddr
	}
	cfg.Progress = yc.Progress

	return cfg, nil
}

func parseDuration(key, v string, dst *time.Duration) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

// LoadEnvFile loads variables from a .env file into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the GATHER_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("GATHER_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse GATHER_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("GATHER_MEMORY_PER_WORKER"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse GATHER_MEMORY_PER_WORKER: %w", err)
		}
		c.MemoryPerWorker = size
	}
	if v := os.Getenv("GATHER_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse GATHER_MAX_RETRIES: %w", err)
		}
		c.MaxRetries = n
	}
	if v := os.Getenv("GATHER_RATE_LIMIT_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse GATHER_RATE_LIMIT_MAX_RETRIES: %w", err)
		}
		c.RateLimitMaxRetries = n
	}
	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"GATHER_RETRY_BACKOFF", &c.Retry.Backoff},
		{"GATHER_RETRY_MAX_BACKOFF", &c.Retry.MaxBackoff},
		{"GATHER_UNIT_TIMEOUT", &c.UnitTimeout},
		{"GATHER_CONNECT_TIMEOUT", &c.ConnectTimeout},
	} {
		if err := parseDuration(d.name, os.Getenv(d.name), d.dst); err != nil {
			return err
		}
	}
	if v := os.Getenv("GATHER_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse GATHER_RATE_LIMIT: %w", err)
		}
		c.RateLimit = f
	}
	if v := os.Getenv("GATHER_CACHE"); v != "" {
		c.Cache = v
	}
	if v := os.Getenv("GATHER_LEDGER"); v != "" {
		c.Ledger = v
	}
	if v := os.Getenv("GATHER_RESUME"); v != "" {
		c.NoResume = !isTrue(v)
	}
	if v := os.Getenv("GATHER_RETRY_FAILED"); v != "" {
		c.RetryFailed = isTrue(v)
	}
	if v := os.Getenv("GATHER_STATE_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse GATHER_STATE_INTERVAL: %w", err)
		}
		c.StateInterval = n
	}
	if v := os.Getenv("GATHER_UNITS"); v != "" {
		c.Source.Units = SplitList(v)
	}
	if v := os.Getenv("GATHER_SPECIES_LIST"); v != "" {
		c.Source.SpeciesList = v
	}
	if v := os.Getenv("GATHER_URL_TEMPLATE"); v != "" {
		c.Source.URLTemplate = v
	}
	if v := os.Getenv("GATHER_ENDPOINT"); v != "" {
		c.Source.Endpoint = v
	}
	if v := os.Getenv("GATHER_RESTRICT"); v != "" {
		c.Source.Restrict = SplitList(v)
	}
	if v := os.Getenv("GATHER_EXCLUDE"); v != "" {
		c.Source.Exclude = SplitList(v)
	}
	if v := os.Getenv("GATHER_ID_PATTERN"); v != "" {
		c.Source.IDPattern = v
	}
	if v := os.Getenv("GATHER_MIN_SCORE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse GATHER_MIN_SCORE: %w", err)
		}
		c.MinScore = n
	}
	if v := os.Getenv("GATHER_FAILURE_TOLERANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse GATHER_FAILURE_TOLERANCE: %w", err)
		}
		c.FailureTolerance = f
	}
	if v := os.Getenv("GATHER_LOG_MODE"); v != "" {
		c.LogMode = v
	}
	if v := os.Getenv("GATHER_STATUS_ADDR"); v != "" {
		c.StatusAddr = v
	}
	if v := os.Getenv("GATHER_PROGRESS"); v != "" {
		c.Progress = isTrue(v)
	}

	return nil
}

func isTrue(v string) bool {
	return v == "true" || v == "1"
}

// SplitList splits a comma separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return errors.New("config: workers must not be negative")
	}
	if c.MemoryPerWorker <= 0 {
		return errors.New("config: memory_per_worker must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("config: max_retries must not be negative")
	}
	if c.RateLimitMaxRetries < 0 {
		return errors.New("config: rate_limit_max_retries must not be negative")
	}
	if c.Retry.Backoff <= 0 || c.Retry.MaxBackoff <= 0 {
		return errors.New("config: retry backoff must be positive")
	}
	if c.Retry.MaxBackoff < c.Retry.Backoff {
		return errors.New("config: retry.max_backoff must not be less than retry.backoff")
	}
	if c.UnitTimeout <= 0 {
		return errors.New("config: unit_timeout must be positive")
	}
	if c.RateLimit < 0 {
		return errors.New("config: rate_limit must not be negative")
	}
	if c.Cache == "" {
		return errors.New("config: cache is required")
	}
	if c.Ledger == "" {
		return errors.New("config: ledger is required")
	}
	if c.StateInterval <= 0 {
		return errors.New("config: state_interval must be positive")
	}
	if len(c.Source.Units) == 0 && c.Source.SpeciesList == "" {
		return errors.New("config: source.units or source.species_list is required")
	}
	if c.Source.URLTemplate == "" {
		return errors.New("config: source.url_template is required")
	}
	if !strings.Contains(c.Source.URLTemplate, "{id}") {
		return errors.New("config: source.url_template must contain {id}")
	}
	if c.MinScore < 0 || c.MinScore > 1000 {
		return errors.New("config: min_score must be between 0 and 1000")
	}
	if c.FailureTolerance < 0 || c.FailureTolerance > 1 {
		return errors.New("config: failure_tolerance must be between 0 and 1")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.MemoryPerWorker != 0 {
		c.MemoryPerWorker = override.MemoryPerWorker
	}
	if override.MaxRetries != 0 {
		c.MaxRetries = override.MaxRetries
	}
	if override.RateLimitMaxRetries != 0 {
		c.RateLimitMaxRetries = override.RateLimitMaxRetries
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	if override.UnitTimeout != 0 {
		c.UnitTimeout = override.UnitTimeout
	}
	if override.ConnectTimeout != 0 {
		c.ConnectTimeout = override.ConnectTimeout
	}
	if override.RateLimit != 0 {
		c.RateLimit = override.RateLimit
	}
	if override.Cache != "" {
		c.Cache = override.Cache
	}
	if override.Ledger != "" {
		c.Ledger = override.Ledger
	}
	if override.NoResume {
		c.NoResume = override.NoResume
	}
	if override.RetryFailed {
		c.RetryFailed = override.RetryFailed
	}
	if override.StateInterval != 0 {
		c.StateInterval = override.StateInterval
	}
	if len(override.Source.Units) > 0 {
		c.Source.Units = override.Source.Units
	}
	if override.Source.SpeciesList != "" {
		c.Source.SpeciesList = override.Source.SpeciesList
	}
	if override.Source.URLTemplate != "" {
		c.Source.URLTemplate = override.Source.URLTemplate
	}
	if override.Source.Endpoint != "" {
		c.Source.Endpoint = override.Source.Endpoint
	}
	if len(override.Source.Restrict) > 0 {
		c.Source.Restrict = override.Source.Restrict
	}
	if len(override.Source.Exclude) > 0 {
		c.Source.Exclude = override.Source.Exclude
	}
	if override.Source.IDPattern != "" {
		c.Source.IDPattern = override.Source.IDPattern
	}
	if override.MinScore != 0 {
		c.MinScore = override.MinScore
	}
	if override.FailureTolerance != 0 {
		c.FailureTolerance = override.FailureTolerance
	}
	if override.LogMode != "" {
		c.LogMode = override.LogMode
	}
	if override.StatusAddr != "" {
		c.StatusAddr = override.StatusAddr
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	return c
}

// Tolerates reports whether failed out of total units is within the
// configured failure tolerance.
func (c *Config) Tolerates(failed, total int) bool {
	if failed == 0 {
		return true
	}
	if total == 0 {
		return false
	}
	return float64(failed)/float64(total) <= c.FailureTolerance
}
