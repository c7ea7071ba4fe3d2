// Package config defines configuration structures for the gather CLI.
//
// Configuration is merged from, in order of increasing precedence:
//   - Built-in defaults (Default)
//   - YAML configuration file (LoadFromFile)
//   - .env file and environment variables (LoadEnvFile, GATHER_ prefix)
//   - Command-line flags
//
// # YAML Format
//
//	workers: 16
//	memory_per_worker: 512MB
//	max_retries: 5
//	rate_limit_max_retries: 3
//	retry:
//	  backoff: 5s
//	  max_backoff: 5m
//	unit_timeout: 10m
//	rate_limit: 2
//	cache: s3://string-cache?region=eu-central-1
//	ledger: state
//	resume: true
//	source:
//	  species_list: https://stringdb-downloads.org/download/species.v12.0.txt
//	  endpoint: protein.links.detailed.v12.0
//	  restrict: []          # optional subset of the enumeration
//	  exclude: ["4565", "8032"]
//	min_score: 700
//	failure_tolerance: 0.05
package config
