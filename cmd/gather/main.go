package main

import (
	"fmt"
	"io"
	"os"
)

// Exit codes
const (
	ExitSuccess          = 0
	ExitGeneralError     = 1
	ExitInvalidArgs      = 2
	ExitSourceNotAccess  = 3
	ExitStorageError     = 5
	ExitLedgerError      = 6
	ExitValidationFailed = 7
	ExitTooManyFailures  = 8
	ExitInterrupted      = 130
)

// Human-readable output goes to stderr, exported results to stdout.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "run":
		return runRun(cmdArgs)
	case "export":
		return runExport(cmdArgs)
	case "status":
		return runStatus(cmdArgs)
	case "verify":
		return runVerify(cmdArgs)
	case "fix":
		return runFix(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(stderr, `Usage: gather <command> [options]

Commands:
  run       Fetch every unit into the cache, then optionally export results
  export    Merge cached results in source order to a file or stdout
  status    Show ledger counts and failed units grouped by error kind
  verify    Check cache entries of completed units
  fix       Invalidate cache entries and reset ledger entries of units

Run 'gather <command> -h' for command-specific help.`)
}
