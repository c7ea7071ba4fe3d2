// Package ledger records the durable progress of a run.
//
// Every unit has an [Entry] whose state moves Pending -> InFlight -> Done or
// Failed. A transient failure with budget left moves it back to Pending with
// its attempt counted. On [Open], entries left InFlight by a killed process
// are reset to Pending, so the ledger on disk is always enough to resume.
//
// # Files
//
// All files live in one directory and are replaced atomically (write to a
// temp file, fsync, rename):
//
//	ledger.json    full state: run id, per-unit entries, retries, merge cursor
//	progress.json  {completed, total_completed, updated_at, stats}
//	failed.json    {unit_id: {error, error_type, attempts}}
//
// [Archive] moves them aside as <name>.bak-<timestamp> for a fresh start.
package ledger
