// Package scheduler runs the fetch phase: a bounded worker pool driven by a
// single coordinating loop that owns the ledger.
//
// # Loop
//
// The loop dispatches Pending units in source order until N are in flight,
// then blocks on whichever comes first: the next outcome (in completion
// order), the next retry timer, or cancellation. Each outcome is written to
// the ledger before observers see it:
//
//   - Success: Done.
//   - Transient failure with retries left: Pending again, re-dispatched after
//     a per-unit backoff delay scaled by the failure kind.
//   - Permanent failure, or transient with no retries left: Failed. The run
//     continues.
//
// # Graceful Shutdown
//
// On cancellation:
//   - Stop dispatching immediately
//   - Let in-flight attempts finish (fetch attempts are bounded by their own
//     timeout, not by the run context)
//   - Leave units waiting for a retry Pending
//   - Save the ledger
//
// Only a [FatalError] (cache not writable, ledger not writable) escapes
// [Scheduler.Run].
package scheduler
