// Package fetch performs single fetch attempts for work units.
//
// A [Worker] looks the unit up in the cache first. A hit is streamed through
// the checksum and the codec before it is trusted; an invalid entry is
// removed and the attempt fails with [KindCorruptedCache] so the scheduler
// retries it from the remote. A miss streams the remote payload into a cache
// writer while the codec validates it, and publishes the entry only when the
// whole payload was read and valid. No payload is ever held in memory.
//
// Every attempt produces exactly one [Outcome]. Failures are classified by
// [Classify] into kinds; [Kind.Transient] tells the scheduler whether to
// retry and [Kind.BackoffScale] how long to wait.
package fetch
