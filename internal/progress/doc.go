// Package progress prints human-readable progress for a fetch run.
//
// A Reporter subscribes to the scheduler as an observer and writes a status
// line to stderr at a fixed interval, including completed and failed counts,
// the completion rate and an ETA.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    Initial:  l.Counts(),
//	    Workers:  16,
//	    Endpoint: "protein.links.detailed.v12.0",
//	})
//	reporter.Start()
//	defer reporter.Stop()
//
//	scheduler.New(l, worker, scheduler.Options{
//	    Observers: []scheduler.Observer{reporter},
//	})
//
// # Output Format
//
//	[gather] Fetching 12535 units: protein.links.detailed.v12.0 | Workers: 16
//	[gather] Progress: 45.2% | 5668/12535 done | 3 failed | 16 in flight | 41.3 units/min | ETA: 2h 46m 10s
//	[gather] Downloaded: 1.21 GB | Transient failures: 27
package progress
