// Package merge hands reassembled results to an external consumer in source
// order and builds the final report.
//
// [Run] pulls results from a reassembly stream, calls the [Consumer] and then
// marks the unit merged, so an interrupted merge resumes with the units the
// consumer has not accepted yet. Two consumers are built in: [Collector] keeps
// results in memory, [TSVWriter] writes an edge list.
//
// A [Report] classifies the run as complete, complete with failures,
// interrupted (resumable) or aborted (fatal), and groups failed units by
// error kind.
package merge
