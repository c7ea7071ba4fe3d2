// Package codec validates, summarizes and expands per-unit payloads.
//
// The built-in [Links] codec reads the STRING protein links format: a gzip
// stream whose first line is a header
//
//	protein1 protein2 neighborhood fusion cooccurence coexpression experimental database textmining combined_score
//
// followed by one space separated interaction per line. The gzip trailer
// (CRC32 and size) and the field count of every line are checked while
// streaming, so a truncated or corrupted download is detected without
// buffering the payload. Any such problem is reported as [ErrCorrupt].
//
// The unit-local filter keeps interactions whose combined score is at least
// MinScore (700 is STRING's "high confidence").
package codec
