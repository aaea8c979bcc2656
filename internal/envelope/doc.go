// Package envelope defines the message envelope exchanged between mesh
// nodes and its wire codec.
//
// An Envelope carries routing fields (to, from), string headers and an
// arbitrary body. On the wire an envelope is CBOR encoded with Core
// Deterministic Encoding and prefixed with a one-byte compression tag:
//
//	[tag:1][payload]
//
// Tags follow the Kafka compression codes (0 none, 1 gzip, 2 snappy,
// 3 lz4, 4 zstd) so the same names configure both the transport and the
// envelope frame.
//
// Payloads too large for a single transport record are split into
// segments (see Split) and reassembled on the consuming side by an
// Assembler.
package envelope
