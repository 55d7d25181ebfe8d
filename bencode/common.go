// Package bencode is the canonical encoding for protocol envelopes, message
// content and durable job payloads. Struct fields map to dictionary keys
// through `bencode:"..."` tags and are written in sorted key order, so
// encoding the same value always produces the same bytes; server hashes and
// replay detection rely on that determinism.
package bencode

const (
	numberStart    = 'i'
	dictStart      = 'd'
	listStart      = 'l'
	bencodeEnd     = 'e'
	bytesLengthSep = ':'
)
