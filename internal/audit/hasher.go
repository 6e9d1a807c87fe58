package audit

import "crypto/sha256"

// ComputeEventID computes the SHA256 hash of an event's canonical encoding,
// giving each peer_events row a stable, content-addressed primary key
// component so a redelivered event on the bus dedups instead of
// double-counting.
func ComputeEventID(canonical []byte) []byte {
	h := sha256.Sum256(canonical)
	return h[:]
}
