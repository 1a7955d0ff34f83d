package enet

// Channel is a per-peer sub-stream with independent reliable/unreliable
// sequence counters, each a 16-bit wrapping value (§3).
type Channel struct {
	OutgoingReliableSequenceNumber   uint16
	OutgoingUnreliableSequenceNumber uint16
	IncomingReliableSequenceNumber   uint16
	IncomingUnreliableSequenceNumber uint16
}
