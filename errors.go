package enet

import "errors"

// Sentinel errors for the operational taxonomy of §7: each is
// non-fatal to the owning Host, and failures are scoped to the
// operation that produced them.
var (
	// ErrInvalidPeerID is returned when an operation names a PeerID the
	// Host's registry doesn't currently hold.
	ErrInvalidPeerID = errors.New("enet: invalid peer id")

	// ErrInvalidChannelID is returned when an operation names a channel
	// a peer wasn't allocated at connect time.
	ErrInvalidChannelID = errors.New("enet: invalid channel id")

	// ErrInvalidPacket covers sequence-number mismatches on otherwise
	// well-formed input (unknown command ids are rejected earlier, by
	// the wire codec, as wire.ErrUnknownCommandID). The
	// offending packet is dropped; the sender's retransmit machinery
	// recovers it.
	ErrInvalidPacket = errors.New("enet: invalid packet")

	// ErrUnexpectedPacketType marks an internal invariant violation: a
	// code path received a ProtocolCommand variant it should never see
	// in that position.
	ErrUnexpectedPacketType = errors.New("enet: unexpected packet type")
)
