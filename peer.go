package enet

import (
	"context"
	"net"
	"time"

	"goenet/internal/wire"
)

// PeerID identifies a peer within one Host's registry.
type PeerID uint16

// mailboxCapacity is the bounded size of every mailbox in the system:
// the one shared inbound channel from all Peer handles to the Host, and
// each peer's own outbound channel from the Host to its handle (§5).
const mailboxCapacity = 100

// Packet is the application-facing payload exchanged over a Peer
// handle: raw bytes on a channel, with delivery flags.
type Packet struct {
	Data    []byte
	Channel uint8
	Flags   wire.PacketFlags
}

// RecvEvent is what Peer.Poll yields: either a delivered Packet, or a
// signal that the connection is gone.
type RecvEvent struct {
	Disconnected bool
	Packet       Packet
}

type peerSendKind uint8

const (
	peerSendSend peerSendKind = iota
	peerSendBroadcast
	peerSendPing
	peerSendDisconnect
)

// hostRecvEvent is what flows across the single shared mailbox from
// every Peer handle into the Host (§3: "application mailbox").
type hostRecvEvent struct {
	kind      peerSendKind
	peerID    PeerID
	channelID uint8
	packet    Packet
}

// peerRecvEvent is what flows across one peer's private mailbox from
// the Host to its handle. There is no explicit disconnect variant: the
// Host closes the channel instead, and Peer.Poll observes that as
// RecvEvent{Disconnected: true} (§3, §4.1.4).
type peerRecvEvent struct {
	packet Packet
}

// peerInfo is the Host's private registry entry for a connected peer —
// everything in §3's Peer data model that the application never sees
// directly.
type peerInfo struct {
	addr net.Addr

	outgoingPeerID PeerID // stamped into datagrams sent to this peer
	incomingPeerID PeerID // == the registry key

	connectID uint32

	outgoingSessionID uint8
	incomingSessionID uint8

	mtu        uint32
	windowSize uint32

	incomingBandwidth uint32
	outgoingBandwidth uint32

	throttleInterval uint32
	throttleAccel    uint32
	throttleDecel    uint32

	eventData uint32

	channels map[uint8]*Channel

	// outgoing/incoming sequence numbers for system-channel (0xFF)
	// traffic, which has no per-channel Channel entry.
	outgoingReliableSequenceNumber uint16
	incomingReliableSequenceNumber uint16

	lastMsgTime time.Time
	rtt         time.Duration
	rttVariance time.Duration

	// sender is the Host's producer half of this peer's private
	// mailbox; closing it is how the Host signals disconnect.
	sender chan peerRecvEvent
}

// Peer is the opaque application-facing handle to a connected remote
// endpoint (§4.3). It owns the consumer half of its private mailbox and
// shares the Host's single inbound request channel.
type Peer struct {
	id   PeerID
	addr net.Addr
	out  chan<- hostRecvEvent
	in   <-chan peerRecvEvent
}

// ID returns the local PeerID the owning Host uses to key this peer.
func (p *Peer) ID() PeerID { return p.id }

// Address returns the remote socket address recorded at connect time.
func (p *Peer) Address() net.Addr { return p.addr }

// Send pushes a Send(packet) request onto the shared inbound mailbox.
// This blocks if the mailbox is at capacity, a designated suspension
// point (§5); ctx cancellation aborts the wait.
func (p *Peer) Send(ctx context.Context, pkt Packet) error {
	select {
	case p.out <- hostRecvEvent{kind: peerSendSend, peerID: p.id, channelID: pkt.Channel, packet: pkt}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast pushes a Broadcast(packet) request; the Host fans it out to
// every other known peer (§4.1.3).
func (p *Peer) Broadcast(ctx context.Context, pkt Packet) error {
	select {
	case p.out <- hostRecvEvent{kind: peerSendBroadcast, peerID: p.id, channelID: pkt.Channel, packet: pkt}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll awaits the next RecvEvent. A closed mailbox (the Host removed
// this peer) surfaces as RecvEvent{Disconnected: true}, as does ctx
// cancellation.
func (p *Peer) Poll(ctx context.Context) RecvEvent {
	select {
	case ev, ok := <-p.in:
		if !ok {
			return RecvEvent{Disconnected: true}
		}
		return RecvEvent{Packet: ev.packet}
	case <-ctx.Done():
		return RecvEvent{Disconnected: true}
	}
}

// Disconnect requests a graceful close, ignoring a full mailbox rather
// than blocking (§4.3: "ignore send failures").
func (p *Peer) Disconnect() {
	select {
	case p.out <- hostRecvEvent{kind: peerSendDisconnect, peerID: p.id}:
	default:
	}
}
