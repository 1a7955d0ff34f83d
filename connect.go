package enet

import (
	"context"
	"fmt"
	"net"
	"time"

	"goenet/internal/wire"
)

// defaultMTU and defaultWindowSize are what an outbound Connect
// advertises; a real peer would size these from path MTU discovery,
// which this core does not perform (§1 non-goals).
const (
	defaultMTU        = 1400
	defaultWindowSize = 4096
)

// Connect initiates an outbound connection to addr, mirroring §4.1.5 in
// reverse (§5 of the expanded design: declared by spec.md but left to
// the implementer). The returned Peer is usable immediately; its
// outgoing_peer_id is finalized when the remote's VerifyConnect arrives
// on a later Poll/PollForEvent call.
func (h *Host) Connect(ctx context.Context, addr string, channelCount uint32, data uint32) (*Peer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("enet: resolve connect address %q: %w", addr, err)
	}

	id := PeerID(h.nextPeer)
	h.nextPeer++

	channels := make(map[uint8]*Channel, channelCount)
	for i := uint32(0); i < channelCount; i++ {
		channels[uint8(i)] = &Channel{}
	}

	connectID := h.rng.Uint32()
	pi := &peerInfo{
		addr:        udpAddr,
		connectID:   connectID,
		channels:    channels,
		lastMsgTime: h.cfg.Clock.Now(),
		rtt:         500 * time.Millisecond,
		sender:      make(chan peerRecvEvent, mailboxCapacity),
	}
	h.peers[id] = pi
	if h.metrics != nil {
		h.metrics.PeersConnected.Set(float64(len(h.peers)))
	}

	connect := &wire.ConnectCommand{
		OutgoingPeerID:    uint16(id),
		IncomingSessionID: 0xFF,
		OutgoingSessionID: 0xFF,
		MTU:               defaultMTU,
		WindowSize:        defaultWindowSize,
		ChannelCount:      channelCount,
		IncomingBandwidth: h.cfg.IncomingBandwidth,
		OutgoingBandwidth: h.cfg.OutgoingBandwidth,
		ThrottleInterval:  0,
		ThrottleAccel:     0,
		ThrottleDecel:     0,
		ConnectID:         connectID,
		Data:              data,
	}

	info, err := h.newCommandInfo(id, wire.SystemChannel, wire.ReliableFlags())
	if err != nil {
		delete(h.peers, id)
		return nil, err
	}
	// We don't yet know the remote's incoming_peer_id for us; stamp 0
	// until VerifyConnect tells us otherwise.
	info.PeerID = 0

	if err := h.send(&wire.Command{Info: info, Command: connect}); err != nil {
		delete(h.peers, id)
		return nil, err
	}

	return &Peer{id: id, addr: udpAddr, out: h.inbound, in: pi.sender}, nil
}

// finalizeOutboundConnect applies the remote's VerifyConnect to a peer
// this Host initiated via Connect. No HostEvent is emitted: the
// application already received the Peer handle synchronously from
// Connect's return value.
func (h *Host) finalizeOutboundConnect(peerID PeerID, pi *peerInfo, v *wire.VerifyConnectCommand) {
	pi.outgoingPeerID = PeerID(v.OutgoingPeerID)
	pi.mtu = v.MTU
	pi.windowSize = v.WindowSize
	pi.throttleInterval = v.ThrottleInterval
	pi.throttleAccel = v.ThrottleAccel
	pi.throttleDecel = v.ThrottleDecel

	if v.ChannelCount < uint32(len(pi.channels)) {
		for i := v.ChannelCount; i < uint32(len(pi.channels)); i++ {
			delete(pi.channels, uint8(i))
		}
	}
}
