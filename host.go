// Package enet is a Go clone of the ENet wire protocol: a reliable,
// ordered, multi-channel datagram transport over UDP with an
// event-driven, goroutine-and-channel host API.
package enet

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"goenet/internal/metrics"
	"goenet/internal/wire"
)

// EventKind discriminates the three outcomes of Host.Poll/PollForEvent.
type EventKind int

const (
	EventNone EventKind = iota
	EventConnect
	EventDisconnect
)

// HostEvent is what Host.Poll/PollForEvent yields each call.
type HostEvent struct {
	Kind   EventKind
	Peer   *Peer
	PeerID PeerID
}

type unackKey struct {
	peer    PeerID
	channel uint8
	seq     uint16
}

// unAckEntry tracks one in-flight reliable command awaiting its Ack
// (§3).
type unAckEntry struct {
	cmd      *wire.Command
	lastSent time.Duration // elapsed since Host.startTime
	retries  int
	peerID   PeerID
}

// Host is the single authority over one UDP endpoint: it owns the
// socket, the peer registry, the unacked-command table, and drives the
// retransmit/ping/timeout sweep. A Host is driven from exactly one
// goroutine; its exported methods are not safe to call concurrently
// with each other (§5: "single-threaded cooperative per Host").
type Host struct {
	socket    wire.Socket
	cfg       HostConfig
	startTime time.Time

	peers    map[PeerID]*peerInfo
	nextPeer uint16

	unacked map[unackKey]*unAckEntry

	inbound chan hostRecvEvent

	rng *rand.Rand

	metrics *metrics.HostMetrics
}

// Create binds a UDP socket at bindAddr and returns a Host ready to
// poll. Config validation and bind failures are the errors that
// propagate to the caller (§7: "Configuration ... fatal to the owning Host").
func Create(ctx context.Context, cfg HostConfig, bindAddr string) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("enet: invalid host config: %w", err)
	}

	socket, err := wire.NewUDPSocket(ctx, bindAddr, cfg.Clock, cfg.StartTime)
	if err != nil {
		return nil, err
	}

	return newHostWithSocket(cfg, socket), nil
}

// newHostWithSocket assembles a Host around an already-validated config
// and an already-bound Socket. Exported Create is the only production
// caller; tests use it directly with an in-memory Socket to exercise
// the state machine without a real UDP port.
func newHostWithSocket(cfg HostConfig, socket wire.Socket) *Host {
	return &Host{
		socket:    socket,
		cfg:       cfg,
		startTime: cfg.StartTime,
		peers:     make(map[PeerID]*peerInfo),
		unacked:   make(map[unackKey]*unAckEntry),
		inbound:   make(chan hostRecvEvent, mailboxCapacity),
		rng:       rand.New(rand.NewSource(cfg.Clock.Now().UnixNano())),
		metrics:   cfg.Metrics,
	}
}

// LocalAddr returns the bound socket's local address.
func (h *Host) LocalAddr() net.Addr { return h.socket.LocalAddr() }

// Close releases the underlying socket.
func (h *Host) Close() error { return h.socket.Close() }

func (h *Host) now() time.Duration { return h.cfg.Clock.Since(h.startTime) }

// Poll drives work until a Connect or Disconnect event occurs, logging
// and continuing past non-fatal errors (§4.1, §7). It returns early if
// ctx is cancelled.
func (h *Host) Poll(ctx context.Context) (HostEvent, error) {
	for {
		ev, err := h.PollForEvent(ctx, h.cfg.PollDuration)
		if err != nil {
			h.cfg.Logger.Warn("poll error", "err", err)
			if ctx.Err() != nil {
				return HostEvent{}, ctx.Err()
			}
			continue
		}
		if ev.Kind != EventNone {
			return ev, nil
		}
		if ctx.Err() != nil {
			return HostEvent{}, ctx.Err()
		}
	}
}

// PollForEvent executes one tick of the per-tick algorithm (§4.1):
// retransmit sweep, ping sweep, then a select across the socket, the
// application mailbox, and a timeout timer.
func (h *Host) PollForEvent(ctx context.Context, timeout time.Duration) (HostEvent, error) {
	timedOut := h.retransmitSweep()
	if len(timedOut) > 0 {
		for _, id := range timedOut {
			h.disconnectPeer(id)
			if h.metrics != nil {
				h.metrics.PeerTimeouts.Inc()
			}
		}
		return HostEvent{Kind: EventDisconnect, PeerID: timedOut[0]}, nil
	}

	h.pingSweep()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case cmd, ok := <-h.socket.Events():
		if !ok {
			return HostEvent{}, fmt.Errorf("enet: socket event channel closed")
		}
		return h.handleIncomingCommand(cmd)

	case err, ok := <-h.socket.Errors():
		if !ok {
			return HostEvent{}, fmt.Errorf("enet: socket error channel closed")
		}
		return HostEvent{}, err

	case ev := <-h.inbound:
		return h.handleOutgoingEvent(ev)

	case <-timer.C:
		return HostEvent{Kind: EventNone}, nil

	case <-ctx.Done():
		return HostEvent{}, ctx.Err()
	}
}

// Broadcast sends pkt to every currently-known peer right away, one Send
// command per peer, without going through the inbound mailbox; a failed
// send to one peer is logged and the others still go out. Must be called
// from the same goroutine driving Poll.
func (h *Host) Broadcast(pkt Packet) {
	for id := range h.peers {
		if err := h.deliverOutgoing(hostRecvEvent{kind: peerSendSend, peerID: id, channelID: pkt.Channel, packet: pkt}); err != nil {
			h.cfg.Logger.Warn("broadcast to peer failed", "peer", id, "err", err)
		}
	}
}

// --- §4.1.2 handling an incoming command ---

func (h *Host) handleIncomingCommand(cmd *wire.Command) (HostEvent, error) {
	if h.metrics != nil {
		h.metrics.CommandsReceived.WithLabelValues(commandName(cmd.Command)).Inc()
	}

	if connect, ok := cmd.Command.(*wire.ConnectCommand); ok {
		peer, verify, err := h.acceptConnect(cmd.Info.Addr, connect)
		if err != nil {
			return HostEvent{}, err
		}
		info, err := h.newCommandInfo(peer.id, wire.SystemChannel, wire.ReliableFlags())
		if err != nil {
			return HostEvent{}, err
		}
		if err := h.send(&wire.Command{Info: info, Command: verify}); err != nil {
			return HostEvent{}, err
		}
		return HostEvent{Kind: EventConnect, Peer: peer}, nil
	}

	peerID := PeerID(cmd.Info.PeerID)
	pi, ok := h.peers[peerID]
	if !ok {
		if h.metrics != nil {
			h.metrics.DroppedPackets.WithLabelValues("unknown_peer").Inc()
		}
		return HostEvent{}, fmt.Errorf("%w: %d", ErrInvalidPeerID, peerID)
	}
	cmd.Info.InternalPeerID = uint16(peerID)
	pi.lastMsgTime = h.cfg.Clock.Now()

	if cmd.Info.Flags.Reliable {
		if err := h.sendAck(peerID, pi, cmd); err != nil {
			h.cfg.Logger.Warn("send ack failed", "peer", peerID, "err", err)
		}
	}

	if err := h.checkIncomingSequence(pi, cmd); err != nil {
		if h.metrics != nil {
			h.metrics.DroppedPackets.WithLabelValues("sequence_mismatch").Inc()
		}
		return HostEvent{}, err
	}

	switch v := cmd.Command.(type) {
	case *wire.DisconnectCommand:
		h.disconnectPeer(peerID)
		return HostEvent{Kind: EventDisconnect, PeerID: peerID}, nil

	case *wire.SendReliableCommand:
		h.forwardToPeer(pi, cmd.Info.ChannelID, v.Data, cmd.Info.Flags)

	case *wire.SendUnreliableCommand:
		h.forwardToPeer(pi, cmd.Info.ChannelID, v.Data, cmd.Info.Flags)

	case *wire.AckCommand:
		if err := h.handleAck(peerID, pi, cmd.Info.ChannelID, v); err != nil {
			return HostEvent{}, err
		}

	case *wire.BandwidthLimitCommand:
		pi.incomingBandwidth = v.IncomingBandwidth
		pi.outgoingBandwidth = v.OutgoingBandwidth

	case *wire.PingCommand:
		// last_msg_time already updated above; the ack was already sent.

	case *wire.VerifyConnectCommand:
		h.finalizeOutboundConnect(peerID, pi, v)

	default:
		// SendFragment/SendUnsequenced/ThrottleConfigure/Count: accepted,
		// application-level forwarding undefined by this core (§4.1.2 step 6).
	}

	return HostEvent{}, nil
}

func (h *Host) checkIncomingSequence(pi *peerInfo, cmd *wire.Command) error {
	switch v := cmd.Command.(type) {
	case *wire.SendReliableCommand:
		var counter *uint16
		if cmd.Info.ChannelID == wire.SystemChannel {
			counter = &pi.incomingReliableSequenceNumber
		} else {
			ch, ok := pi.channels[cmd.Info.ChannelID]
			if !ok {
				return fmt.Errorf("%w: %d", ErrInvalidChannelID, cmd.Info.ChannelID)
			}
			counter = &ch.IncomingReliableSequenceNumber
		}
		want := *counter + 1
		if cmd.Info.ReliableSequenceNumber != want {
			return fmt.Errorf("%w: reliable seq %d, want %d", ErrInvalidPacket, cmd.Info.ReliableSequenceNumber, want)
		}
		*counter = want

	case *wire.SendUnreliableCommand:
		ch, ok := pi.channels[cmd.Info.ChannelID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrInvalidChannelID, cmd.Info.ChannelID)
		}
		want := ch.IncomingUnreliableSequenceNumber + 1
		if v.UnreliableSequenceNumber != want {
			return fmt.Errorf("%w: unreliable seq %d, want %d", ErrInvalidPacket, v.UnreliableSequenceNumber, want)
		}
		ch.IncomingUnreliableSequenceNumber = want
	}
	return nil
}

func (h *Host) forwardToPeer(pi *peerInfo, channelID uint8, data []byte, flags wire.PacketFlags) {
	pkt := Packet{Data: data, Channel: channelID, Flags: flags}
	pi.sender <- peerRecvEvent{packet: pkt}
}

// --- §4.1.5 accepting a Connect ---

func (h *Host) acceptConnect(addr net.Addr, c *wire.ConnectCommand) (*Peer, *wire.VerifyConnectCommand, error) {
	channelCount := c.ChannelCount
	if channelCount > h.cfg.PeerCount {
		channelCount = h.cfg.PeerCount
	}
	if h.cfg.ChannelLimit > 0 && channelCount > h.cfg.ChannelLimit {
		channelCount = h.cfg.ChannelLimit
	}

	id := PeerID(h.nextPeer)
	h.nextPeer++

	channels := make(map[uint8]*Channel, channelCount)
	for i := uint32(0); i < channelCount; i++ {
		channels[uint8(i)] = &Channel{}
	}

	pi := &peerInfo{
		addr:                           addr,
		outgoingPeerID:                 PeerID(c.OutgoingPeerID),
		incomingPeerID:                 id,
		connectID:                      c.ConnectID,
		mtu:                            c.MTU,
		windowSize:                     c.WindowSize,
		incomingBandwidth:              c.IncomingBandwidth,
		outgoingBandwidth:              c.OutgoingBandwidth,
		throttleInterval:               c.ThrottleInterval,
		throttleAccel:                  c.ThrottleAccel,
		throttleDecel:                  c.ThrottleDecel,
		eventData:                      c.Data,
		channels:                       channels,
		incomingReliableSequenceNumber: 1,
		outgoingReliableSequenceNumber: 0,
		lastMsgTime:                    h.cfg.Clock.Now(),
		rtt:                            500 * time.Millisecond,
		sender:                         make(chan peerRecvEvent, mailboxCapacity),
	}

	computedIncoming, computedOutgoing := negotiateSessionIDs(pi.outgoingPeerID, pi.incomingPeerID, c.IncomingSessionID, c.OutgoingSessionID)
	pi.outgoingSessionID = computedIncoming
	pi.incomingSessionID = computedOutgoing

	h.peers[id] = pi
	if h.metrics != nil {
		h.metrics.PeersConnected.Set(float64(len(h.peers)))
	}

	peer := &Peer{id: id, addr: addr, out: h.inbound, in: pi.sender}

	// The wire VerifyConnect always reports session ids as zero; PeerInfo
	// keeps the negotiated values (§9 of the design notes).
	verify := &wire.VerifyConnectCommand{
		OutgoingPeerID:    uint16(id),
		IncomingSessionID: 0,
		OutgoingSessionID: 0,
		MTU:               pi.mtu,
		WindowSize:        pi.windowSize,
		ChannelCount:      channelCount,
		IncomingBandwidth: h.cfg.IncomingBandwidth,
		OutgoingBandwidth: h.cfg.OutgoingBandwidth,
		ThrottleInterval:  pi.throttleInterval,
		ThrottleAccel:     pi.throttleAccel,
		ThrottleDecel:     pi.throttleDecel,
		ConnectID:         pi.connectID,
	}
	return peer, verify, nil
}

// negotiateSessionIDs implements §4.1.1. The names track the spec's
// wording exactly; callers are responsible for the cross-assignment
// into PeerInfo.outgoing_session_id/incoming_session_id.
func negotiateSessionIDs(outgoingPeerID, incomingPeerID PeerID, remoteIncoming, remoteOutgoing uint8) (incomingSessionID, outgoingSessionID uint8) {
	in := uint16(outgoingPeerID)
	if remoteIncoming != 0xFF {
		in = uint16(remoteIncoming)
	}
	if in == uint16(outgoingPeerID) {
		in = (in + 1) & 0x3
	}

	out := uint16(incomingPeerID)
	if remoteOutgoing != 0xFF {
		out = uint16(remoteOutgoing)
	}
	if out == uint16(incomingPeerID) {
		out = (out + 1) & 0x3
	}

	return uint8(in), uint8(out)
}

// --- §4.1.3 handling an outgoing application event ---

func (h *Host) handleOutgoingEvent(ev hostRecvEvent) (HostEvent, error) {
	if ev.kind == peerSendBroadcast {
		for id := range h.peers {
			if id == ev.peerID {
				continue
			}
			if err := h.deliverOutgoing(hostRecvEvent{kind: peerSendSend, peerID: id, channelID: ev.channelID, packet: ev.packet}); err != nil {
				h.cfg.Logger.Warn("broadcast fan-out failed", "peer", id, "err", err)
			}
		}
		return HostEvent{}, nil
	}
	if err := h.deliverOutgoing(ev); err != nil {
		return HostEvent{}, err
	}
	return HostEvent{}, nil
}

func (h *Host) deliverOutgoing(ev hostRecvEvent) error {
	cmd, err := h.eventToCommand(ev)
	if err != nil {
		return err
	}
	return h.send(cmd)
}

func (h *Host) eventToCommand(ev hostRecvEvent) (*wire.Command, error) {
	pi, ok := h.peers[ev.peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPeerID, ev.peerID)
	}

	switch ev.kind {
	case peerSendSend:
		ch, ok := pi.channels[ev.channelID]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrInvalidChannelID, ev.channelID)
		}
		var payload wire.ProtocolCommand
		flags := ev.packet.Flags
		if flags.Reliable {
			payload = &wire.SendReliableCommand{Data: ev.packet.Data}
		} else {
			payload = &wire.SendUnreliableCommand{UnreliableSequenceNumber: ch.OutgoingUnreliableSequenceNumber + 1, Data: ev.packet.Data}
		}
		info, err := h.newCommandInfo(ev.peerID, ev.channelID, flags)
		if err != nil {
			return nil, err
		}
		return &wire.Command{Info: info, Command: payload}, nil

	case peerSendPing:
		info, err := h.newCommandInfo(ev.peerID, wire.SystemChannel, wire.ReliableFlags())
		if err != nil {
			return nil, err
		}
		return &wire.Command{Info: info, Command: &wire.PingCommand{}}, nil

	case peerSendDisconnect:
		info, err := h.newCommandInfo(ev.peerID, wire.SystemChannel, wire.ReliableFlags())
		if err != nil {
			return nil, err
		}
		return &wire.Command{Info: info, Command: &wire.DisconnectCommand{Data: 0}}, nil

	default:
		return nil, fmt.Errorf("%w: unknown mailbox event kind", ErrUnexpectedPacketType)
	}
}

// newCommandInfo stamps framing metadata and advances the relevant
// sequence counter (§4.1.3). The wire session_id is always stamped 0
// (§9: the same ambiguity VerifyConnect exhibits).
func (h *Host) newCommandInfo(peerID PeerID, channelID uint8, flags wire.PacketFlags) (wire.CommandInfo, error) {
	pi, ok := h.peers[peerID]
	if !ok {
		return wire.CommandInfo{}, fmt.Errorf("%w: %d", ErrInvalidPeerID, peerID)
	}

	var seq uint16
	if channelID == wire.SystemChannel {
		pi.outgoingReliableSequenceNumber++
		seq = pi.outgoingReliableSequenceNumber
	} else {
		ch, ok := pi.channels[channelID]
		if !ok {
			return wire.CommandInfo{}, fmt.Errorf("%w: %d", ErrInvalidChannelID, channelID)
		}
		if flags.Reliable {
			ch.OutgoingUnreliableSequenceNumber = 0
			ch.OutgoingReliableSequenceNumber++
			seq = ch.OutgoingReliableSequenceNumber
		} else {
			ch.OutgoingUnreliableSequenceNumber++
			seq = 1
		}
	}

	return wire.CommandInfo{
		Addr:                   pi.addr,
		Flags:                  flags,
		InternalPeerID:         uint16(peerID),
		PeerID:                 uint16(pi.outgoingPeerID),
		ChannelID:              channelID,
		SessionID:              0,
		ReliableSequenceNumber: seq,
		SentTime:               h.now(),
	}, nil
}

// --- §4.1.4 disconnecting a peer ---

func (h *Host) disconnectPeer(id PeerID) {
	for key := range h.unacked {
		if key.peer == id {
			delete(h.unacked, key)
		}
	}

	if info, err := h.newCommandInfo(id, wire.SystemChannel, wire.ReliableFlags()); err == nil {
		_ = h.send(&wire.Command{Info: info, Command: &wire.DisconnectCommand{Data: 0}})
	}

	if pi, ok := h.peers[id]; ok {
		delete(h.peers, id)
		close(pi.sender)
		if h.metrics != nil {
			h.metrics.PeersConnected.Set(float64(len(h.peers)))
		}
	}
}

// --- §4.1.6 acknowledgements ---

func (h *Host) sendAck(peerID PeerID, pi *peerInfo, incoming *wire.Command) error {
	ack := &wire.AckCommand{
		ReceivedReliableSequenceNumber: incoming.Info.ReliableSequenceNumber,
		ReceivedSentTime:               wire.FromDuration(incoming.Info.SentTime),
	}
	info := wire.CommandInfo{
		Addr:                   pi.addr,
		Flags:                  wire.DefaultFlags(),
		InternalPeerID:         uint16(peerID),
		PeerID:                 uint16(pi.outgoingPeerID),
		ChannelID:              incoming.Info.ChannelID,
		SessionID:              0,
		ReliableSequenceNumber: incoming.Info.ReliableSequenceNumber,
		SentTime:               h.now(),
	}
	// Acks are never reliable: sent directly via the socket, bypassing
	// send()'s unacked-table bookkeeping.
	return h.socket.Send(&wire.Command{Info: info, Command: ack})
}

func (h *Host) handleAck(peerID PeerID, pi *peerInfo, channelID uint8, ack *wire.AckCommand) error {
	key := unackKey{peer: peerID, channel: channelID, seq: ack.ReceivedReliableSequenceNumber}
	delete(h.unacked, key) // an ack for an unknown key is ignored

	if h.metrics != nil {
		h.metrics.AcksReceived.Inc()
	}

	rtt, ok := wire.ToDuration(ack.ReceivedSentTime, h.now())
	if !ok {
		return nil
	}
	h.updateRTT(pi, rtt)
	return nil
}

// updateRTT implements the simplified Jacobson/Karels estimator (§4.1.7).
func (h *Host) updateRTT(pi *peerInfo, rtt time.Duration) {
	var diff time.Duration
	if rtt > pi.rtt {
		diff = rtt - pi.rtt
	} else {
		diff = pi.rtt - rtt
	}
	pi.rttVariance = pi.rttVariance - pi.rttVariance/4 + diff/4
	pi.rtt = saturatingAddDuration(pi.rtt, diff/8)
}

func saturatingAddDuration(a, b time.Duration) time.Duration {
	sum := a + b
	if sum < a {
		return time.Duration(math.MaxInt64)
	}
	return sum
}

// --- §4.1.8 unified send path ---

func (h *Host) send(cmd *wire.Command) error {
	if err := h.socket.Send(cmd); err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.CommandsSent.WithLabelValues(commandName(cmd.Command)).Inc()
	}
	if cmd.Info.Flags.Reliable {
		key := unackKey{peer: PeerID(cmd.Info.InternalPeerID), channel: cmd.Info.ChannelID, seq: cmd.Info.ReliableSequenceNumber}
		h.unacked[key] = &unAckEntry{cmd: cmd, lastSent: cmd.Info.SentTime, retries: 0, peerID: PeerID(cmd.Info.InternalPeerID)}
	}
	return nil
}

// --- retransmit / ping sweeps ---

func (h *Host) retransmitSweep() []PeerID {
	now := h.now()
	var timedOut []PeerID
	seen := make(map[PeerID]bool)

	for key, entry := range h.unacked {
		if now-entry.lastSent <= h.cfg.PacketTimeout {
			continue
		}
		if entry.retries >= h.cfg.RetryCount {
			if !seen[entry.peerID] {
				seen[entry.peerID] = true
				timedOut = append(timedOut, entry.peerID)
			}
			continue
		}
		if err := h.socket.Send(entry.cmd); err != nil {
			h.cfg.Logger.Warn("retransmit failed", "peer", key.peer, "channel", key.channel, "seq", key.seq, "err", err)
			continue
		}
		entry.retries++
		entry.lastSent = now
		if h.metrics != nil {
			h.metrics.Retransmits.Inc()
		}
	}
	return timedOut
}

func (h *Host) pingSweep() {
	for id, pi := range h.peers {
		if h.cfg.Clock.Since(pi.lastMsgTime) <= h.cfg.PingInterval {
			continue
		}
		pi.lastMsgTime = h.cfg.Clock.Now()
		info, err := h.newCommandInfo(id, wire.SystemChannel, wire.ReliableFlags())
		if err != nil {
			continue
		}
		if err := h.send(&wire.Command{Info: info, Command: &wire.PingCommand{}}); err != nil {
			h.cfg.Logger.Warn("ping send failed", "peer", id, "err", err)
		}
	}
}

func commandName(c wire.ProtocolCommand) string {
	switch c.(type) {
	case *wire.NoneCommand:
		return "none"
	case *wire.AckCommand:
		return "ack"
	case *wire.ConnectCommand:
		return "connect"
	case *wire.VerifyConnectCommand:
		return "verify_connect"
	case *wire.DisconnectCommand:
		return "disconnect"
	case *wire.PingCommand:
		return "ping"
	case *wire.SendReliableCommand:
		return "send_reliable"
	case *wire.SendUnreliableCommand:
		return "send_unreliable"
	case *wire.SendFragmentCommand:
		return "send_fragment"
	case *wire.SendUnsequencedCommand:
		return "send_unsequenced"
	case *wire.BandwidthLimitCommand:
		return "bandwidth_limit"
	case *wire.ThrottleConfigureCommand:
		return "throttle_configure"
	case *wire.SendUnreliableFragmentCommand:
		return "send_unreliable_fragment"
	case *wire.CountCommand:
		return "count"
	default:
		return "unknown"
	}
}
