// Package wire implements the byte-exact ENet-style datagram codec: a
// protocol header shared by every command in a datagram, a per-command
// header, and the 13 tagged command payloads. Encoding is big-endian,
// unpadded; variable-length payloads are u16-length-prefixed.
package wire

import (
	"encoding/binary"
	"net"
	"time"
)

// SystemChannel is the reserved channel id for connect/verify/ping/disconnect
// traffic and peer-level (rather than per-channel) sequencing.
const SystemChannel uint8 = 0xFF

// Command ids, §6.
const (
	CmdNone uint8 = iota
	CmdAck
	CmdConnect
	CmdVerifyConnect
	CmdDisconnect
	CmdPing
	CmdSendReliable
	CmdSendUnreliable
	CmdSendFragment
	CmdSendUnsequenced
	CmdBandwidthLimit
	CmdThrottleConfigure
	CmdSendUnreliableFragment
	CmdCount
)

// maxDatagramSize bounds any length-prefixed read; UDP datagrams cannot
// exceed this on IPv4/IPv6 without jumbograms.
const maxDatagramSize = 65507

// PacketFlags is the in-memory flag set consulted when framing a
// command; send_time and is_compressed live in the protocol header,
// reliable and unsequenced in the command header.
type PacketFlags struct {
	Reliable     bool
	Unsequenced  bool
	SendTime     bool
	IsCompressed bool
}

// DefaultFlags returns the flag set ENet commands carry unless
// overridden: unreliable, sequenced, timestamped.
func DefaultFlags() PacketFlags {
	return PacketFlags{SendTime: true}
}

// ReliableFlags returns DefaultFlags with Reliable set.
func ReliableFlags() PacketFlags {
	f := DefaultFlags()
	f.Reliable = true
	return f
}

// CommandInfo carries addressing and framing metadata alongside a
// ProtocolCommand: where it came from or goes to, how it's framed on
// the wire, and the bookkeeping needed to match an Ack to a send.
type CommandInfo struct {
	Addr                   net.Addr
	Flags                  PacketFlags
	InternalPeerID         uint16 // local registry key
	PeerID                 uint16 // wire-stamped id
	ChannelID              uint8
	SessionID              uint8
	ReliableSequenceNumber uint16
	SentTime               time.Duration
}

// ProtocolCommand is the tagged-union member implemented by the 13
// command payload types and the reserved CountCommand marker.
type ProtocolCommand interface {
	CommandID() uint8
}

// Command pairs a decoded/to-be-encoded payload with its framing info.
type Command struct {
	Info    CommandInfo
	Command ProtocolCommand
}

type NoneCommand struct{}

func (NoneCommand) CommandID() uint8 { return CmdNone }

type AckCommand struct {
	ReceivedReliableSequenceNumber uint16
	ReceivedSentTime               PacketTime
}

func (AckCommand) CommandID() uint8 { return CmdAck }

type ConnectCommand struct {
	OutgoingPeerID    uint16
	IncomingSessionID uint8
	OutgoingSessionID uint8
	MTU               uint32
	WindowSize        uint32
	ChannelCount      uint32
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
	ThrottleInterval  uint32
	ThrottleAccel     uint32
	ThrottleDecel     uint32
	ConnectID         uint32
	Data              uint32
}

func (ConnectCommand) CommandID() uint8 { return CmdConnect }

type VerifyConnectCommand struct {
	OutgoingPeerID    uint16
	IncomingSessionID uint8
	OutgoingSessionID uint8
	MTU               uint32
	WindowSize        uint32
	ChannelCount      uint32
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
	ThrottleInterval  uint32
	ThrottleAccel     uint32
	ThrottleDecel     uint32
	ConnectID         uint32
}

func (VerifyConnectCommand) CommandID() uint8 { return CmdVerifyConnect }

type DisconnectCommand struct {
	Data uint32
}

func (DisconnectCommand) CommandID() uint8 { return CmdDisconnect }

type PingCommand struct{}

func (PingCommand) CommandID() uint8 { return CmdPing }

type SendReliableCommand struct {
	Data []byte
}

func (SendReliableCommand) CommandID() uint8 { return CmdSendReliable }

type SendUnreliableCommand struct {
	UnreliableSequenceNumber uint16
	Data                     []byte
}

func (SendUnreliableCommand) CommandID() uint8 { return CmdSendUnreliable }

type SendFragmentCommand struct {
	StartSequenceNumber uint16
	FragmentCount       uint32
	FragmentNumber      uint32
	TotalLength         uint32
	FragmentOffset      uint32
	Data                []byte
}

func (SendFragmentCommand) CommandID() uint8 { return CmdSendFragment }

type SendUnsequencedCommand struct {
	UnsequencedGroup uint16
	Data             []byte
}

func (SendUnsequencedCommand) CommandID() uint8 { return CmdSendUnsequenced }

type BandwidthLimitCommand struct {
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
}

func (BandwidthLimitCommand) CommandID() uint8 { return CmdBandwidthLimit }

type ThrottleConfigureCommand struct {
	Interval uint32
	Accel    uint32
	Decel    uint32
}

func (ThrottleConfigureCommand) CommandID() uint8 { return CmdThrottleConfigure }

// SendUnreliableFragmentCommand has an identical wire layout to
// SendFragmentCommand (§6).
type SendUnreliableFragmentCommand struct {
	StartSequenceNumber uint16
	FragmentCount       uint32
	FragmentNumber      uint32
	TotalLength         uint32
	FragmentOffset      uint32
	Data                []byte
}

func (SendUnreliableFragmentCommand) CommandID() uint8 { return CmdSendUnreliableFragment }

// CountCommand is the reserved id-13 marker; it carries no payload and
// is never dispatched.
type CountCommand struct{}

func (CountCommand) CommandID() uint8 { return CmdCount }

// reader walks a byte slice left to right, matching the teacher's
// BitStream read idiom.
type reader struct {
	data   []byte
	offset int
}

func (r *reader) byte() (byte, error) {
	if r.offset >= len(r.data) {
		return 0, ErrNotEnoughData
	}
	b := r.data[r.offset]
	r.offset++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.offset+n > len(r.data) {
		return nil, ErrNotEnoughData
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) lenPrefixedBytes() ([]byte, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	if int(n) > maxDatagramSize {
		return nil, ErrPayloadTooLarge
	}
	data, err := r.bytes(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (r *reader) remaining() bool { return r.offset < len(r.data) }

// writer accumulates big-endian fields into a byte slice.
type writer struct {
	buf []byte
}

func (w *writer) byte(b byte)         { w.buf = append(w.buf, b) }
func (w *writer) u16(v uint16)        { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32)        { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) lenPrefixed(b []byte) {
	w.u16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

// Encode lays out one datagram: the protocol header followed by the
// single command (§4.2's serialization simplification).
func Encode(cmd *Command) ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 32)}

	peerIDAndFlags := cmd.Info.PeerID & 0x0FFF
	peerIDAndFlags |= uint16(cmd.Info.SessionID&0x3) << 12
	if cmd.Info.Flags.IsCompressed {
		peerIDAndFlags |= 1 << 14
	}
	if cmd.Info.Flags.SendTime {
		peerIDAndFlags |= 1 << 15
	}
	w.u16(peerIDAndFlags)
	if cmd.Info.Flags.SendTime {
		w.u16(uint16(FromDuration(cmd.Info.SentTime)))
	}

	if err := encodeCommand(w, cmd); err != nil {
		return nil, err
	}
	return w.buf, nil
}

func encodeCommand(w *writer, cmd *Command) error {
	id := cmd.Command.CommandID()
	commandAndFlags := id & 0x0F
	if cmd.Info.Flags.Unsequenced {
		commandAndFlags |= 1 << 6
	}
	if cmd.Info.Flags.Reliable {
		commandAndFlags |= 1 << 7
	}
	w.byte(commandAndFlags)
	w.byte(cmd.Info.ChannelID)
	w.u16(cmd.Info.ReliableSequenceNumber)

	switch c := cmd.Command.(type) {
	case *NoneCommand, NoneCommand:
	case *AckCommand:
		w.u16(c.ReceivedReliableSequenceNumber)
		w.u16(uint16(c.ReceivedSentTime))
	case *ConnectCommand:
		w.u16(c.OutgoingPeerID)
		w.byte(c.IncomingSessionID)
		w.byte(c.OutgoingSessionID)
		w.u32(c.MTU)
		w.u32(c.WindowSize)
		w.u32(c.ChannelCount)
		w.u32(c.IncomingBandwidth)
		w.u32(c.OutgoingBandwidth)
		w.u32(c.ThrottleInterval)
		w.u32(c.ThrottleAccel)
		w.u32(c.ThrottleDecel)
		w.u32(c.ConnectID)
		w.u32(c.Data)
	case *VerifyConnectCommand:
		w.u16(c.OutgoingPeerID)
		w.byte(c.IncomingSessionID)
		w.byte(c.OutgoingSessionID)
		w.u32(c.MTU)
		w.u32(c.WindowSize)
		w.u32(c.ChannelCount)
		w.u32(c.IncomingBandwidth)
		w.u32(c.OutgoingBandwidth)
		w.u32(c.ThrottleInterval)
		w.u32(c.ThrottleAccel)
		w.u32(c.ThrottleDecel)
		w.u32(c.ConnectID)
	case *DisconnectCommand:
		w.u32(c.Data)
	case *PingCommand:
	case *SendReliableCommand:
		w.lenPrefixed(c.Data)
	case *SendUnreliableCommand:
		w.u16(c.UnreliableSequenceNumber)
		w.lenPrefixed(c.Data)
	case *SendFragmentCommand:
		w.u16(c.StartSequenceNumber)
		w.u16(uint16(len(c.Data)))
		w.u32(c.FragmentCount)
		w.u32(c.FragmentNumber)
		w.u32(c.TotalLength)
		w.u32(c.FragmentOffset)
		w.lenPrefixed(c.Data)
	case *SendUnsequencedCommand:
		w.u16(c.UnsequencedGroup)
		w.lenPrefixed(c.Data)
	case *BandwidthLimitCommand:
		w.u32(c.IncomingBandwidth)
		w.u32(c.OutgoingBandwidth)
	case *ThrottleConfigureCommand:
		w.u32(c.Interval)
		w.u32(c.Accel)
		w.u32(c.Decel)
	case *SendUnreliableFragmentCommand:
		w.u16(c.StartSequenceNumber)
		w.u16(uint16(len(c.Data)))
		w.u32(c.FragmentCount)
		w.u32(c.FragmentNumber)
		w.u32(c.TotalLength)
		w.u32(c.FragmentOffset)
		w.lenPrefixed(c.Data)
	case *CountCommand:
	default:
		return ErrUnknownCommandID
	}
	return nil
}

// Decode parses every command in a single datagram, in order, per the
// protocol header they all share. now is the elapsed time since the
// Host's start epoch, used to expand the header's 16-bit sent_time into
// a full Duration at the moment of receipt.
func Decode(data []byte, addr net.Addr, now time.Duration) ([]*Command, error) {
	r := &reader{data: data}

	peerIDAndFlags, err := r.u16()
	if err != nil {
		return nil, err
	}
	peerID := peerIDAndFlags & 0x0FFF
	sessionID := uint8((peerIDAndFlags >> 12) & 0x3)
	compressed := peerIDAndFlags&(1<<14) != 0
	sendTimeFlag := peerIDAndFlags&(1<<15) != 0

	var sentTime time.Duration
	if sendTimeFlag {
		raw, err := r.u16()
		if err != nil {
			return nil, err
		}
		expanded, ok := ToDuration(PacketTime(raw), now)
		if ok {
			sentTime = expanded
		} else {
			sentTime = now
		}
	}

	var commands []*Command
	for r.remaining() {
		cmd, err := decodeCommand(r)
		if err != nil {
			return nil, err
		}
		cmd.Info.Addr = addr
		cmd.Info.PeerID = peerID
		cmd.Info.SessionID = sessionID
		cmd.Info.Flags.IsCompressed = compressed
		cmd.Info.Flags.SendTime = sendTimeFlag
		cmd.Info.SentTime = sentTime
		commands = append(commands, cmd)
	}
	if len(commands) == 0 {
		return nil, ErrNotEnoughData
	}
	return commands, nil
}

func decodeCommand(r *reader) (*Command, error) {
	commandAndFlags, err := r.byte()
	if err != nil {
		return nil, err
	}
	channelID, err := r.byte()
	if err != nil {
		return nil, err
	}
	seq, err := r.u16()
	if err != nil {
		return nil, err
	}

	id := commandAndFlags & 0x0F
	flags := PacketFlags{
		Unsequenced: commandAndFlags&(1<<6) != 0,
		Reliable:    commandAndFlags&(1<<7) != 0,
	}

	info := CommandInfo{
		Flags:                  flags,
		ChannelID:              channelID,
		ReliableSequenceNumber: seq,
	}

	var payload ProtocolCommand
	switch id {
	case CmdNone:
		payload = &NoneCommand{}
	case CmdAck:
		recvSeq, err := r.u16()
		if err != nil {
			return nil, err
		}
		recvSentTime, err := r.u16()
		if err != nil {
			return nil, err
		}
		payload = &AckCommand{ReceivedReliableSequenceNumber: recvSeq, ReceivedSentTime: PacketTime(recvSentTime)}
	case CmdConnect:
		c, err := decodeConnectLike(r)
		if err != nil {
			return nil, err
		}
		data, err := r.u32()
		if err != nil {
			return nil, err
		}
		payload = &ConnectCommand{
			OutgoingPeerID: c.outgoingPeerID, IncomingSessionID: c.incomingSessionID, OutgoingSessionID: c.outgoingSessionID,
			MTU: c.mtu, WindowSize: c.windowSize, ChannelCount: c.channelCount,
			IncomingBandwidth: c.incomingBandwidth, OutgoingBandwidth: c.outgoingBandwidth,
			ThrottleInterval: c.throttleInterval, ThrottleAccel: c.throttleAccel, ThrottleDecel: c.throttleDecel,
			ConnectID: c.connectID, Data: data,
		}
	case CmdVerifyConnect:
		c, err := decodeConnectLike(r)
		if err != nil {
			return nil, err
		}
		payload = &VerifyConnectCommand{
			OutgoingPeerID: c.outgoingPeerID, IncomingSessionID: c.incomingSessionID, OutgoingSessionID: c.outgoingSessionID,
			MTU: c.mtu, WindowSize: c.windowSize, ChannelCount: c.channelCount,
			IncomingBandwidth: c.incomingBandwidth, OutgoingBandwidth: c.outgoingBandwidth,
			ThrottleInterval: c.throttleInterval, ThrottleAccel: c.throttleAccel, ThrottleDecel: c.throttleDecel,
			ConnectID: c.connectID,
		}
	case CmdDisconnect:
		data, err := r.u32()
		if err != nil {
			return nil, err
		}
		payload = &DisconnectCommand{Data: data}
	case CmdPing:
		payload = &PingCommand{}
	case CmdSendReliable:
		data, err := r.lenPrefixedBytes()
		if err != nil {
			return nil, err
		}
		payload = &SendReliableCommand{Data: data}
	case CmdSendUnreliable:
		unseq, err := r.u16()
		if err != nil {
			return nil, err
		}
		data, err := r.lenPrefixedBytes()
		if err != nil {
			return nil, err
		}
		payload = &SendUnreliableCommand{UnreliableSequenceNumber: unseq, Data: data}
	case CmdSendFragment, CmdSendUnreliableFragment:
		startSeq, err := r.u16()
		if err != nil {
			return nil, err
		}
		if _, err := r.u16(); err != nil { // length (redundant with length2, §6)
			return nil, err
		}
		fragCount, err := r.u32()
		if err != nil {
			return nil, err
		}
		fragNumber, err := r.u32()
		if err != nil {
			return nil, err
		}
		totalLength, err := r.u32()
		if err != nil {
			return nil, err
		}
		fragOffset, err := r.u32()
		if err != nil {
			return nil, err
		}
		data, err := r.lenPrefixedBytes()
		if err != nil {
			return nil, err
		}
		if id == CmdSendFragment {
			payload = &SendFragmentCommand{
				StartSequenceNumber: startSeq, FragmentCount: fragCount, FragmentNumber: fragNumber,
				TotalLength: totalLength, FragmentOffset: fragOffset, Data: data,
			}
		} else {
			payload = &SendUnreliableFragmentCommand{
				StartSequenceNumber: startSeq, FragmentCount: fragCount, FragmentNumber: fragNumber,
				TotalLength: totalLength, FragmentOffset: fragOffset, Data: data,
			}
		}
	case CmdSendUnsequenced:
		group, err := r.u16()
		if err != nil {
			return nil, err
		}
		data, err := r.lenPrefixedBytes()
		if err != nil {
			return nil, err
		}
		payload = &SendUnsequencedCommand{UnsequencedGroup: group, Data: data}
	case CmdBandwidthLimit:
		in, err := r.u32()
		if err != nil {
			return nil, err
		}
		out, err := r.u32()
		if err != nil {
			return nil, err
		}
		payload = &BandwidthLimitCommand{IncomingBandwidth: in, OutgoingBandwidth: out}
	case CmdThrottleConfigure:
		interval, err := r.u32()
		if err != nil {
			return nil, err
		}
		accel, err := r.u32()
		if err != nil {
			return nil, err
		}
		decel, err := r.u32()
		if err != nil {
			return nil, err
		}
		payload = &ThrottleConfigureCommand{Interval: interval, Accel: accel, Decel: decel}
	case CmdCount:
		payload = &CountCommand{}
	default:
		return nil, ErrUnknownCommandID
	}

	return &Command{Info: info, Command: payload}, nil
}

// connectLike is the shared Connect/VerifyConnect prefix (everything
// but Connect's trailing data field).
type connectLike struct {
	outgoingPeerID                                      uint16
	incomingSessionID, outgoingSessionID                uint8
	mtu, windowSize, channelCount                       uint32
	incomingBandwidth, outgoingBandwidth                uint32
	throttleInterval, throttleAccel, throttleDecel      uint32
	connectID                                           uint32
}

func decodeConnectLike(r *reader) (connectLike, error) {
	var c connectLike
	var err error
	if c.outgoingPeerID, err = r.u16(); err != nil {
		return c, err
	}
	if c.incomingSessionID, err = r.byte(); err != nil {
		return c, err
	}
	if c.outgoingSessionID, err = r.byte(); err != nil {
		return c, err
	}
	if c.mtu, err = r.u32(); err != nil {
		return c, err
	}
	if c.windowSize, err = r.u32(); err != nil {
		return c, err
	}
	if c.channelCount, err = r.u32(); err != nil {
		return c, err
	}
	if c.incomingBandwidth, err = r.u32(); err != nil {
		return c, err
	}
	if c.outgoingBandwidth, err = r.u32(); err != nil {
		return c, err
	}
	if c.throttleInterval, err = r.u32(); err != nil {
		return c, err
	}
	if c.throttleAccel, err = r.u32(); err != nil {
		return c, err
	}
	if c.throttleDecel, err = r.u32(); err != nil {
		return c, err
	}
	if c.connectID, err = r.u32(); err != nil {
		return c, err
	}
	return c, nil
}
