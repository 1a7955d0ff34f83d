package enet

import (
	"net"
	"time"

	"goenet/internal/wire"
)

// fakeSocket is an in-memory wire.Socket: Send records commands instead
// of writing to a real UDP socket, and Events/Errors are ordinary
// buffered channels the test fills directly. This lets host_test.go
// exercise the state machine without binding a port or waiting on real
// wall-clock timers.
type fakeSocket struct {
	events    chan *wire.Command
	errs      chan error
	sent      []*wire.Command
	localAddr net.Addr
}

func newFakeSocket(port int) *fakeSocket {
	return &fakeSocket{
		events:    make(chan *wire.Command, mailboxCapacity),
		errs:      make(chan error, 16),
		localAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
	}
}

func (s *fakeSocket) Events() <-chan *wire.Command { return s.events }
func (s *fakeSocket) Errors() <-chan error         { return s.errs }

func (s *fakeSocket) Send(cmd *wire.Command) error {
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *fakeSocket) LocalAddr() net.Addr { return s.localAddr }
func (s *fakeSocket) Close() error        { return nil }

// drain returns and clears every command recorded by Send.
func (s *fakeSocket) drain() []*wire.Command {
	out := s.sent
	s.sent = nil
	return out
}

// deliver re-encodes and decodes each of from's recorded sends (round
// tripping through the real wire codec) and pushes the result onto to's
// event channel, as the real UDPSocket's read loop would. now is the
// receiving Host's elapsed-since-start, used to expand sent_time.
func deliver(from, to *fakeSocket, now time.Duration) error {
	for _, cmd := range from.drain() {
		data, err := wire.Encode(cmd)
		if err != nil {
			return err
		}
		commands, err := wire.Decode(data, from.localAddr, now)
		if err != nil {
			return err
		}
		for _, c := range commands {
			to.events <- c
		}
	}
	return nil
}
