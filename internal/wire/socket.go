package wire

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// maxReadBufferSize is sized for the largest legal UDP payload; reused
// across reads via sync.Pool rather than allocated per datagram.
const maxReadBufferSize = 65535

// Socket is the adapter a Host drives: Events yields one decoded
// command at a time (buffering extras from the same datagram in a
// FIFO), Send encodes and writes one command as one datagram.
type Socket interface {
	Events() <-chan *Command
	Errors() <-chan error
	Send(cmd *Command) error
	LocalAddr() net.Addr
	Close() error
}

// UDPSocket is the real Socket backed by a bound net.UDPConn. A single
// background goroutine reads datagrams and decodes them; the Host's own
// goroutine is the only caller of Send, so no write-side locking is
// needed.
type UDPSocket struct {
	conn      *net.UDPConn
	clock     clockwork.Clock
	start     time.Time
	events    chan *Command
	errs      chan error
	bufPool   sync.Pool
	closeOnce sync.Once
	done      chan struct{}
}

// NewUDPSocket binds addr and starts the background receive loop. The
// returned socket's Events/Errors channels are closed once Close is
// called; ctx is checked only between reads, so after ctx is done they
// close when the blocked read next returns.
func NewUDPSocket(ctx context.Context, addr string, clock clockwork.Clock, start time.Time) (*UDPSocket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("bind udp socket %q: %w", addr, err)
	}

	s := &UDPSocket{
		conn:   conn,
		clock:  clock,
		start:  start,
		events: make(chan *Command, 100),
		errs:   make(chan error, 16),
		done:   make(chan struct{}),
	}
	s.bufPool.New = func() any {
		b := make([]byte, maxReadBufferSize)
		return &b
	}

	go s.readLoop(ctx)
	return s, nil
}

func (s *UDPSocket) readLoop(ctx context.Context) {
	defer close(s.events)
	defer close(s.errs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		bufp := s.bufPool.Get().(*[]byte)
		buf := *bufp
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			s.bufPool.Put(bufp)
			select {
			case <-s.done:
				return
			default:
			}
			select {
			case s.errs <- fmt.Errorf("udp read: %w", err):
			case <-s.done:
				return
			}
			continue
		}

		now := s.clock.Since(s.start)
		commands, err := Decode(buf[:n], addr, now)
		s.bufPool.Put(bufp)
		if err != nil {
			select {
			case s.errs <- fmt.Errorf("decode datagram from %s: %w", addr, err):
			case <-s.done:
				return
			}
			continue
		}
		for _, cmd := range commands {
			select {
			case s.events <- cmd:
			case <-s.done:
				return
			}
		}
	}
}

func (s *UDPSocket) Events() <-chan *Command { return s.events }
func (s *UDPSocket) Errors() <-chan error    { return s.errs }

func (s *UDPSocket) Send(cmd *Command) error {
	data, err := Encode(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	addr, ok := cmd.Info.Addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("send: command has no UDP address")
	}
	_, err = s.conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("udp write to %s: %w", addr, err)
	}
	return nil
}

func (s *UDPSocket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *UDPSocket) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.conn.Close()
}
