package enet

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"goenet/internal/metrics"
)

// Default timeouts, §5/§6.
const (
	DefaultPacketTimeout = 1 * time.Second
	DefaultRetryCount    = 5
	DefaultPingInterval  = 500 * time.Millisecond
	DefaultPollDuration  = 100 * time.Millisecond
)

// HostConfig is the configuration surface of §6: required fields,
// optional bandwidth/channel limits, and the timing knobs that drive
// the retransmit/ping/timeout sweep. Clock and Metrics are ambient
// collaborators (§2/§3 of the design notes), not wire-visible.
type HostConfig struct {
	// PeerCount is the soft cap on channels allocated per accepted peer
	// and the implicit concurrent-peer capacity. Required.
	PeerCount uint32

	// ChannelLimit optionally caps channel_count independent of
	// PeerCount; zero means unset.
	ChannelLimit uint32

	// IncomingBandwidth/OutgoingBandwidth are advertised to peers in
	// VerifyConnect; never enforced.
	IncomingBandwidth uint32
	OutgoingBandwidth uint32

	// StartTime is the epoch against which every CommandInfo.SentTime
	// and PacketTime expansion is relative.
	StartTime time.Time

	RetryCount    int
	PacketTimeout time.Duration
	PingInterval  time.Duration
	PollDuration  time.Duration

	// Clock abstracts time.Now/time.Since for deterministic testing of
	// the retransmit sweep and RTT estimator.
	Clock clockwork.Clock

	// Metrics is optional; nil disables collection entirely.
	Metrics *metrics.HostMetrics

	// Logger receives structured diagnostics; nil falls back to
	// slog.Default().
	Logger *slog.Logger
}

// Validate fills in defaults and rejects missing required fields,
// matching the Config.Validate() shape used throughout the pack for
// server configuration structs.
func (c *HostConfig) Validate() error {
	if c.PeerCount == 0 {
		return fmt.Errorf("enet: HostConfig.PeerCount is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.StartTime.IsZero() {
		c.StartTime = c.Clock.Now()
	}
	if c.RetryCount == 0 {
		c.RetryCount = DefaultRetryCount
	}
	if c.PacketTimeout == 0 {
		c.PacketTimeout = DefaultPacketTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PollDuration == 0 {
		c.PollDuration = DefaultPollDuration
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
