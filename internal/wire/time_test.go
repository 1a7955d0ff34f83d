package wire

import (
	"testing"
	"time"
)

func TestPacketTimeRoundTrip(t *testing.T) {
	// Durations whose low-16-bit value has bit 15 set (59s, 65535ms) are
	// covered by TestPacketTimeHighBitValidBeforeFirstWrap below.
	cases := []time.Duration{
		0,
		500 * time.Millisecond,
		10 * time.Minute,
	}
	for _, d := range cases {
		pt := FromDuration(d)
		got, ok := ToDuration(pt, d)
		if !ok {
			t.Fatalf("ToDuration(%v) reported invalid", d)
		}
		if got != d.Truncate(time.Millisecond) {
			t.Errorf("round trip %v -> %v -> %v, want %v", d, pt, got, d.Truncate(time.Millisecond))
		}
	}
}

func TestPacketTimeExpandsAcrossWrapBoundary(t *testing.T) {
	curr := 70*time.Second + 100*time.Millisecond // 70100ms, low16 = 4564
	sent := 69*time.Second + 900*time.Millisecond // 69900ms, low16 = 4364, no wrap needed

	got, ok := ToDuration(FromDuration(sent), curr)
	if !ok {
		t.Fatal("expected valid expansion")
	}
	if got != sent {
		t.Errorf("expanded %v, want %v", got, sent)
	}
}

func TestPacketTimeRejectsFutureExpansion(t *testing.T) {
	// A sent_time whose low bits decode to something after curr, with no
	// earlier wrap available, is invalid: the peer claims to have sent
	// a packet after "now".
	curr := 100 * time.Millisecond
	future := PacketTime(60000) // would expand to 60000ms, far past curr
	if _, ok := ToDuration(future, curr); ok {
		t.Error("expected expansion exceeding curr to be rejected")
	}
}

// TestPacketTimeHighBitValidBeforeFirstWrap checks that durations whose
// low 16 bits are >= 0x8000 round-trip while curr is still under
// 0x10000ms: pt's bit 15 is compared against curr's own bit 15, so an
// exact, non-wrapped value is not pulled back into a previous window.
func TestPacketTimeHighBitValidBeforeFirstWrap(t *testing.T) {
	for _, d := range []time.Duration{59 * time.Second, (1<<16 - 1) * time.Millisecond} {
		got, ok := ToDuration(FromDuration(d), d)
		if !ok {
			t.Errorf("ToDuration(%v) against itself reported invalid", d)
			continue
		}
		if got != d {
			t.Errorf("ToDuration(%v) against itself = %v, want %v", d, got, d)
		}
	}
}

func TestPacketTimeHighBitValidAfterFirstWrap(t *testing.T) {
	// A high-bit value from the previous 0x10000ms window expands back
	// to its original duration once curr has moved into the next window.
	curr := 70*time.Second + 500*time.Millisecond // 70500ms, low16 = 4964, bit15 clear
	sent := 59 * time.Second                      // 59000ms, low16 bit15 set: base|low16 = 124536ms, minus 0x10000 = 59000ms

	got, ok := ToDuration(FromDuration(sent), curr)
	if !ok {
		t.Fatal("expected valid expansion once curr is past the first wrap")
	}
	if got != sent {
		t.Errorf("expanded %v, want %v", got, sent)
	}
}
