package wire

import "time"

// PacketTime is the low 16 bits, in milliseconds, of a duration since a
// Host's start epoch. It is the on-wire representation of sent_time.
type PacketTime uint16

// FromDuration truncates d to its low 16 bits of milliseconds.
func FromDuration(d time.Duration) PacketTime {
	return PacketTime(uint16(d.Milliseconds()))
}

// ToDuration expands pt back into a full Duration using curr (the
// current elapsed time since the same epoch) to recover the high bits:
// pt replaces curr's low 16 bits, and when pt's bit 15 is set while
// curr's own bit 15 is clear, pt is taken to come from the previous
// 0x10000ms window and 0x10000ms is subtracted. A result that would be
// negative or later than curr is reported invalid.
func ToDuration(pt PacketTime, curr time.Duration) (time.Duration, bool) {
	currMS := uint64(curr.Milliseconds())
	base := currMS & 0xFFFF0000
	lower := uint64(uint16(pt))
	candidate := base | lower

	if (candidate & 0x8000) > (currMS & 0x8000) {
		if candidate < 0x10000 {
			return 0, false
		}
		candidate -= 0x10000
	}

	if candidate > currMS {
		return 0, false
	}
	return time.Duration(candidate) * time.Millisecond, true
}
