package tsprobe

import (
	"encoding/binary"
	"fmt"
	"time"
)

// MillisPerDay is the number of milliseconds between two UTC midnights.
const MillisPerDay = 24 * 60 * 60 * 1000

// MillisOfDay returns t's UTC time of day in milliseconds (0..86,399,999).
func MillisOfDay(t time.Time) uint32 {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return uint32(t.Sub(midnight) / time.Millisecond)
}

// EncodeTimestamp returns the big-endian wire form of a millisecond-of-day value.
func EncodeTimestamp(ms uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ms)
	return b
}

// PutTimestamp writes ms big-endian into the first four bytes of b.
func PutTimestamp(b []byte, ms uint32) {
	binary.BigEndian.PutUint32(b, ms)
}

// DecodeTimestamp reads a big-endian millisecond-of-day value from b.
func DecodeTimestamp(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: timestamp needs 4 bytes, got %d", ErrMalformedBody, len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// RemoteNow estimates the remote clock's time of day when the reply was
// received: the transmit timestamp plus the remote's own processing delay.
// Arithmetic wraps modulo 2^32 like the wire fields.
func RemoteNow(originate, receive, transmit uint32) uint32 {
	return transmit + (receive - originate)
}

// FormatMillisOfDay renders a millisecond-of-day value as "Hh Mm Ss UTC".
func FormatMillisOfDay(ms uint32) string {
	d := time.Duration(ms) * time.Millisecond
	h := int64(d / time.Hour)
	m := int64(d/time.Minute) % 60
	s := int64(d/time.Second) % 60
	return fmt.Sprintf("%dh %dm %ds UTC", h, m, s)
}

// OffsetMillis returns remote-local in milliseconds, folded into
// (-12h, +12h] so values either side of UTC midnight compare sensibly.
func OffsetMillis(remote, local uint32) int64 {
	d := (int64(remote) - int64(local)) % MillisPerDay
	if d > MillisPerDay/2 {
		d -= MillisPerDay
	} else if d <= -MillisPerDay/2 {
		d += MillisPerDay
	}
	return d
}
