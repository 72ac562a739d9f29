package tsprobe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTSProbe_Timestamp_EncodeDecode_Roundtrip(t *testing.T) {
	t.Parallel()

	for _, v := range []uint32{0, 1, 255, 256, 12_345_678, MillisPerDay - 1, 0xffffffff} {
		b := EncodeTimestamp(v)
		got, err := DecodeTimestamp(b[:])
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
	require.Equal(t, [4]byte{0x05, 0x26, 0x5c, 0x00}, EncodeTimestamp(86_400_000))
}

func TestTSProbe_DecodeTimestamp_Short(t *testing.T) {
	t.Parallel()

	_, err := DecodeTimestamp([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedBody)
}

func TestTSProbe_MillisOfDay(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint32(0), MillisOfDay(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, uint32(3*3_600_000+4*60_000+5_000+6), MillisOfDay(time.Date(2025, 1, 2, 3, 4, 5, 6_000_000, time.UTC)))
	require.Equal(t, uint32(MillisPerDay-1), MillisOfDay(time.Date(2025, 1, 2, 23, 59, 59, 999_999_999, time.UTC)))

	// Local zones are converted to UTC first.
	zone := time.FixedZone("UTC+2", 2*3600)
	require.Equal(t, uint32(3_600_000), MillisOfDay(time.Date(2025, 1, 2, 3, 0, 0, 0, zone)))
}

func TestTSProbe_RemoteNow(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint32(210), RemoteNow(100, 150, 160))

	// Negative processing delay wraps modulo 2^32 and comes back on addition.
	require.Equal(t, uint32(10), RemoteNow(20, 10, 20))

	// Originate before midnight, receive after it: the sum wraps at 2^32, not at a day.
	require.Equal(t, uint32(4_208_567_321), RemoteNow(MillisPerDay-10, 5, 10))
}

func TestTSProbe_FormatMillisOfDay(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0h 0m 0s UTC", FormatMillisOfDay(0))
	require.Equal(t, "3h 4m 5s UTC", FormatMillisOfDay(3*3_600_000+4*60_000+5_999))
	require.Equal(t, "23h 59m 59s UTC", FormatMillisOfDay(MillisPerDay-1))
}

func TestTSProbe_OffsetMillis(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(50), OffsetMillis(150, 100))
	require.Equal(t, int64(-50), OffsetMillis(100, 150))
	// Remote just past midnight, local just before it.
	require.Equal(t, int64(20), OffsetMillis(10, MillisPerDay-10))
	require.Equal(t, int64(-20), OffsetMillis(MillisPerDay-10, 10))
}
