//go:build linux

package tsprobe

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

func TestTSProbe_RawConnConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, (&RawConnConfig{}).Validate())
	require.NoError(t, (&RawConnConfig{Source: net.IPv4(127, 0, 0, 1)}).Validate())
	require.Error(t, (&RawConnConfig{Source: net.ParseIP("2001:db8::1")}).Validate())
}

func TestTSProbe_DurationToTimeval(t *testing.T) {
	t.Parallel()

	require.Zero(t, durationToTimeval(0))
	require.Zero(t, durationToTimeval(-time.Second))
	tv := durationToTimeval(1500 * time.Millisecond)
	require.EqualValues(t, 1, tv.Sec)
	require.EqualValues(t, 500_000, tv.Usec)
}

func TestTSProbe_RawConn_PastDeadline_TimesOut(t *testing.T) {
	t.Parallel()
	requireRawSockets(t)

	c, err := ListenRaw(RawConnConfig{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(-time.Second)))
	_, _, err = c.ReadFrom(make([]byte, 1500))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout())
}

func TestTSProbe_RawConn_Close(t *testing.T) {
	t.Parallel()
	requireRawSockets(t)

	c, err := ListenRaw(RawConnConfig{})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, _, err = c.ReadFrom(make([]byte, 1500))
	require.ErrorIs(t, err, net.ErrClosed)
	_, err = c.WriteTo(NewRequest(1, 1, 1).Marshal(), &net.IPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.ErrorIs(t, err, net.ErrClosed)
	require.ErrorIs(t, c.SetReadDeadline(time.Time{}), net.ErrClosed)
}

func TestTSProbe_RawConn_BadInterface(t *testing.T) {
	t.Parallel()
	requireRawSockets(t)

	_, err := ListenRaw(RawConnConfig{Interface: "does-not-exist0"})
	require.Error(t, err)
}

func TestTSProbe_RawConn_WriteTo_RejectsNonIPv4(t *testing.T) {
	t.Parallel()
	requireRawSockets(t)

	c, err := ListenRaw(RawConnConfig{})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.WriteTo([]byte{1}, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.Error(t, err)
	_, err = c.WriteTo([]byte{1}, &net.IPAddr{IP: net.ParseIP("::1")})
	require.Error(t, err)
}

// Reads on the raw socket carry the IPv4 header ahead of the ICMP message.
func TestTSProbe_RawConn_Loopback_ReadsIncludeIPHeader(t *testing.T) {
	t.Parallel()
	requireRawSockets(t)

	c, err := ListenRaw(RawConnConfig{Interface: "lo", Source: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer c.Close()

	const id, seq = 0x7a7a, 0x0101
	_, err = c.WriteTo(NewRequest(id, seq, 42).Marshal(), &net.IPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	buf := make([]byte, recvBufSize)
	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, c.SetReadDeadline(deadline))
	for time.Now().Before(deadline) {
		n, from, err := c.ReadFrom(buf)
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1", from.String())

		ihl, rest, err := StripIPv4Header(buf[:n])
		require.NoError(t, err)
		require.GreaterOrEqual(t, ihl, 20)
		m, err := ParseMessage(rest)
		if err != nil || m.ID != id || m.Seq != seq {
			continue
		}
		// Either our own request looping back or the kernel's reply to it.
		require.Contains(t, []ipv4.ICMPType{ipv4.ICMPTypeTimestamp, ipv4.ICMPTypeTimestampReply}, m.Type)
		require.Equal(t, uint32(42), m.Originate)
		return
	}
	t.Fatal("request not observed on loopback")
}

// Skips when the process cannot open raw ICMP sockets.
func requireRawSockets(t *testing.T) {
	t.Helper()
	c, err := net.ListenIP("ip4:icmp", &net.IPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Skipf("raw ICMP sockets unavailable: %v", err)
	}
	_ = c.Close()
}
