package tsprobe

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"
)

func TestTSProbe_Resolve_IPv4Literal(t *testing.T) {
	t.Parallel()

	r := &fakeResolver{}
	addr, err := Resolve(t.Context(), resolveCfg(r), "192.0.2.7")
	require.NoError(t, err)
	require.Equal(t, "192.0.2.7", addr.IP.String())
	require.Len(t, addr.IP, net.IPv4len)
	require.Zero(t, r.callCount(), "literals must not hit the resolver")
}

func TestTSProbe_Resolve_RejectsNonIPv4(t *testing.T) {
	t.Parallel()

	for _, host := range []string{"", "2001:db8::1", "::1"} {
		_, err := Resolve(t.Context(), resolveCfg(&fakeResolver{}), host)
		require.ErrorIs(t, err, ErrResolution, host)
	}
}

func TestTSProbe_Resolve_PicksFirstIPv4(t *testing.T) {
	t.Parallel()

	r := &fakeResolver{steps: []resolveStep{{addrs: []net.IPAddr{
		{IP: net.ParseIP("2001:db8::1")},
		{IP: net.ParseIP("198.51.100.10")},
		{IP: net.ParseIP("198.51.100.11")},
	}}}}
	addr, err := Resolve(t.Context(), resolveCfg(r), "time.example.net")
	require.NoError(t, err)
	require.Equal(t, "198.51.100.10", addr.IP.String())
	require.Equal(t, 1, r.callCount())
}

func TestTSProbe_Resolve_RetriesTemporaryErrors(t *testing.T) {
	t.Parallel()

	r := &fakeResolver{steps: []resolveStep{
		{err: &net.DNSError{Err: "server misbehaving", Name: "time.example.net", IsTemporary: true}},
		{err: &net.DNSError{Err: "i/o timeout", Name: "time.example.net", IsTimeout: true}},
		{addrs: []net.IPAddr{{IP: net.ParseIP("198.51.100.10")}}},
	}}
	addr, err := Resolve(t.Context(), resolveCfg(r), "time.example.net")
	require.NoError(t, err)
	require.Equal(t, "198.51.100.10", addr.IP.String())
	require.Equal(t, 3, r.callCount())
}

func TestTSProbe_Resolve_PermanentErrorFailsFast(t *testing.T) {
	t.Parallel()

	notFound := &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}
	r := &fakeResolver{steps: []resolveStep{{err: notFound}}}
	_, err := Resolve(t.Context(), resolveCfg(r), "nope.invalid")
	require.ErrorIs(t, err, ErrResolution)
	var dnsErr *net.DNSError
	require.ErrorAs(t, err, &dnsErr)
	require.True(t, dnsErr.IsNotFound)
	require.Equal(t, 1, r.callCount())

	r = &fakeResolver{steps: []resolveStep{{err: errors.New("boom")}}}
	_, err = Resolve(t.Context(), resolveCfg(r), "time.example.net")
	require.ErrorIs(t, err, ErrResolution)
	require.Equal(t, 1, r.callCount())
}

func TestTSProbe_Resolve_NoIPv4Answer(t *testing.T) {
	t.Parallel()

	r := &fakeResolver{steps: []resolveStep{{addrs: []net.IPAddr{{IP: net.ParseIP("2001:db8::1")}}}}}
	_, err := Resolve(t.Context(), resolveCfg(r), "v6only.example.net")
	require.ErrorIs(t, err, ErrResolution)
	require.ErrorContains(t, err, "no IPv4 address")
	require.Equal(t, 1, r.callCount())
}

func TestTSProbe_Resolve_GivesUpAfterMaxTries(t *testing.T) {
	t.Parallel()

	temp := resolveStep{err: &net.DNSError{Err: "server misbehaving", IsTemporary: true}}
	r := &fakeResolver{steps: []resolveStep{temp, temp, temp, temp, temp, temp}}
	cfg := resolveCfg(r)
	cfg.MaxTries = 3
	_, err := Resolve(t.Context(), cfg, "time.example.net")
	require.ErrorIs(t, err, ErrResolution)
	require.Equal(t, 3, r.callCount())
}

func TestTSProbe_Resolve_ContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	r := &fakeResolver{steps: []resolveStep{{err: context.Canceled}}}
	_, err := Resolve(ctx, resolveCfg(r), "time.example.net")
	require.ErrorIs(t, err, ErrResolution)
}

func resolveCfg(r Resolver) ResolveConfig {
	return ResolveConfig{Logger: log, Resolver: r, BackOff: &backoff.ZeroBackOff{}}
}

type resolveStep struct {
	addrs []net.IPAddr
	err   error
}

// fakeResolver replays steps in order and repeats the last one once exhausted.
type fakeResolver struct {
	mu    sync.Mutex
	steps []resolveStep
	calls int
}

func (r *fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.steps) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	i := min(r.calls, len(r.steps)) - 1
	return r.steps[i].addrs, r.steps[i].err
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
