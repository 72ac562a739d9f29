package tsprobe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const defaultResolveTries = 4

// Resolver looks up host addresses; *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type ResolveConfig struct {
	Logger   *slog.Logger    // optional
	Resolver Resolver        // optional; net.DefaultResolver when nil
	MaxTries uint            // lookups attempted for temporary DNS errors; defaulted if zero
	BackOff  backoff.BackOff // optional; exponential when nil
}

func (cfg *ResolveConfig) Validate() error {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = defaultResolveTries
	}
	if cfg.BackOff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxInterval = 2 * time.Second
		cfg.BackOff = b
	}
	return nil
}

// Resolve returns the first IPv4 address of host. IP literals are returned
// as-is; temporary DNS failures are retried, anything else fails at once.
// Every failure wraps ErrResolution.
func Resolve(ctx context.Context, cfg ResolveConfig, host string) (*net.IPAddr, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrResolution)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() == nil {
			return nil, fmt.Errorf("%w: %s is not an IPv4 address", ErrResolution, host)
		}
		return &net.IPAddr{IP: ip.To4()}, nil
	}

	attempt := 0
	addr, err := backoff.Retry(ctx, func() (*net.IPAddr, error) {
		attempt++
		addrs, err := cfg.Resolver.LookupIPAddr(ctx, host)
		if err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
				cfg.Logger.Warn("tsprobe/resolve: lookup failed, retrying", "host", host, "attempt", attempt, "error", err)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		for _, a := range addrs {
			if ip4 := a.IP.To4(); ip4 != nil {
				return &net.IPAddr{IP: ip4}, nil
			}
		}
		return nil, backoff.Permanent(fmt.Errorf("no IPv4 address for %s", host))
	}, backoff.WithBackOff(cfg.BackOff), backoff.WithMaxTries(cfg.MaxTries))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResolution, host, err)
	}
	cfg.Logger.Debug("tsprobe/resolve: resolved", "host", host, "ip", addr.IP.String(), "attempts", attempt)
	return addr, nil
}
