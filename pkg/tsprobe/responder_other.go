//go:build !linux

package tsprobe

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
)

type ResponderConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Interface string
	IP        net.IP
	Timeout   time.Duration
}

type Responder interface {
	Listen(ctx context.Context) error
}

func NewResponder(cfg ResponderConfig) (Responder, error) {
	return nil, ErrPlatformNotSupported
}
