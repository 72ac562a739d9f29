//go:build !linux

package tsprobe

import (
	"net"
	"time"
)

type RawConnConfig struct {
	Interface string
	Source    net.IP
}

type RawConn struct{}

func ListenRaw(cfg RawConnConfig) (*RawConn, error) {
	return nil, ErrPlatformNotSupported
}

func (c *RawConn) WriteTo(b []byte, dst net.Addr) (int, error) { return 0, ErrPlatformNotSupported }

func (c *RawConn) ReadFrom(b []byte) (int, net.Addr, error) { return 0, nil, ErrPlatformNotSupported }

func (c *RawConn) SetReadDeadline(t time.Time) error { return ErrPlatformNotSupported }

func (c *RawConn) Close() error { return nil }
