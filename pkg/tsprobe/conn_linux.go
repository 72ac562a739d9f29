//go:build linux

package tsprobe

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Caps each blocking Recvfrom so read deadlines are honored promptly.
const maxPollSlice = 200 * time.Millisecond

// RawConnConfig configures the raw ICMPv4 socket. Both fields are optional.
type RawConnConfig struct {
	Interface string // bind RX/TX to this interface (SO_BINDTODEVICE)
	Source    net.IP // bind to this local IPv4 address
}

func (cfg *RawConnConfig) Validate() error {
	if cfg.Source != nil && cfg.Source.To4() == nil {
		return fmt.Errorf("source must be a valid IPv4 address")
	}
	return nil
}

// RawConn is a raw IPv4 ICMP socket. Unlike net.IPConn, reads return the IPv4
// header together with the ICMP message.
type RawConn struct {
	mu       sync.Mutex
	fd       int
	closed   bool
	deadline time.Time
}

// ListenRaw opens a raw ICMP socket, sets TTL and applies the optional
// interface and source bindings. Requires CAP_NET_RAW.
func ListenRaw(cfg RawConnConfig) (*RawConn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, fmt.Errorf("open raw icmp socket: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	// Kernel builds the IPv4 header for raw ICMP sockets.
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, 64)

	if cfg.Interface != "" {
		if _, err := net.InterfaceByName(cfg.Interface); err != nil {
			return nil, fmt.Errorf("lookup interface %q: %w", cfg.Interface, err)
		}
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, cfg.Interface); err != nil {
			return nil, fmt.Errorf("bind-to-device %q: %w", cfg.Interface, err)
		}
	}
	if cfg.Source != nil {
		sa := &unix.SockaddrInet4{}
		copy(sa.Addr[:], cfg.Source.To4())
		if err := unix.Bind(fd, sa); err != nil {
			return nil, fmt.Errorf("bind %s: %w", cfg.Source, err)
		}
	}

	ok = true
	return &RawConn{fd: fd}, nil
}

// WriteTo sends one ICMP message to dst, which must be an IPv4 *net.IPAddr.
func (c *RawConn) WriteTo(b []byte, dst net.Addr) (int, error) {
	ipa, ok := dst.(*net.IPAddr)
	if !ok || ipa.IP.To4() == nil {
		return 0, fmt.Errorf("invalid destination %v", dst)
	}
	sa := &unix.SockaddrInet4{}
	copy(sa.Addr[:], ipa.IP.To4())

	fd, err := c.currentFD()
	if err != nil {
		return 0, err
	}
	for {
		err = unix.Sendto(fd, b, 0, sa)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		break
	}
	if err != nil {
		return 0, &net.OpError{Op: "write", Net: "ip4:icmp", Addr: dst, Err: err}
	}
	return len(b), nil
}

// ReadFrom reads one IPv4 datagram, header included. It returns an error
// satisfying net.Error with Timeout() == true once the read deadline passes.
func (c *RawConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		fd, err := c.currentFD()
		if err != nil {
			return 0, nil, err
		}
		if !c.applyRecvSlice(fd) {
			return 0, nil, os.ErrDeadlineExceeded
		}
		n, from, err := unix.Recvfrom(fd, b, 0)
		if err != nil {
			// Expected when the poll slice elapses; loop re-checks the deadline.
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, nil, &net.OpError{Op: "read", Net: "ip4:icmp", Err: err}
		}
		var addr net.Addr
		if sa, ok := from.(*unix.SockaddrInet4); ok {
			addr = &net.IPAddr{IP: net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3])}
		}
		return n, addr, nil
	}
}

// SetReadDeadline bounds subsequent ReadFrom calls; the zero value disables it.
func (c *RawConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.deadline = t
	return nil
}

// Close closes the socket. Pending reads return within one poll slice.
func (c *RawConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}

func (c *RawConn) currentFD() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return -1, net.ErrClosed
	}
	return c.fd, nil
}

// applyRecvSlice sets SO_RCVTIMEO to min(deadline-now, maxPollSlice). Returns
// false if the deadline has already passed.
func (c *RawConn) applyRecvSlice(fd int) bool {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	remain := maxPollSlice
	if !deadline.IsZero() {
		remain = time.Until(deadline)
		if remain <= 0 {
			return false
		}
		if remain > maxPollSlice {
			remain = maxPollSlice
		}
	}
	tv := durationToTimeval(remain)
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	return true
}

// durationToTimeval converts a Go duration to a timeval for SO_RCVTIMEO.
func durationToTimeval(d time.Duration) unix.Timeval {
	if d <= 0 {
		return unix.Timeval{}
	}
	return unix.NsecToTimeval(d.Nanoseconds())
}
