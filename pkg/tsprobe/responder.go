//go:build linux

package tsprobe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

const defaultResponderTimeout = 1 * time.Second

// ResponderConfig defines how the timestamp responder binds and behaves.
// IP is REQUIRED; Interface optionally pins RX/TX to one device.
type ResponderConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock // stamps receive/transmit; real clock when nil
	Interface string          // optional: Linux ifname (e.g. "eth0")
	IP        net.IP          // required: IPv4 address to answer for
	Timeout   time.Duration   // per-iteration read timeout; 0 -> default
}

func (cfg *ResponderConfig) Validate() error {
	if cfg.IP == nil || cfg.IP.To4() == nil {
		return fmt.Errorf("IP must be an IPv4 address")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultResponderTimeout
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be greater than 0")
	}
	return nil
}

// Responder answers ICMP Timestamp Requests until ctx is done.
type Responder interface {
	Listen(ctx context.Context) error
}

type responder struct {
	log     *slog.Logger
	cfg     ResponderConfig
	ifIndex int
	src4    net.IP
}

func NewResponder(cfg ResponderConfig) (Responder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &responder{log: cfg.Logger, cfg: cfg, src4: cfg.IP.To4()}
	if cfg.Interface != "" {
		ifi, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("lookup interface %q: %w", cfg.Interface, err)
		}
		r.ifIndex = ifi.Index
	}
	return r, nil
}

func (r *responder) Listen(ctx context.Context) error {
	inst := fmt.Sprintf("%d/%p", os.Getpid(), r)
	r.log.Info("tsprobe/responder: starting", "inst", inst, "iface", r.cfg.Interface, "ip", r.src4)

	ipc, err := net.ListenIP("ip4:icmp", &net.IPAddr{IP: r.src4})
	if err != nil {
		return fmt.Errorf("ListenIP: %w", err)
	}
	defer ipc.Close()

	ip4c := ipv4.NewPacketConn(ipc)
	defer ip4c.Close()
	if err := ip4c.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true); err != nil {
		return fmt.Errorf("SetControlMessage: %w", err)
	}
	if r.cfg.Interface != "" {
		if err := bindToDevice(ipc, r.cfg.Interface); err != nil {
			return fmt.Errorf("bind-to-device %q: %w", r.cfg.Interface, err)
		}
	}

	// Interrupt blocking reads immediately on ctx cancellation.
	go func() {
		<-ctx.Done()
		_ = ipc.SetReadDeadline(time.Now().Add(-time.Hour))
	}()

	buf := make([]byte, recvBufSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = ipc.SetReadDeadline(time.Now().Add(r.cfg.Timeout))

		// net.IPConn strips the IPv4 header; buf holds the bare ICMP message.
		n, cm, raddr, err := ip4c.ReadFrom(buf)
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Debug("tsprobe/responder: read error", "error", err)
			continue
		}
		rcvd := MillisOfDay(r.cfg.Clock.Now())

		// Enforce ingress interface and destination when pinned.
		if cm != nil {
			if r.ifIndex != 0 && cm.IfIndex != r.ifIndex {
				continue
			}
			if !r.src4.IsUnspecified() && !cm.Dst.Equal(r.src4) {
				continue
			}
		}
		if !ChecksumValid(buf[:n]) {
			continue
		}
		req, err := ParseMessage(buf[:n])
		if err != nil || req.Type != ipv4.ICMPTypeTimestamp {
			continue
		}

		reply := &Message{
			Header:    Header{Type: ipv4.ICMPTypeTimestampReply, ID: req.ID, Seq: req.Seq},
			Originate: req.Originate,
			Receive:   rcvd,
			Transmit:  MillisOfDay(r.cfg.Clock.Now()),
		}
		dst := raddr.(*net.IPAddr)
		var wcm *ipv4.ControlMessage
		if r.ifIndex != 0 || !r.src4.IsUnspecified() {
			wcm = &ipv4.ControlMessage{IfIndex: r.ifIndex}
			if !r.src4.IsUnspecified() {
				wcm.Src = r.src4
			}
		}
		if _, err := ip4c.WriteTo(reply.Marshal(), wcm, dst); err != nil {
			r.log.Debug("tsprobe/responder: write failed", "error", err, "dst", dst.IP.String())
			continue
		}
		r.log.Info("tsprobe/responder: replied", "inst", inst, "dst", dst.IP.String(), "id", req.ID, "seq", req.Seq,
			"originate", req.Originate, "receive", reply.Receive, "transmit", reply.Transmit)
	}
}

// bindToDevice pins the socket to iface for both RX and TX routing.
func bindToDevice(c *net.IPConn, iface string) error {
	rc, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface)
	}); err != nil {
		return err
	}
	return serr
}
