package tsprobe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/tsprobe/internal/metrics"
	"golang.org/x/net/ipv4"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultRetryDelay = 1 * time.Second

	// Large enough for any single IPv4 datagram.
	recvBufSize = 64 * 1024

	// Bounds each blocking read so the receive goroutine notices cancellation.
	recvPollSlice = 200 * time.Millisecond
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateIdle State = iota
	StateAwaitingReply
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingReply:
		return "awaiting-reply"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PacketConn is the datagram transport a Session probes over. ReadFrom must
// return whole IPv4 datagrams, header included.
type PacketConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, dst net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Reporter receives the user-facing outputs of a Session. Implementations only
// present values; they take no part in the exchange.
type Reporter interface {
	ReportLocalTime(millisOfDay uint32)
	ReportRemoteTime(millisOfDay uint32)
	ReportRoundTrip(rtt time.Duration)
	ReportTimeout(seq uint16)
}

type nopReporter struct{}

func (nopReporter) ReportLocalTime(uint32)        {}
func (nopReporter) ReportRemoteTime(uint32)       {}
func (nopReporter) ReportRoundTrip(time.Duration) {}
func (nopReporter) ReportTimeout(uint16)          {}

// SessionConfig configures a single probe exchange.
// Conn and Destination are REQUIRED.
type SessionConfig struct {
	Logger      *slog.Logger    // optional; discarded when nil
	Clock       clockwork.Clock // optional; real clock when nil
	Conn        PacketConn      // required
	Destination net.Addr        // required
	Reporter    Reporter        // optional

	ID           uint16        // ICMP identifier; pid & 0xffff when zero
	Timeout      time.Duration // wait per request before reporting a timeout; defaulted if zero
	RetryDelay   time.Duration // extra wait after a timeout before resending; defaulted if zero
	MaxAttempts  int           // 0 means retry forever
	SkipChecksum bool          // accept replies without verifying their checksum
}

// Validate enforces required fields and fills defaults.
func (cfg *SessionConfig) Validate() error {
	if cfg.Conn == nil {
		return errors.New("conn is required")
	}
	if cfg.Destination == nil {
		return errors.New("destination is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = nopReporter{}
	}
	if cfg.ID == 0 {
		cfg.ID = uint16(os.Getpid() & 0xffff)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Timeout < 0 {
		return errors.New("timeout must be greater than 0")
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.RetryDelay < 0 {
		return errors.New("retry delay must be greater than 0")
	}
	if cfg.MaxAttempts < 0 {
		return errors.New("max attempts must not be negative")
	}
	return nil
}

// Result is the outcome of an accepted reply.
type Result struct {
	Seq       uint16
	Attempts  int
	From      net.Addr
	Originate uint32
	Receive   uint32
	Transmit  uint32
	RemoteNow uint32        // estimated remote time of day, ms
	Offset    time.Duration // RemoteNow minus local time of day at reply
	RTT       time.Duration
}

type timerKind int

const (
	timerNone timerKind = iota
	timerTimeout
	timerRetry
)

// Session owns one outstanding timestamp request at a time. It is driven by
// Run and cannot be reused once Run has returned.
type Session struct {
	log *slog.Logger
	cfg SessionConfig

	state   atomic.Int32
	started atomic.Bool

	// Owned by the Run goroutine.
	seq      uint16
	replies  int
	attempts int
	sentAt   time.Time
	timer    clockwork.Timer
	timerFor timerKind
}

// NewSession validates cfg and returns an idle session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{log: cfg.Logger, cfg: cfg}, nil
}

// State reports the current state; safe to call from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

type datagram struct {
	b    []byte
	from net.Addr
	err  error
}

// Run sends the first request and drives the exchange until a matching reply
// is accepted (StateDone, nil error) or a fatal error occurs (StateFailed).
// Timeouts are retried until MaxAttempts is reached, forever by default.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, errors.New("session already run")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.stopTimer()

	recvCh := make(chan datagram)
	go s.receive(ctx, recvCh)

	if err := s.sendRequest(); err != nil {
		return nil, s.fail(err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, s.fail(ctx.Err())

		case <-s.timerChan():
			switch s.timerFor {
			case timerTimeout:
				if err := s.handleTimeout(); err != nil {
					return nil, s.fail(err)
				}
			case timerRetry:
				s.timer, s.timerFor = nil, timerNone
				if err := s.sendRequest(); err != nil {
					return nil, s.fail(err)
				}
			}

		case d := <-recvCh:
			if d.err != nil {
				metrics.RequestErrorsTotal.WithLabelValues("recv").Inc()
				return nil, s.fail(fmt.Errorf("%w: %w", ErrReceive, d.err))
			}
			if res := s.handleDatagram(d.b, d.from); res != nil {
				s.setState(StateDone)
				return res, nil
			}
		}
	}
}

func (s *Session) fail(err error) error {
	s.setState(StateFailed)
	s.log.Debug("tsprobe/session: failed", "seq", s.seq, "attempts", s.attempts, "error", err)
	return err
}

// timerChan returns the pending timer's channel, or nil (never ready) when no
// timer is armed.
func (s *Session) timerChan() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.Chan()
}

func (s *Session) armTimer(kind timerKind, d time.Duration) {
	s.stopTimer()
	s.timer = s.cfg.Clock.NewTimer(d)
	s.timerFor = kind
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer, s.timerFor = nil, timerNone
}

// sendRequest transmits the next request and arms the reply timeout.
func (s *Session) sendRequest() error {
	s.seq++
	s.attempts++

	now := MillisOfDay(s.cfg.Clock.Now())
	wb := NewRequest(s.cfg.ID, s.seq, now).Marshal()
	s.cfg.Reporter.ReportLocalTime(now)

	s.sentAt = s.cfg.Clock.Now()
	s.replies = 0
	if _, err := s.cfg.Conn.WriteTo(wb, s.cfg.Destination); err != nil {
		metrics.RequestErrorsTotal.WithLabelValues("send").Inc()
		return fmt.Errorf("%w: seq=%d: %w", ErrSend, s.seq, err)
	}
	s.armTimer(timerTimeout, s.cfg.Timeout)
	s.setState(StateAwaitingReply)
	metrics.RequestsSentTotal.Inc()

	s.log.Debug("tsprobe/session: sent", "seq", s.seq, "id", s.cfg.ID, "attempt", s.attempts, "dst", s.cfg.Destination.String(), "originate", now)
	return nil
}

// handleTimeout reports an unanswered request and schedules the retry.
func (s *Session) handleTimeout() error {
	if s.replies == 0 {
		metrics.TimeoutsTotal.Inc()
		s.cfg.Reporter.ReportTimeout(s.seq)
		s.log.Warn("tsprobe/session: timeout", "seq", s.seq, "attempt", s.attempts, "timeout", s.cfg.Timeout)
	}
	if s.cfg.MaxAttempts > 0 && s.attempts >= s.cfg.MaxAttempts {
		return fmt.Errorf("%w: no reply after %d attempts", ErrTimeout, s.attempts)
	}
	s.armTimer(timerRetry, s.cfg.RetryDelay)
	return nil
}

// handleDatagram returns a result when b is the reply to the outstanding
// request, and nil when it must be discarded.
func (s *Session) handleDatagram(b []byte, from net.Addr) *Result {
	_, icmp, err := StripIPv4Header(b)
	if err != nil {
		s.discard(metrics.DiscardReasonIPHeader, from, err)
		return nil
	}
	hdr, body, err := ParseHeader(icmp)
	if err != nil {
		s.discard(metrics.DiscardReasonHeader, from, err)
		return nil
	}
	if hdr.Type != ipv4.ICMPTypeTimestampReply || hdr.ID != s.cfg.ID || hdr.Seq != s.seq {
		s.log.Debug("tsprobe/session: ignored", "from", addrString(from), "icmp_type", int(hdr.Type), "id", hdr.ID, "seq", hdr.Seq, "want_seq", s.seq)
		metrics.DatagramsDiscardedTotal.WithLabelValues(metrics.DiscardReasonUnmatched).Inc()
		return nil
	}
	if !s.cfg.SkipChecksum && !ChecksumValid(icmp) {
		s.discard(metrics.DiscardReasonChecksum, from, fmt.Errorf("%w: seq=%d", ErrBadChecksum, hdr.Seq))
		return nil
	}
	msg := &Message{Header: *hdr}
	if err := msg.parseBody(body); err != nil {
		s.discard(metrics.DiscardReasonBody, from, err)
		return nil
	}

	if s.replies == 0 {
		s.stopTimer()
	}
	s.replies++

	now := s.cfg.Clock.Now()
	rtt := now.Sub(s.sentAt)
	remote := RemoteNow(msg.Originate, msg.Receive, msg.Transmit)
	offset := OffsetMillis(remote, MillisOfDay(now))

	metrics.RepliesAcceptedTotal.Inc()
	metrics.RoundTripSeconds.Observe(rtt.Seconds())
	metrics.RemoteOffsetMillis.Set(float64(offset))

	s.cfg.Reporter.ReportRoundTrip(rtt)
	s.cfg.Reporter.ReportRemoteTime(remote)

	s.log.Info("tsprobe/session: reply", "seq", hdr.Seq, "from", addrString(from), "rtt", rtt,
		"originate", msg.Originate, "receive", msg.Receive, "transmit", msg.Transmit, "remote_now", FormatMillisOfDay(remote))

	return &Result{
		Seq:       hdr.Seq,
		Attempts:  s.attempts,
		From:      from,
		Originate: msg.Originate,
		Receive:   msg.Receive,
		Transmit:  msg.Transmit,
		RemoteNow: remote,
		Offset:    time.Duration(offset) * time.Millisecond,
		RTT:       rtt,
	}
}

func (s *Session) discard(reason string, from net.Addr, err error) {
	metrics.DatagramsDiscardedTotal.WithLabelValues(reason).Inc()
	s.log.Debug("tsprobe/session: discarded", "from", addrString(from), "reason", reason, "error", err)
}

// receive keeps exactly one read outstanding and hands each datagram to the
// Run loop. It exits when ctx is done.
func (s *Session) receive(ctx context.Context, out chan<- datagram) {
	buf := make([]byte, recvBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = s.cfg.Conn.SetReadDeadline(time.Now().Add(recvPollSlice))
		n, from, err := s.cfg.Conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
		}
		d := datagram{from: from, err: err}
		if err == nil {
			d.b = append([]byte(nil), buf[:n]...)
		}
		select {
		case out <- d:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
