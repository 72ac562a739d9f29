package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/malbeclabs/tsprobe/internal/metrics"
	"github.com/malbeclabs/tsprobe/pkg/tsprobe"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultRetryDelay = 1 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = usage

	ifaceFlag := flag.StringP("iface", "i", "", "bind the probe socket to this interface")
	srcFlag := flag.StringP("src", "s", "", "source IPv4 address")
	timeoutFlag := flag.DurationP("timeout", "t", defaultTimeout, "wait for a reply before reporting a timeout")
	retryDelayFlag := flag.Duration("retry-delay", defaultRetryDelay, "extra delay after a timeout before resending")
	maxAttemptsFlag := flag.IntP("max-attempts", "c", 0, "give up after this many requests (0 retries forever)")
	skipChecksumFlag := flag.Bool("skip-checksum", false, "accept replies without verifying their ICMP checksum")
	metricsAddrFlag := flag.String("metrics-addr", "", "address to listen on for prometheus metrics (disabled when empty)")
	verboseFlag := flag.BoolP("verbose", "v", false, "enable verbose logs")
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return 0
	}
	if flag.NArg() != 1 {
		usage()
		return 1
	}
	if *timeoutFlag <= 0 {
		fmt.Fprintln(os.Stderr, "error: --timeout must be > 0")
		return 2
	}
	if *retryDelayFlag <= 0 {
		fmt.Fprintln(os.Stderr, "error: --retry-delay must be > 0")
		return 2
	}
	if *maxAttemptsFlag < 0 {
		fmt.Fprintln(os.Stderr, "error: --max-attempts must be >= 0")
		return 2
	}
	var srcIP net.IP
	if *srcFlag != "" {
		srcIP = net.ParseIP(*srcFlag).To4()
		if srcIP == nil {
			fmt.Fprintf(os.Stderr, "bad IPv4: %s\n", *srcFlag)
			return 2
		}
	}
	host := flag.Arg(0)

	log := newLogger(*verboseFlag)

	if err := tsprobe.RequirePrivileges(*ifaceFlag != ""); err != nil {
		fmt.Fprintf(os.Stderr, "privileges check failed: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to serve prometheus metrics", "error", err)
			}
		}()
	}

	dst, err := tsprobe.Resolve(ctx, tsprobe.ResolveConfig{Logger: log}, host)
	if err != nil {
		log.Error("failed to resolve destination", "host", host, "error", err)
		return 1
	}

	conn, err := tsprobe.ListenRaw(tsprobe.RawConnConfig{Interface: *ifaceFlag, Source: srcIP})
	if err != nil {
		log.Error("failed to open raw socket", "error", err)
		return 1
	}
	defer conn.Close()

	session, err := tsprobe.NewSession(tsprobe.SessionConfig{
		Logger:       log,
		Clock:        clockwork.NewRealClock(),
		Conn:         conn,
		Destination:  dst,
		Reporter:     newTextReporter(os.Stdout),
		Timeout:      *timeoutFlag,
		RetryDelay:   *retryDelayFlag,
		MaxAttempts:  *maxAttemptsFlag,
		SkipChecksum: *skipChecksumFlag,
	})
	if err != nil {
		log.Error("failed to create session", "error", err)
		return 1
	}

	res, err := session.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("interrupted", "state", session.State().String())
		} else {
			log.Error("probe failed", "host", host, "state", session.State().String(), "error", err)
		}
		return 1
	}
	log.Debug("probe done", "host", host, "seq", res.Seq, "attempts", res.Attempts, "rtt", res.RTT, "offset", res.Offset)
	return 0
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <host>\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "(You may need to run this program as root.)")
	flag.PrintDefaults()
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
