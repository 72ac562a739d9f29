package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/malbeclabs/tsprobe/pkg/tsprobe"
	"github.com/spf13/pflag"
)

func main() {
	var (
		iface   string
		ipStr   string
		timeout time.Duration
		verbose bool
	)

	pflag.StringVarP(&iface, "iface", "i", "", "interface to bind for RX/TX (optional)")
	pflag.StringVarP(&ipStr, "ip", "p", "", "IPv4 address to answer timestamp requests for (required)")
	pflag.DurationVarP(&timeout, "timeout", "t", time.Second, "read poll timeout")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logs")
	pflag.Parse()

	fail := func(msg string, code int) {
		fmt.Fprintf(os.Stderr, "error: %s\n", msg)
		pflag.Usage()
		os.Exit(code)
	}
	if ipStr == "" {
		fail("missing --ip", 2)
	}
	if timeout <= 0 {
		fail("--timeout must be > 0", 2)
	}
	ip := net.ParseIP(ipStr).To4()
	if ip == nil {
		fail(fmt.Sprintf("bad IPv4: %s", ipStr), 2)
	}

	if err := tsprobe.RequirePrivileges(iface != ""); err != nil {
		fmt.Fprintf(os.Stderr, "privileges check failed: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.RFC3339}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := tsprobe.NewResponder(tsprobe.ResponderConfig{
		Logger:    log,
		Interface: iface,
		IP:        ip,
		Timeout:   timeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create responder: %v\n", err)
		os.Exit(1)
	}

	if err := r.Listen(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "listen error: %v\n", err)
		os.Exit(1)
	}
}
