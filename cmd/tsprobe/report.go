package main

import (
	"fmt"
	"io"
	"time"

	"github.com/malbeclabs/tsprobe/pkg/tsprobe"
)

// textReporter prints session outputs as plain lines.
type textReporter struct {
	w io.Writer
}

func newTextReporter(w io.Writer) *textReporter {
	return &textReporter{w: w}
}

func (r *textReporter) ReportLocalTime(ms uint32) {
	fmt.Fprintf(r.w, "Old time: %s\n", tsprobe.FormatMillisOfDay(ms))
}

func (r *textReporter) ReportRemoteTime(ms uint32) {
	fmt.Fprintf(r.w, "New time: %s\n", tsprobe.FormatMillisOfDay(ms))
}

func (r *textReporter) ReportRoundTrip(rtt time.Duration) {
	fmt.Fprintf(r.w, "Time between request and response: %d ms\n", rtt.Milliseconds())
}

func (r *textReporter) ReportTimeout(seq uint16) {
	fmt.Fprintln(r.w, "Request timed out")
}
