package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DiscardReasonIPHeader  = "ip_header"
	DiscardReasonHeader    = "icmp_header"
	DiscardReasonBody      = "body"
	DiscardReasonChecksum  = "checksum"
	DiscardReasonUnmatched = "unmatched"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tsprobe_build_info",
			Help: "Build information of tsprobe",
		},
		[]string{"version", "commit", "date"},
	)

	RequestsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsprobe_requests_sent_total",
		Help: "Total number of ICMP timestamp requests transmitted",
	})

	RequestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsprobe_request_errors_total",
		Help: "Total number of transport errors while probing",
	}, []string{"op"})

	TimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsprobe_timeouts_total",
		Help: "Total number of timestamp requests that went unanswered",
	})

	RepliesAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsprobe_replies_accepted_total",
		Help: "Total number of timestamp replies matched to an outstanding request",
	})

	DatagramsDiscardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsprobe_datagrams_discarded_total",
		Help: "Total number of received datagrams discarded while waiting for a reply",
	}, []string{"reason"})

	RoundTripSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tsprobe_round_trip_seconds",
		Help:    "Round-trip time of accepted timestamp replies",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
	})

	RemoteOffsetMillis = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tsprobe_remote_offset_milliseconds",
		Help: "Estimated remote time of day minus local time of day at reply, in milliseconds",
	})
)
