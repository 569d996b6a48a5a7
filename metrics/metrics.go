package metrics

import (
	"net/http"
	"time"

	"imagegen-worker/generation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ticket result labels
const (
	TicketRejected  = "rejected"
	TicketCompleted = "completed"
	TicketPartial   = "completed_with_errors"
	TicketFailed    = "failed"
)

var (
	TicketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegen_tickets_total",
			Help: "Generation tickets by final result",
		},
		[]string{"result"}, // rejected|completed|completed_with_errors|failed
	)

	ImagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegen_images_total",
			Help: "Requested images by finish reason",
		},
		[]string{"reason"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imagegen_queue_depth",
			Help: "Tickets currently queued or running",
		},
	)

	WaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imagegen_queue_wait_seconds",
			Help:    "Time a ticket waited before it started",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	TicketDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imagegen_ticket_duration_seconds",
			Help:    "Time from admission to finish",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(TicketsTotal)
	prometheus.MustRegister(ImagesTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WaitDuration)
	prometheus.MustRegister(TicketDuration)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}

// ObserveFinish records a finished ticket and the reasons of its images.
func ObserveFinish(results []generation.Outcome, hadError, fault bool, d time.Duration) {
	TicketDuration.Observe(d.Seconds())
	TicketsTotal.WithLabelValues(TicketResult(hadError, fault)).Inc()
	for _, r := range results {
		ImagesTotal.WithLabelValues(string(r.Reason)).Inc()
	}
}

func TicketResult(hadError, fault bool) string {
	switch {
	case fault:
		return TicketFailed
	case hadError:
		return TicketPartial
	default:
		return TicketCompleted
	}
}
