// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	venueOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tabhouse",
			Subsystem: "venue",
			Name:      "open",
			Help:      "1 while the venue is open for new business.",
		},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tabhouse",
			Subsystem: "venue",
			Name:      "transitions_total",
			Help:      "Operating state changes by new state and cause.",
		},
		[]string{"state", "cause"},
	)

	ticketTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tabhouse",
			Subsystem: "tickets",
			Name:      "transitions_total",
			Help:      "Ticket lifecycle actions applied.",
		},
		[]string{"action"},
	)

	ticketsHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tabhouse",
			Subsystem: "tickets",
			Name:      "held",
			Help:      "Tickets currently held per stage.",
		},
		[]string{"stage"},
	)

	closingRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tabhouse",
			Subsystem: "closing",
			Name:      "runs_total",
			Help:      "Closing sequence runs by result.",
		},
		[]string{"result"},
	)

	closingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tabhouse",
			Subsystem: "closing",
			Name:      "run_duration_seconds",
			Help:      "Wall time of closing sequence runs including the drain wait.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~43m
		},
	)

	archivedTickets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tabhouse",
			Subsystem: "closing",
			Name:      "archived_tickets_total",
			Help:      "Tickets written to daily archives.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tabhouse",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tabhouse",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		venueOpen,
		stateTransitions,
		ticketTransitions,
		ticketsHeld,
		closingRuns,
		closingDuration,
		archivedTickets,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordStateChange records an operating state change.
func RecordStateChange(open bool, cause string) {
	state := "closed"
	if open {
		state = "open"
		venueOpen.Set(1)
	} else {
		venueOpen.Set(0)
	}
	stateTransitions.WithLabelValues(state, cause).Inc()
}

// RecordTicketAction counts a lifecycle action.
func RecordTicketAction(action string) {
	ticketTransitions.WithLabelValues(action).Inc()
}

// SetTicketCounts publishes the current collection sizes.
func SetTicketCounts(active, completed, closed int) {
	ticketsHeld.WithLabelValues("active").Set(float64(active))
	ticketsHeld.WithLabelValues("completed").Set(float64(completed))
	ticketsHeld.WithLabelValues("closed").Set(float64(closed))
}

// RecordClosingRun records one closing sequence run.
func RecordClosingRun(result string, duration time.Duration, archived int) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	closingRuns.WithLabelValues(result).Inc()
	closingDuration.Observe(duration.Seconds())
	archivedTickets.Add(float64(archived))
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so websocket upgrades work behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// canonicalPath collapses ids so label cardinality stays bounded:
// /api/tickets/17/orders/abc -> /api/tickets/:id/orders/:order.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 3 && parts[0] == "api" {
		switch parts[1] {
		case "tickets":
			parts[2] = ":id"
			if len(parts) >= 5 && parts[3] == "orders" {
				parts[4] = ":order"
			}
		case "archives":
			parts[2] = ":date"
		}
	}
	return "/" + strings.Join(parts, "/")
}
