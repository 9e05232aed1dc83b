package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"prorata/internal/model"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "prorata",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prorata",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "prorata",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prorata",
			Name:      "events_total",
			Help:      "Total number of change notifications emitted.",
		},
		[]string{"kind"},
	)

	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prorata",
			Name:      "executions_total",
			Help:      "Total number of external action invocations.",
		},
		[]string{"outcome"},
	)

	poolsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prorata",
			Name:      "pools_created_total",
			Help:      "Total number of pools created.",
		},
	)

	distributionRecipients = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prorata",
			Name:      "distribution_recipients_total",
			Help:      "Total number of payouts made by distributions.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		events,
		executions,
		poolsCreated,
		distributionRecipients,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveEvent counts one emitted change notification. Wire it to the
// ledger as a subscriber.
func ObserveEvent(ev model.Event) {
	events.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case model.KindPoolCreated:
		poolsCreated.Inc()
	case model.KindExecuted:
		outcome := "success"
		if !ev.Success {
			outcome = "failure"
		}
		executions.WithLabelValues(outcome).Inc()
	case model.KindDistributed:
		distributionRecipients.Add(float64(ev.Recipients))
	}
}

// RegisterMirror exposes the mirror's health as collectors. Called once
// at startup when a mirror is wired in.
func RegisterMirror(dropped func() uint64, desynced func() bool) {
	Registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "prorata",
			Subsystem: "mirror",
			Name:      "dropped_events_total",
			Help:      "Events that overflowed the mirror buffer and were recovered via the journal.",
		}, func() float64 { return float64(dropped()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "prorata",
			Subsystem: "mirror",
			Name:      "desynced",
			Help:      "1 while the mirror is waiting on a journal re-sync.",
		}, func() float64 {
			if desynced() {
				return 1
			}
			return 0
		}),
	)
}

// InstrumentHandler wraps the provided handler with HTTP metrics
// collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		route := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
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

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack hands the connection to upgrade handlers such as the event feed.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *statusRecorder) Flush() {
	if fl, ok := r.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

// canonicalPath collapses per-pool path segments so label cardinality
// stays bounded by the route table, not by pool count.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "v1" {
		return "/" + parts[0]
	}
	if len(parts) < 2 {
		return "/v1"
	}
	switch parts[1] {
	case "events":
		return "/v1/events/ws"
	case "pools":
		if len(parts) == 2 {
			return "/v1/pools"
		}
		if parts[2] == "count" {
			return "/v1/pools/count"
		}
		if len(parts) == 3 {
			return "/v1/pools/:id"
		}
		return "/v1/pools/:id/" + parts[3]
	default:
		return "/v1/" + parts[1]
	}
}
