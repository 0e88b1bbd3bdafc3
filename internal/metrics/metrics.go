// Package metrics provides counters, Prometheus collectors, and HTTP
// handlers for exporting mdnsync runtime metrics.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 1. Internal State (Source of Truth)
var (
	polls            int64
	pollFailures     int64
	invalidSnapshots int64
	published        int64
	unpublished      int64
	collisions       int64
	tracked          int64
	advertised       int64
	lastPoll         int64
)

const counterInc int64 = 1

// 2. Prometheus Collectors
var (
	promPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdnsync_polls_total",
			Help: "Container status polls by result",
		},
		[]string{"result"},
	)
	promServiceOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdnsync_service_operations_total",
			Help: "mDNS service registrations and withdrawals",
		},
		[]string{"op"},
	)
	promCollisions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mdnsync_name_collisions_total",
			Help: "Publishes rejected because the service name was already registered",
		},
	)
	promTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdnsync_tracked_containers",
			Help: "Containers seen in the last accepted poll",
		},
	)
	promAdvertised = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdnsync_advertised_services",
			Help: "Services currently registered on mDNS",
		},
	)
	promLastPoll = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdnsync_last_poll_timestamp_seconds",
			Help: "Unix timestamp of the last successful poll",
		},
	)
)

func init() {
	prometheus.MustRegister(
		promPolls,
		promServiceOps,
		promCollisions,
		promTracked,
		promAdvertised,
		promLastPoll,
	)
}

// 3. Public API (Updates both Atomic and Prometheus)

// IncPoll counts a poll whose snapshot was reconciled.
func IncPoll() {
	atomic.AddInt64(&polls, counterInc)
	promPolls.WithLabelValues("ok").Inc()
}

// IncPollFailure counts a poll skipped because the status source failed.
func IncPollFailure() {
	atomic.AddInt64(&pollFailures, counterInc)
	promPolls.WithLabelValues("unavailable").Inc()
}

// IncInvalidSnapshot counts a poll rejected by the reconciler.
func IncInvalidSnapshot() {
	atomic.AddInt64(&invalidSnapshots, counterInc)
	promPolls.WithLabelValues("invalid").Inc()
}

func IncPublished() {
	atomic.AddInt64(&published, counterInc)
	promServiceOps.WithLabelValues("publish").Inc()
}

func IncUnpublished() {
	atomic.AddInt64(&unpublished, counterInc)
	promServiceOps.WithLabelValues("unpublish").Inc()
}

func IncCollision() {
	atomic.AddInt64(&collisions, counterInc)
	promCollisions.Inc()
}

// SetTracked records the size of the reconciler's tracked state.
func SetTracked(n int) {
	atomic.StoreInt64(&tracked, int64(n))
	promTracked.Set(float64(n))
}

// SetAdvertised records how many services are registered.
func SetAdvertised(n int) {
	atomic.StoreInt64(&advertised, int64(n))
	promAdvertised.Set(float64(n))
}

// SetLastPoll stores the provided time as the last poll timestamp and
// updates the corresponding Prometheus gauge.
func SetLastPoll(t time.Time) {
	atomic.StoreInt64(&lastPoll, t.Unix())
	promLastPoll.Set(float64(t.Unix()))
}

// 4. JSON Snapshot Struct

// StatsSnapshot is a snapshot of metrics for JSON encoding.
type StatsSnapshot struct {
	Polls            int64  `json:"polls"`
	PollFailures     int64  `json:"poll_failures"`
	InvalidSnapshots int64  `json:"invalid_snapshots"`
	Published        int64  `json:"published"`
	Unpublished      int64  `json:"unpublished"`
	Collisions       int64  `json:"collisions"`
	Tracked          int64  `json:"tracked"`
	Advertised       int64  `json:"advertised"`
	LastPoll         int64  `json:"last_poll_timestamp"`
	LastPollHuman    string `json:"last_poll_human"`
}

// GetSnapshot returns a StatsSnapshot with the current values of all
// internal counters and timestamps.
func GetSnapshot() StatsSnapshot {
	ts := atomic.LoadInt64(&lastPoll)
	human := ""
	if ts > 0 {
		human = time.Unix(ts, 0).Format(time.RFC3339)
	}
	return StatsSnapshot{
		Polls:            atomic.LoadInt64(&polls),
		PollFailures:     atomic.LoadInt64(&pollFailures),
		InvalidSnapshots: atomic.LoadInt64(&invalidSnapshots),
		Published:        atomic.LoadInt64(&published),
		Unpublished:      atomic.LoadInt64(&unpublished),
		Collisions:       atomic.LoadInt64(&collisions),
		Tracked:          atomic.LoadInt64(&tracked),
		Advertised:       atomic.LoadInt64(&advertised),
		LastPoll:         ts,
		LastPollHuman:    human,
	}
}

// 5. Handlers

// PromHandler returns an HTTP handler that exposes Prometheus metrics.
func PromHandler() http.Handler { return promhttp.Handler() }

// JSONHandler returns an HTTP handler that serves the current metrics as
// a JSON-encoded StatsSnapshot.
func JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetSnapshot())
	})
}

// NewMux wires /metrics and /status.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", PromHandler())
	mux.Handle("/status", JSONHandler())
	return mux
}
