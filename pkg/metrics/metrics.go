// Package metrics instruments the reconciliation core and serves the
// watch daemon's observability endpoints.
package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the prometheus instruments for the tracker and upload
// pipelines. It satisfies tracker.MetricsRecorder.
type Recorder struct {
	registry *prometheus.Registry

	merges        *prometheus.CounterVec
	trackedJobs   prometheus.Gauge
	staleJobs     prometheus.Gauge
	activeUploads prometheus.Gauge
	reconnects    prometheus.Counter
}

// NewRecorder creates a recorder with its own registry so tests can
// instantiate it repeatedly.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		merges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convtrack_merges_total",
				Help: "Job record merges by update source and outcome",
			},
			[]string{"source", "outcome"}, // source: push|pull, outcome: applied|stale
		),
		trackedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convtrack_tracked_jobs",
			Help: "Number of job ids currently tracked",
		}),
		staleJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convtrack_stale_jobs",
			Help: "Tracked jobs whose last update source has failed",
		}),
		activeUploads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convtrack_active_uploads",
			Help: "Pending uploads currently in flight",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convtrack_push_reconnects_total",
			Help: "Push channel reconnect attempts",
		}),
	}

	r.registry.MustRegister(r.merges, r.trackedJobs, r.staleJobs, r.activeUploads, r.reconnects)
	return r
}

// RecordMerge counts one merge outcome
func (r *Recorder) RecordMerge(source, outcome string) {
	r.merges.WithLabelValues(source, outcome).Inc()
}

// SetTrackedJobs updates the tracked set gauge
func (r *Recorder) SetTrackedJobs(n int) {
	r.trackedJobs.Set(float64(n))
}

// SetStaleJobs updates the stale gauge
func (r *Recorder) SetStaleJobs(n int) {
	r.staleJobs.Set(float64(n))
}

// SetActiveUploads updates the pending upload gauge
func (r *Recorder) SetActiveUploads(n int) {
	r.activeUploads.Set(float64(n))
}

// RecordReconnect counts one push reconnect attempt
func (r *Recorder) RecordReconnect() {
	r.reconnects.Inc()
}

// StatusSource supplies the JSON payload for the /status endpoint
type StatusSource func() interface{}

// Router builds the watch daemon's HTTP surface: prometheus metrics,
// a JSON snapshot of the tracked set, and a liveness probe.
func (r *Recorder) Router(status StatusSource) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status())
	}).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods("GET")
	return router
}
