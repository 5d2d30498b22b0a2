package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phc-his/his/internal/rbac"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	decisions       *prometheus.CounterVec
	reloads         *prometheus.CounterVec
	policyVersion   prometheus.Gauge
	policyLoadedAt  prometheus.Gauge
}

// NewMetrics menginisialisasi registry, metrik HTTP, dan metrik otorisasi.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "his_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "his_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "his_authz_decisions_total",
		Help: "Keputusan otorisasi berdasarkan modul, aksi, hasil, dan alasan.",
	}, []string{"module", "action", "outcome", "reason"})
	reloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "his_policy_reloads_total",
		Help: "Percobaan muat ulang kebijakan akses berdasarkan status.",
	}, []string{"status"})
	version := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "his_policy_version",
		Help: "Versi tabel kebijakan yang sedang aktif.",
	})
	loadedAt := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "his_policy_loaded_timestamp_seconds",
		Help: "Waktu tabel kebijakan aktif dimuat.",
	})
	registry.MustRegister(requests, duration, decisions, reloads, version, loadedAt,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		decisions:       decisions,
		reloads:         reloads,
		policyVersion:   version,
		policyLoadedAt:  loadedAt,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveDecision mengimplementasikan rbac.Observer.
func (m *Metrics) ObserveDecision(_ context.Context, d rbac.Decision) {
	if m == nil {
		return
	}
	outcome := "denied"
	if d.Allowed {
		outcome = "allowed"
	}
	m.decisions.WithLabelValues(d.Module.String(), d.Action.String(), outcome, string(d.Reason)).Inc()
}

// ObserveReload mengimplementasikan rbac.ReloadObserver. Reload yang gagal
// tidak mengubah gauge versi karena tabel lama tetap berlaku.
func (m *Metrics) ObserveReload(snap rbac.Snapshot, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.reloads.WithLabelValues("failure").Inc()
		return
	case snap.Changed:
		m.reloads.WithLabelValues("applied").Inc()
	default:
		m.reloads.WithLabelValues("unchanged").Inc()
	}
	m.policyVersion.Set(float64(snap.Version))
	m.policyLoadedAt.Set(float64(snap.LoadedAt.Unix()))
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

var (
	_ rbac.Observer       = (*Metrics)(nil)
	_ rbac.ReloadObserver = (*Metrics)(nil)
)
