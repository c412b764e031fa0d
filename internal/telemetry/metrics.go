package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PublishSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "publications_published_total", Help: "Publications delivered successfully"})
	PublishFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "publications_failed_total", Help: "Publications settled as terminally failed"})
	PublishRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "publications_retried_total", Help: "Attempts requeued for retry"})
	ClaimsWon         = prometheus.NewCounter(prometheus.CounterOpts{Name: "publications_claims_total", Help: "Publications claimed by this dispatcher"})
	TokenRefreshes    = prometheus.NewCounter(prometheus.CounterOpts{Name: "token_refreshes_total", Help: "OAuth token refresh calls performed"})
	RateLimitDeferred = prometheus.NewCounter(prometheus.CounterOpts{Name: "publications_rate_deferred_total", Help: "Attempts deferred by the per-platform rate limiter"})
	EventsEmitted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "publication_events_emitted_total", Help: "Lifecycle events delivered to the notification sink"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publications_inflight", Help: "Publication attempts currently executing"})
	DueBacklogGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publications_due_backlog", Help: "Publications eligible for claiming"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PublishSuccess,
			PublishFailures,
			PublishRetries,
			ClaimsWon,
			TokenRefreshes,
			RateLimitDeferred,
			EventsEmitted,
			InFlightGauge,
			DueBacklogGauge,
		)
	})
	return promhttp.Handler()
}
