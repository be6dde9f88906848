// Package metrics registers the service's Prometheus collectors. Metric names
// are stable and consumed by existing dashboards; do not rename them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesTotal counts processed inbound messages by type and outcome.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_messages_total",
		Help: "Total WhatsApp messages processed",
	}, []string{"message_type", "status"})

	// RateLimitsTotal counts rate-limit rejections per user.
	RateLimitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_rate_limits_total",
		Help: "Total rate limit hits",
	}, []string{"user"})

	// APICallsTotal counts outbound Graph API calls.
	APICallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_api_calls_total",
		Help: "Total WhatsApp API calls",
	}, []string{"endpoint", "status"})

	// ProcessingSeconds measures end-to-end inbound message handling time.
	ProcessingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "whatsapp_message_processing_seconds",
		Help: "Message processing time",
	})

	// APIResponseSeconds measures Graph API round-trip time.
	APIResponseSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "whatsapp_api_response_seconds",
		Help: "WhatsApp API response time",
	})

	// ActiveSessions tracks the number of live Redis sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whatsapp_active_sessions",
		Help: "Number of active sessions",
	})

	// AdvisorRequestsTotal counts completions per provider and outcome.
	AdvisorRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finbuddy_advisor_requests_total",
		Help: "Total advisor completion attempts",
	}, []string{"provider", "status"})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
