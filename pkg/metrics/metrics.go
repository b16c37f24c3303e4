package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	PublishedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_published_events_total", Help: "Domain events published to queue"},
		[]string{"type"},
	)

	BroadcastSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_sends_total", Help: "Per-recipient send outcomes"},
		[]string{"result"},
	)
	BroadcastCampaignsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "broadcast_campaigns_total", Help: "Campaign executions finished"},
	)
	RateLimitWaitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rate_limit_waits_total", Help: "Admissions that had to wait for a window reset"},
	)
	SchedulerTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scheduler_ticks_total", Help: "Scheduled-campaign poll ticks"},
	)

	SequenceStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sequence_steps_total", Help: "Sequence steps executed by branch taken"},
		[]string{"branch"},
	)

	WebhookAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_attempts_total", Help: "Webhook delivery attempts by outcome"},
		[]string{"outcome"},
	)
	WebhookRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "webhook_retries_total", Help: "Webhook retries performed"},
	)
	WebhookDeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Time spent on one webhook delivery attempt",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRequestDuration, PublishedEventsTotal,
		BroadcastSendsTotal, BroadcastCampaignsTotal, RateLimitWaitsTotal, SchedulerTicksTotal,
		SequenceStepsTotal,
		WebhookAttemptsTotal, WebhookRetriesTotal, WebhookDeliveryDuration,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
