package observer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsEnabled = true // Flag to control metric collection

	// Labels for provider call metrics
	providerCallLabels = []string{"provider", "operation", "status"}
	// Labels for webhook pipeline metrics
	webhookLabels = []string{"provider", "outcome"}
	// Labels for sync run metrics
	syncLabels = []string{"provider", "resource", "status"}

	// Provider Call Counters
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_gateway_provider_calls_total",
			Help: "Total number of provider API call attempts, including retries.",
		},
		providerCallLabels,
	)
	ProviderCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_gateway_provider_call_duration_seconds",
			Help:    "Histogram of provider API call durations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		providerCallLabels,
	)
	ProviderRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_gateway_provider_retries_total",
			Help: "Total number of retry attempts against providers.",
		},
		[]string{"provider", "operation"},
	)

	// Circuit breaker state per configuration: 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wa_gateway_circuit_breaker_state",
			Help: "Circuit breaker state per configuration (0=closed, 1=half-open, 2=open).",
		},
		[]string{"configuration_id"},
	)

	// Rate limiter wait time
	RateLimiterWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_gateway_rate_limiter_wait_seconds",
			Help:    "Histogram of time spent waiting on the per-configuration token bucket.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"configuration_id"},
	)

	// Cache counters
	CacheChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_gateway_cache_checks_total",
			Help: "Total cache lookups, labeled by resource and result (hit/miss).",
		},
		[]string{"resource", "result"},
	)
	CacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_gateway_cache_invalidations_total",
			Help: "Total cache invalidations triggered by write operations.",
		},
		[]string{"resource"},
	)

	// Webhook pipeline counters
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_gateway_webhook_events_total",
			Help: "Total webhook events by terminal outcome (delivered/duplicate/rejected/failed).",
		},
		webhookLabels,
	)
	WebhookProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_gateway_webhook_processing_duration_seconds",
			Help:    "Histogram of webhook pipeline processing durations.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"provider"},
	)

	// Sync engine counters
	SyncRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_gateway_sync_records_total",
			Help: "Total records upserted by the sync engine.",
		},
		[]string{"provider", "resource"},
	)
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_gateway_sync_runs_total",
			Help: "Total per-resource sync passes by status.",
		},
		syncLabels,
	)

	// Audit recorder counters
	AuditEntriesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wa_gateway_audit_entries_dropped_total",
		Help: "Total audit entries that fell back to the local log after persistence failed.",
	})
)

// Labels for database operations
var (
	dbOperationLabels = []string{"operation", "entity", "status"}

	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_gateway_db_operation_duration_seconds",
			Help:    "Histogram of database operation durations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		dbOperationLabels,
	)
)

// InitMetrics initializes metric collection. Call during application startup.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IncProviderCall increments the provider call counter for one attempt.
func IncProviderCall(provider, operation string, err error) {
	if !metricsEnabled {
		return
	}
	ProviderCallsTotal.WithLabelValues(provider, operation, statusOf(err)).Inc()
}

// ObserveProviderCallDuration records the duration of one provider call attempt.
func ObserveProviderCallDuration(provider, operation string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	ProviderCallDurationSeconds.WithLabelValues(provider, operation, statusOf(err)).Observe(duration.Seconds())
}

// IncProviderRetry increments the retry counter.
func IncProviderRetry(provider, operation string) {
	if !metricsEnabled {
		return
	}
	ProviderRetriesTotal.WithLabelValues(provider, operation).Inc()
}

// SetCircuitBreakerState records the breaker state for a configuration.
func SetCircuitBreakerState(configurationID string, state float64) {
	if !metricsEnabled {
		return
	}
	CircuitBreakerState.WithLabelValues(configurationID).Set(state)
}

// ObserveRateLimiterWait records time spent waiting on the token bucket.
func ObserveRateLimiterWait(configurationID string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	RateLimiterWaitSeconds.WithLabelValues(configurationID).Observe(duration.Seconds())
}

// IncCacheCheck increments the cache lookup counter.
func IncCacheCheck(resource, result string) {
	if !metricsEnabled {
		return
	}
	CacheChecksTotal.WithLabelValues(resource, result).Inc()
}

// IncCacheInvalidation increments the cache invalidation counter.
func IncCacheInvalidation(resource string) {
	if !metricsEnabled {
		return
	}
	CacheInvalidationsTotal.WithLabelValues(resource).Inc()
}

// IncWebhookEvent increments the webhook terminal outcome counter.
func IncWebhookEvent(provider, outcome string) {
	if !metricsEnabled {
		return
	}
	WebhookEventsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveWebhookProcessingDuration records webhook pipeline duration.
func ObserveWebhookProcessingDuration(provider string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	WebhookProcessingDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// AddSyncRecords adds upserted record counts for a sync pass.
func AddSyncRecords(provider, resource string, count int) {
	if !metricsEnabled || count <= 0 {
		return
	}
	SyncRecordsTotal.WithLabelValues(provider, resource).Add(float64(count))
}

// IncSyncRun increments the per-resource sync pass counter.
func IncSyncRun(provider, resource string, err error) {
	if !metricsEnabled {
		return
	}
	SyncRunsTotal.WithLabelValues(provider, resource, statusOf(err)).Inc()
}

// IncAuditEntryDropped increments the audit fallback counter.
func IncAuditEntryDropped() {
	if !metricsEnabled {
		return
	}
	AuditEntriesDroppedTotal.Inc()
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, statusOf(err)).Observe(duration.Seconds())
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
