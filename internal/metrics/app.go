package metrics

import (
	"time"

	"github.com/cwedge/cwedge/internal/observability"
)

// Widget edge metrics following Prometheus conventions
var (
	// Request integrity metrics
	SignatureFailuresTotal = "edge_signature_failures_total"
	NonceRejectionsTotal   = "edge_nonce_rejections_total"

	// Origin gate metrics
	OriginRejectionsTotal = "edge_origin_rejections_total"

	// Rate limiter metrics
	RateLimitBlocksTotal = "edge_rate_limit_blocks_total"

	// Ingest metrics
	MessagesIngestedTotal = "edge_messages_ingested_total"
	UsageEventsTotal      = "edge_usage_events_total"
	SessionsStitchedTotal = "edge_sessions_stitched_total"

	// Stream relay metrics
	RelayConnectsTotal      = "edge_relay_connects_total"
	RelayCancellationsTotal = "edge_relay_cancellations_total"
	ActiveStreams           = "edge_active_streams"

	// Health check metrics
	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	// Server lifecycle metrics
	ServerStartTime = "app_server_start_time_seconds"
	ServerUptime    = "app_server_uptime_seconds"
)

// RecordSignatureFailure records a rejected signed request by failure kind
func RecordSignatureFailure(kind string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			SignatureFailuresTotal,
			1,
			map[string]string{"kind": kind},
		)
	}
}

// RecordNonceRejection records a replayed nonce
func RecordNonceRejection() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(NonceRejectionsTotal, 1, nil)
	}
}

// RecordOriginRejection records a request blocked by the origin gate
func RecordOriginRejection(reason string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			OriginRejectionsTotal,
			1,
			map[string]string{"reason": reason},
		)
	}
}

// RecordRateLimitBlock records a rate limited request per route
func RecordRateLimitBlock(route string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			RateLimitBlocksTotal,
			1,
			map[string]string{"route": route},
		)
	}
}

// RecordMessagesIngested records accepted chat messages by direction
func RecordMessagesIngested(direction string, count int) {
	if count <= 0 {
		return
	}
	if observability.TelemetrySystem != nil {
		for i := 0; i < count; i++ {
			_ = observability.TelemetrySystem.Counter(
				MessagesIngestedTotal,
				1,
				map[string]string{"direction": direction},
			)
		}
	}
}

// RecordUsageEvents records accepted widget usage events
func RecordUsageEvents(count int) {
	if count <= 0 {
		return
	}
	if observability.TelemetrySystem != nil {
		for i := 0; i < count; i++ {
			_ = observability.TelemetrySystem.Counter(UsageEventsTotal, 1, nil)
		}
	}
}

// RecordSessionStitched records a session resolution, split by reuse vs create
func RecordSessionStitched(created bool) {
	outcome := "reused"
	if created {
		outcome = "created"
	}
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			SessionsStitchedTotal,
			1,
			map[string]string{"outcome": outcome},
		)
	}
}

// RecordRelayConnect records an upstream connect attempt outcome
func RecordRelayConnect(outcome string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			RelayConnectsTotal,
			1,
			map[string]string{"outcome": outcome},
		)
	}
}

// RecordRelayCancellation records a stream torn down by client disconnect
func RecordRelayCancellation() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(RelayCancellationsTotal, 1, nil)
	}
}

// SetActiveStreams sets the current number of open relay streams
func SetActiveStreams(count int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ActiveStreams, float64(count), nil)
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			HealthCheckTotal,
			1,
			map[string]string{
				"check":  checkName,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			HealthCheckDuration,
			duration,
			map[string]string{
				"check": checkName,
			},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}

// SetServerUptime records the server uptime in seconds
func SetServerUptime(seconds int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerUptime,
			float64(seconds),
			nil,
		)
	}
}
