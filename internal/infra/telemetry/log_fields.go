package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent      = "event"
	FieldServerID   = "serverID"
	FieldConnID     = "connID"
	FieldState      = "state"
	FieldDurationMs = "duration_ms"
	FieldRequestID  = "request_id"
)

const (
	EventDialAttempt  = "dial_attempt"
	EventDialSuccess  = "dial_success"
	EventDialFailure  = "dial_failure"
	EventLeaseWait    = "lease_wait"
	EventLeaseTimeout = "lease_timeout"
	EventIdleReap     = "idle_reap"
	EventConnDiscard  = "conn_discard"
	EventCacheHit     = "cache_hit"
	EventRetryAttempt = "retry_attempt"
	EventRequestDone  = "request_done"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func ServerIDField(serverID string) zap.Field {
	return zap.String(FieldServerID, serverID)
}

func ConnIDField(connID string) zap.Field {
	return zap.String(FieldConnID, connID)
}

func StateField(state string) zap.Field {
	return zap.String(FieldState, state)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}

func RequestIDField(value string) zap.Field {
	return zap.String(FieldRequestID, value)
}
