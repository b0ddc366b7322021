package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Conn is one live connection to a backend server. The pool owns Conn
// values; callers only borrow them through a lease.
type Conn interface {
	// Call invokes one tool on the backend. Transport-class failures are
	// returned as retryable domain errors.
	Call(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)
	Close() error
}

// Transport dials backend servers. Implementations attach the credential
// from the server config to every connection they produce.
type Transport interface {
	Dial(ctx context.Context, serverID string, cfg ServerConfig) (Conn, error)
}

// ConfigProvider supplies per-server connection parameters and secrets.
type ConfigProvider interface {
	ServerConfig(serverID string) (ServerConfig, error)
}

// Metrics receives observations from the core components.
type Metrics interface {
	ObserveRequest(status string, duration time.Duration)
	ObserveLeaseWait(serverID string, duration time.Duration, outcome string)
	SetActiveConns(serverID string, idle, leased int)
	ObserveCacheLookup(hit bool)
	ObserveRetry(serverID string)
	ObserveConnDial(serverID string, err error)
}
