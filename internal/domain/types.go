package domain

import "time"

// ToolDescriptor is one named capability of a server.
type ToolDescriptor struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Mutating    bool              `json:"mutating,omitempty"`
}

// ServerDescriptor describes one registered backend and its tools.
// Immutable once published into an IndexSnapshot.
type ServerDescriptor struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Category    string           `json:"category"`
	Tools       []ToolDescriptor `json:"tools"`
}

// IndexSnapshot is an immutable point-in-time view of all known servers.
// The active snapshot is swapped atomically, never mutated in place.
type IndexSnapshot struct {
	Servers     []ServerDescriptor `json:"servers"`
	LastUpdated time.Time          `json:"lastUpdated"`
}

// ServerTool pairs a tool with its owning server id.
type ServerTool struct {
	ServerID string         `json:"serverId"`
	Tool     ToolDescriptor `json:"tool"`
}

// IndexMetadata summarizes the active snapshot.
type IndexMetadata struct {
	LastUpdated time.Time `json:"lastUpdated"`
	ServerCount int       `json:"serverCount"`
	ToolCount   int       `json:"toolCount"`
	Categories  []string  `json:"categories"`
}

// ToolMatch is one ranked candidate returned by the matcher.
type ToolMatch struct {
	ServerID string         `json:"serverId"`
	Tool     ToolDescriptor `json:"tool"`
	Score    int            `json:"score"`
}

// ServerConfig carries the connection parameters for one backend server.
// Supplied by the config collaborator, consumed by the transport.
type ServerConfig struct {
	Address    string
	Credential string
	Headers    map[string]string
}

// ConnState labels the lifecycle state of a pooled connection.
type ConnState string

const (
	ConnStateIdle   ConnState = "idle"
	ConnStateLeased ConnState = "leased"
	ConnStateClosed ConnState = "closed"
)
