package domain

import (
	"sync"
	"time"
)

// RequestStatus labels one state of the request lifecycle.
type RequestStatus string

const (
	StatusReceived  RequestStatus = "received"
	StatusMatching  RequestStatus = "matching"
	StatusNoMatch   RequestStatus = "no_match"
	StatusExecuting RequestStatus = "executing"
	StatusCached    RequestStatus = "cached"
	StatusSucceeded RequestStatus = "succeeded"
	StatusFailed    RequestStatus = "failed"
)

// Terminal reports whether the status ends the request lifecycle.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusNoMatch, StatusCached, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// RequestRecord tracks one request through the orchestrator. Mutated only
// by the orchestrator; retained in a bounded history for observability.
type RequestRecord struct {
	ID              string        `json:"id"`
	RawQuery        string        `json:"rawQuery"`
	MatchedServerID string        `json:"matchedServerId,omitempty"`
	MatchedToolName string        `json:"matchedToolName,omitempty"`
	Status          RequestStatus `json:"status"`
	Attempts        int           `json:"attempts"`
	ErrorKind       string        `json:"errorKind,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	CompletedAt     time.Time     `json:"completedAt,omitzero"`
}

// RequestHistory is a bounded ring of completed and in-flight records.
// Oldest records are evicted once capacity is reached.
type RequestHistory struct {
	mu      sync.RWMutex
	records []RequestRecord
	next    int
	full    bool
}

func NewRequestHistory(capacity int) *RequestHistory {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &RequestHistory{records: make([]RequestRecord, capacity)}
}

// Append stores a copy of the record, evicting the oldest when full.
func (h *RequestHistory) Append(record RequestRecord) {
	h.mu.Lock()
	h.records[h.next] = record
	h.next++
	if h.next == len(h.records) {
		h.next = 0
		h.full = true
	}
	h.mu.Unlock()
}

// Recent returns up to limit records, newest first.
func (h *RequestHistory) Recent(limit int) []RequestRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := h.next
	if h.full {
		size = len(h.records)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]RequestRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (h.next - 1 - i + len(h.records)) % len(h.records)
		out = append(out, h.records[idx])
	}
	return out
}

// Len returns the number of retained records.
func (h *RequestHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.records)
	}
	return h.next
}
