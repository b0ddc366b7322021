package telemetry

import (
	"sync"
	"time"
)

// HealthTracker aggregates liveness heartbeats from background loops.
// A loop that misses its window degrades the overall report.
type HealthTracker struct {
	mu    sync.Mutex
	beats map[string]*Heartbeat
}

type Heartbeat struct {
	tracker *HealthTracker
	name    string
	window  time.Duration

	mu      sync.Mutex
	last    time.Time
	stopped bool
}

type HealthReport struct {
	Status string            `json:"status"`
	Stale  []string          `json:"stale,omitempty"`
	Beats  map[string]string `json:"beats,omitempty"`
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{beats: make(map[string]*Heartbeat)}
}

// Register adds a named heartbeat with the given staleness window.
func (t *HealthTracker) Register(name string, window time.Duration) *Heartbeat {
	beat := &Heartbeat{
		tracker: t,
		name:    name,
		window:  window,
		last:    time.Now(),
	}
	t.mu.Lock()
	t.beats[name] = beat
	t.mu.Unlock()
	return beat
}

// Report returns "ok" when every registered heartbeat is fresh.
func (t *HealthTracker) Report() HealthReport {
	t.mu.Lock()
	beats := make([]*Heartbeat, 0, len(t.beats))
	for _, beat := range t.beats {
		beats = append(beats, beat)
	}
	t.mu.Unlock()

	report := HealthReport{Status: "ok", Beats: make(map[string]string, len(beats))}
	now := time.Now()
	for _, beat := range beats {
		beat.mu.Lock()
		last := beat.last
		window := beat.window
		stopped := beat.stopped
		beat.mu.Unlock()
		if stopped {
			continue
		}
		report.Beats[beat.name] = last.UTC().Format(time.RFC3339)
		if window > 0 && now.Sub(last) > window {
			report.Status = "degraded"
			report.Stale = append(report.Stale, beat.name)
		}
	}
	return report
}

func (b *Heartbeat) Beat() {
	b.mu.Lock()
	b.last = time.Now()
	b.mu.Unlock()
}

func (b *Heartbeat) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.tracker.mu.Lock()
	delete(b.tracker.beats, b.name)
	b.tracker.mu.Unlock()
}
