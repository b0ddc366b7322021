package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthTracker_FreshBeatsAreOK(t *testing.T) {
	tracker := NewHealthTracker()
	beat := tracker.Register("reaper", time.Minute)
	beat.Beat()

	report := tracker.Report()
	assert.Equal(t, "ok", report.Status)
	assert.Empty(t, report.Stale)
	assert.Contains(t, report.Beats, "reaper")
}

func TestHealthTracker_MissedWindowDegrades(t *testing.T) {
	tracker := NewHealthTracker()
	tracker.Register("reaper", time.Nanosecond)
	time.Sleep(5 * time.Millisecond)

	report := tracker.Report()
	assert.Equal(t, "degraded", report.Status)
	assert.Contains(t, report.Stale, "reaper")
}

func TestHealthTracker_StoppedBeatIsIgnored(t *testing.T) {
	tracker := NewHealthTracker()
	beat := tracker.Register("cleaner", time.Nanosecond)
	time.Sleep(5 * time.Millisecond)
	beat.Stop()

	report := tracker.Report()
	assert.Equal(t, "ok", report.Status)
	assert.NotContains(t, report.Beats, "cleaner")
}

func TestHealthTracker_EmptyIsOK(t *testing.T) {
	report := NewHealthTracker().Report()
	assert.Equal(t, "ok", report.Status)
}
