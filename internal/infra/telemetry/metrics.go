package telemetry

import (
	"time"

	"mcpbridge/internal/domain"
)

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (n *NoopMetrics) ObserveRequest(_ string, _ time.Duration) {}

func (n *NoopMetrics) ObserveLeaseWait(_ string, _ time.Duration, _ string) {}

func (n *NoopMetrics) SetActiveConns(_ string, _, _ int) {}

func (n *NoopMetrics) ObserveCacheLookup(_ bool) {}

func (n *NoopMetrics) ObserveRetry(_ string) {}

func (n *NoopMetrics) ObserveConnDial(_ string, _ error) {}

var _ domain.Metrics = (*NoopMetrics)(nil)
