package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "mesync"

// Metrics holds all mesync metric instruments.
type Metrics struct {
	OpsProcessed      metric.Int64Counter
	OpsDeadLettered   metric.Int64Counter
	ConflictsDetected metric.Int64Counter
	DrainDuration     metric.Float64Histogram
	RemoteDuration    metric.Float64Histogram
	Recomputes        metric.Int64Counter
	StatusTransitions metric.Int64Counter
	RecomputeFailures metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.OpsProcessed, err = meter.Int64Counter("mesync.sync.operations",
		metric.WithDescription("Sync operations processed, by direction and outcome"))
	if err != nil {
		return nil, err
	}

	m.OpsDeadLettered, err = meter.Int64Counter("mesync.sync.dead_lettered",
		metric.WithDescription("Sync operations that exhausted their retry budget"))
	if err != nil {
		return nil, err
	}

	m.ConflictsDetected, err = meter.Int64Counter("mesync.sync.conflicts",
		metric.WithDescription("Field conflicts recorded during pulls"))
	if err != nil {
		return nil, err
	}

	m.DrainDuration, err = meter.Float64Histogram("mesync.sync.drain.duration_seconds",
		metric.WithDescription("Duration of one queue drain in seconds"))
	if err != nil {
		return nil, err
	}

	m.RemoteDuration, err = meter.Float64Histogram("mesync.tracker.call.duration_seconds",
		metric.WithDescription("Duration of tracker push/pull calls in seconds"))
	if err != nil {
		return nil, err
	}

	m.Recomputes, err = meter.Int64Counter("mesync.status.recomputes",
		metric.WithDescription("Entities recomputed by the status calculator"))
	if err != nil {
		return nil, err
	}

	m.StatusTransitions, err = meter.Int64Counter("mesync.status.transitions",
		metric.WithDescription("Status changes appended to the history"))
	if err != nil {
		return nil, err
	}

	m.RecomputeFailures, err = meter.Int64Counter("mesync.status.recompute_failures",
		metric.WithDescription("Recompute passes that failed and flagged a subtree"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
