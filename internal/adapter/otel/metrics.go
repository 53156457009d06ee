package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "devgodzilla"

// Metrics holds the pipeline metric instruments. Instruments on the no-op
// meter provider are free, so services record unconditionally.
type Metrics struct {
	ProtocolsStarted   metric.Int64Counter
	ProtocolsCompleted metric.Int64Counter
	ProtocolsFailed    metric.Int64Counter
	StepsExecuted      metric.Int64Counter
	StepDuration       metric.Float64Histogram
	QAEvaluations      metric.Int64Counter
	GateDuration       metric.Float64Histogram
	WebhooksReceived   metric.Int64Counter
	ReconcilePasses    metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.ProtocolsStarted, err = meter.Int64Counter("devgodzilla.protocols.started",
		metric.WithDescription("Protocol runs started")); err != nil {
		return nil, err
	}
	if m.ProtocolsCompleted, err = meter.Int64Counter("devgodzilla.protocols.completed",
		metric.WithDescription("Protocol runs completed")); err != nil {
		return nil, err
	}
	if m.ProtocolsFailed, err = meter.Int64Counter("devgodzilla.protocols.failed",
		metric.WithDescription("Protocol runs failed")); err != nil {
		return nil, err
	}
	if m.StepsExecuted, err = meter.Int64Counter("devgodzilla.steps.executed",
		metric.WithDescription("Step executions by terminal status")); err != nil {
		return nil, err
	}
	if m.StepDuration, err = meter.Float64Histogram("devgodzilla.step.duration_seconds",
		metric.WithDescription("Step execution duration in seconds")); err != nil {
		return nil, err
	}
	if m.QAEvaluations, err = meter.Int64Counter("devgodzilla.qa.evaluations",
		metric.WithDescription("QA evaluations by verdict")); err != nil {
		return nil, err
	}
	if m.GateDuration, err = meter.Float64Histogram("devgodzilla.qa.gate_duration_seconds",
		metric.WithDescription("Quality gate duration in seconds")); err != nil {
		return nil, err
	}
	if m.WebhooksReceived, err = meter.Int64Counter("devgodzilla.webhooks.received",
		metric.WithDescription("Webhook deliveries accepted")); err != nil {
		return nil, err
	}
	if m.ReconcilePasses, err = meter.Int64Counter("devgodzilla.reconcile.passes",
		metric.WithDescription("Reconciliation passes by outcome")); err != nil {
		return nil, err
	}
	return m, nil
}
