package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments holds the metric instruments for jobs, steps and sync runs.
type Instruments struct {
	jobTransitions metric.Int64Counter
	jobDuration    metric.Float64Histogram
	stepDuration   metric.Float64Histogram
	stepOutcomes   metric.Int64Counter
	vectorsCreated metric.Int64Counter
}

// NewInstruments creates instruments on the given provider. A nil provider
// means the global one.
func NewInstruments(mp metric.MeterProvider) *Instruments {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(InstrumentationName)
	in := &Instruments{}

	// Instrument creation only fails on invalid names; fall back to the
	// bare name so recording never hits a nil instrument.
	var err error
	in.jobTransitions, err = meter.Int64Counter(
		"vecsync.jobs.transitions",
		metric.WithDescription("Job status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		in.jobTransitions, _ = meter.Int64Counter("vecsync.jobs.transitions")
	}

	in.jobDuration, err = meter.Float64Histogram(
		"vecsync.jobs.duration",
		metric.WithDescription("Duration of a job attempt in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		in.jobDuration, _ = meter.Float64Histogram("vecsync.jobs.duration")
	}

	in.stepDuration, err = meter.Float64Histogram(
		"vecsync.steps.duration",
		metric.WithDescription("Duration of executed workflow steps in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		in.stepDuration, _ = meter.Float64Histogram("vecsync.steps.duration")
	}

	in.stepOutcomes, err = meter.Int64Counter(
		"vecsync.steps.outcomes",
		metric.WithDescription("Workflow step outcomes"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		in.stepOutcomes, _ = meter.Int64Counter("vecsync.steps.outcomes")
	}

	in.vectorsCreated, err = meter.Int64Counter(
		"vecsync.vectors.created",
		metric.WithDescription("Vectors written to the index"),
		metric.WithUnit("{vector}"),
	)
	if err != nil {
		in.vectorsCreated, _ = meter.Int64Counter("vecsync.vectors.created")
	}

	return in
}

var defaultInstruments = NewInstruments(nil)

// Default returns instruments bound to the global meter provider at init.
func Default() *Instruments {
	return defaultInstruments
}

// JobTransition counts a job entering status.
func (in *Instruments) JobTransition(ctx context.Context, jobType, status string) {
	in.jobTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job.type", jobType),
		attribute.String("job.status", status),
	))
}

// JobAttempt records the duration of one handler invocation.
func (in *Instruments) JobAttempt(ctx context.Context, jobType string, d time.Duration, failed bool) {
	in.jobDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("job.type", jobType),
		attribute.Bool("job.failed", failed),
	))
}

// StepOutcome records an executed (non-memoized) step.
func (in *Instruments) StepOutcome(ctx context.Context, step, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("step.name", step),
		attribute.String("step.status", status),
	)
	in.stepOutcomes.Add(ctx, 1, attrs)
	in.stepDuration.Record(ctx, float64(d.Milliseconds()), attrs)
}

// VectorsCreated counts vectors written for a content type.
func (in *Instruments) VectorsCreated(ctx context.Context, contentType string, n int) {
	if n <= 0 {
		return
	}
	in.vectorsCreated.Add(ctx, int64(n), metric.WithAttributes(attribute.String("content.type", contentType)))
}
