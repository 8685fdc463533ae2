package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// Instruments bundles the counters and histograms recorded by the engine.
// The zero value is not usable; use NewInstruments or Noop.
type Instruments struct {
	tracer trace.Tracer

	steps        metric.Int64Counter
	stepDuration metric.Float64Histogram
	votes        metric.Int64Counter
	redFlags     metric.Int64Counter
	connectors   metric.Int64Counter
	runs         metric.Int64Counter
}

// NewInstruments creates the instruments on meter.
func NewInstruments(meter metric.Meter, tracer trace.Tracer) (*Instruments, error) {
	var (
		in  = &Instruments{tracer: tracer}
		err error
	)

	if in.steps, err = meter.Int64Counter("makermesh.steps",
		metric.WithDescription("Completed workflow steps")); err != nil {
		return nil, fmt.Errorf("telemetry: steps counter: %w", err)
	}

	if in.stepDuration, err = meter.Float64Histogram("makermesh.step.duration",
		metric.WithDescription("Step duration"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("telemetry: step duration histogram: %w", err)
	}

	if in.votes, err = meter.Int64Counter("makermesh.votes",
		metric.WithDescription("Votes decided")); err != nil {
		return nil, fmt.Errorf("telemetry: votes counter: %w", err)
	}

	if in.redFlags, err = meter.Int64Counter("makermesh.votes.red_flagged",
		metric.WithDescription("Vote candidates discarded for length")); err != nil {
		return nil, fmt.Errorf("telemetry: red flag counter: %w", err)
	}

	if in.connectors, err = meter.Int64Counter("makermesh.connector.calls",
		metric.WithDescription("Connector invocations")); err != nil {
		return nil, fmt.Errorf("telemetry: connector counter: %w", err)
	}

	if in.runs, err = meter.Int64Counter("makermesh.workflow.runs",
		metric.WithDescription("Finished workflow runs")); err != nil {
		return nil, fmt.Errorf("telemetry: runs counter: %w", err)
	}

	return in, nil
}

// Default creates instruments on the global providers.
func Default() (*Instruments, error) {
	return NewInstruments(Meter(ScopeName), Tracer(ScopeName))
}

// Noop returns instruments that record nothing.
func Noop() *Instruments {
	in, _ := NewInstruments(noop.NewMeterProvider().Meter(ScopeName), Tracer(ScopeName))
	return in
}

// RecordStep counts a finished step and its duration.
func (in *Instruments) RecordStep(ctx context.Context, stepType string, success bool, dur time.Duration) {
	attrs := metric.WithAttributes(attribute.String("step_type", stepType), attribute.Bool("success", success))

	in.steps.Add(ctx, 1, attrs)
	in.stepDuration.Record(ctx, float64(dur.Microseconds())/1000, attrs)
}

// RecordVote counts a decided vote and its red-flagged candidates.
func (in *Instruments) RecordVote(ctx context.Context, success, fallback bool, redFlagged int) {
	in.votes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success), attribute.Bool("used_majority_fallback", fallback)))

	if redFlagged > 0 {
		in.redFlags.Add(ctx, int64(redFlagged))
	}
}

// RecordConnector counts a connector invocation.
func (in *Instruments) RecordConnector(ctx context.Context, name string, success bool, attempts int) {
	in.connectors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("connector", name),
		attribute.Bool("success", success),
		attribute.Int("attempts", attempts),
	))
}

// RecordRun counts a finished workflow run.
func (in *Instruments) RecordRun(ctx context.Context, workflow string, success, timedOut bool) {
	in.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.Bool("success", success),
		attribute.Bool("timed_out", timedOut),
	))
}

// StartRun opens a span covering one workflow run.
func (in *Instruments) StartRun(ctx context.Context, workflow, runID string) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("run_id", runID),
	))
}
