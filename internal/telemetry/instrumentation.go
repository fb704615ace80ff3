package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes here feed metric series, so they stay bounded: operation names,
// component names and status strings only. Content ids, URLs and file paths go to logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span tagged with the component and outcome.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if !t.Enabled() {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.Tracer().Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := statusOf(err)
	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if !t.Enabled() {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentDownload instruments a single transfer attempt.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn InstrumentedFunc) error {
	if !t.Enabled() {
		return fn(ctx)
	}

	start := time.Now()

	t.downloadsActive.Add(ctx, 1)
	defer t.downloadsActive.Add(context.WithoutCancel(ctx), -1)

	err := t.InstrumentOperation(ctx, "download", "scheduler", fn)

	t.RecordDownload(statusOf(err), time.Since(start))

	return err
}

// InstrumentSweep instruments a quota or retention pass.
func (t *Telemetry) InstrumentSweep(ctx context.Context, kind string, fn InstrumentedFunc) error {
	return t.InstrumentOperation(ctx, "sweep_"+kind, "quota", fn)
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
