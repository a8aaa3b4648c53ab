package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/replforge/repld/internal/executor"
)

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps an executor.Executor with metrics, tracing, and
// anomaly detection. The session layer stays free of observability concerns.
type InstrumentedExecutor struct {
	inner   executor.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner executor.Executor, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "executor.execute",
			trace.WithAttributes(
				attribute.Int("executor.code_bytes", len(req.Code)),
				attribute.Int("executor.namespace_bindings", len(req.Namespace)),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := e.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := outcomeStatus(result, err)
	if e.tracer != nil {
		span := trace.SpanFromContext(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("executor.outcome", status))
		}
	}

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(status).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(status).Observe(duration)
	}

	if e.anomaly != nil {
		// Crashes are snippet faults, not host faults, so only spawn
		// failures and timeouts feed the detector.
		if err != nil || (result != nil && result.Outcome == executor.OutcomeTimedOut) {
			e.anomaly.RecordError("execution")
		} else {
			e.anomaly.RecordSuccess("execution")
		}
	}

	return result, err
}

// outcomeStatus maps an execution result to a metric label.
func outcomeStatus(result *executor.Result, err error) string {
	if err != nil {
		return "error"
	}
	if result == nil {
		return "error"
	}
	switch result.Outcome {
	case executor.OutcomeCompleted:
		return "completed"
	case executor.OutcomeTimedOut:
		return "timed_out"
	case executor.OutcomeCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// --- Compile-time interface checks ---

var _ executor.Executor = (*InstrumentedExecutor)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
