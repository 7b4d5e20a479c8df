// Package tracing wires OpenTelemetry spans around the enforcement path.
//
// A disabled configuration yields a no-op tracer, so callers can start spans
// unconditionally:
//
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing)
//	defer tracer.Shutdown(context.Background())
//
//	ctx, span := tracer.Start(ctx, tracing.SpanPreflight,
//	    trace.WithAttributes(tracing.CallAttrs(agentID, provider, model)...))
//	defer span.End()
//
// Enabled tracers export over OTLP gRPC with parent-based ratio sampling.
package tracing
