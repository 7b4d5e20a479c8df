// Package telemetry groups SpendGuard's observability packages:
//
//   - logging: slog construction with context identifiers and credential masking
//   - metrics: Prometheus collectors for pricing, preflight, ledger and settlement
//   - tracing: OpenTelemetry spans around preflight, reservation and settlement
//   - health: liveness and readiness probes for the serve command
package telemetry
