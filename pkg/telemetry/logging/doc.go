// Package logging builds the slog logger used across SpendGuard.
//
// Loggers are plain *slog.Logger values. The handler built by New adds the
// agent, run and request identifiers carried on a context to every record
// logged with one of the *Context methods, and masks credentials:
//
//	logger, err := logging.New(&cfg.Telemetry.Logging, os.Stderr)
//	ctx = logging.WithAgentID(ctx, agent.ID)
//	logger.InfoContext(ctx, "Reservation held", "amount", tok.Amount)
//
// Attribute values under credential keys such as "api_key" or "password"
// are replaced outright. String values that look like provider keys or
// bearer tokens are masked wherever they appear.
package logging
