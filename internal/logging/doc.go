// Package logging provides context-aware structured logging on top of zap.
//
// # Overview
//
// Logger wraps a *zap.Logger with:
//   - a Trace level (-2, below Debug)
//   - stdout output plus an optional OpenTelemetry log bridge
//   - correlation fields pulled from the context (trace, session, workflow, request)
//   - a redacting encoder for credentials, tokens and askpass nonces
//   - per-level sampling below Error
//
// # Usage
//
//	cfg, err := logging.FromConfig(appCfg)
//	logger, err := logging.NewLogger(cfg, nil)
//	defer logger.Sync()
//
//	ctx = logging.WithWorkflowID(ctx, wf.ID)
//	logger.Info(ctx, "stage changed", zap.String("to", "plan"))
//
// Services that take a plain *zap.Logger get one from Underlying, or from
// For when the context fields should be bound up front.
//
// # Redaction
//
// Field names listed in RedactionConfig.Fields are replaced wholesale.
// String values and messages matching a pattern are replaced with
// "[REDACTED:pattern]". Use RedactedString or Secret for values that must
// never reach the encoder.
package logging
