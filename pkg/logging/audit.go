package logging

import (
	"context"
	"log/slog"
	"strings"
)

// AuditEvent describes a security-relevant outcome. Audit events are always
// logged at INFO level with an [AUDIT] prefix regardless of their outcome,
// so that filtering them out requires an explicit decision.
type AuditEvent struct {
	// Action is the operation being audited, e.g. "authorization_reconcile",
	// "broker_dispatch", "cache_write".
	Action string

	// Outcome is the result, e.g. "success", "state_mismatch",
	// "unauthorized_caller".
	Outcome string

	// Subject identifies the principal or client involved. Must not contain
	// token material.
	Subject string

	// Detail is optional free-form context.
	Detail string
}

// Audit logs a security-relevant event.
func Audit(event AuditEvent) {
	if defaultLogger == nil {
		return
	}

	attrs := []slog.Attr{
		slog.String("subsystem", "Audit"),
		slog.String("action", event.Action),
		slog.String("outcome", event.Outcome),
	}
	if event.Subject != "" {
		attrs = append(attrs, slog.String("subject", event.Subject))
	}
	if event.Detail != "" {
		attrs = append(attrs, slog.String("detail", event.Detail))
	}

	defaultLogger.LogAttrs(context.Background(), slog.LevelInfo, "[AUDIT] "+event.Action, attrs...)
}

// TruncateSubject shortens a subject identifier for logging. Full account
// identifiers are user-correlatable; eight characters are enough to join
// related events within one log stream.
func TruncateSubject(subject string) string {
	if len(subject) <= 8 {
		return subject
	}
	return subject[:8] + "…"
}

// Redact replaces all but a short prefix of a secret with a marker. Used by
// callers that must log the presence of a value without its content.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "[REDACTED]"
	}
	return secret[:4] + strings.Repeat("*", 8)
}
