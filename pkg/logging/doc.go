// Package logging provides the structured logging layer for authcore.
//
// The package is a thin wrapper over Go's standard slog package. Every log
// entry carries a subsystem tag so that the cache, protocol, broker and
// migration layers can be filtered independently:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//	logging.Debug("Cache", "hit for key %s", key)
//	logging.Error("Broker", err, "transport %s failed", name)
//
// # Subsystems
//
//   - Cache: token cache reads, writes and eviction
//   - Migration: legacy cache translation
//   - OAuth: protocol state machine and token endpoint exchanges
//   - Broker: IPC transport selection and fallback
//   - Controller: acquisition orchestration
//   - Config: configuration loading and validation
//
// # Audit events
//
// Security-sensitive outcomes (state mismatch, unauthorized broker caller,
// cache corruption) are logged through Audit so log aggregation can key on
// the [AUDIT] prefix:
//
//	logging.Audit(logging.AuditEvent{
//	    Action:  "authorization_reconcile",
//	    Outcome: "state_mismatch",
//	    Subject: clientID,
//	})
//
// Token material must never reach this package; callers wrap secrets in
// a redacting type before formatting.
package logging
