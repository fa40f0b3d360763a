package broker

import (
	"authcore/internal/autherrors"
	"authcore/pkg/logging"
)

// AnyOperation is the allow-list key matched when an operation has no entry
// of its own.
const AnyOperation = "*"

// CallValidator verifies the identity of the process invoking a broker
// operation against a per-operation allow-list. The check runs before any
// transport is touched.
type CallValidator struct {
	allow map[string]map[string]struct{}
}

// NewCallValidator builds a validator from operation name to allowed caller
// identities. The AnyOperation key supplies the fallback list for
// operations without their own entry.
func NewCallValidator(allow map[string][]string) *CallValidator {
	v := &CallValidator{allow: make(map[string]map[string]struct{}, len(allow))}
	for op, callers := range allow {
		set := make(map[string]struct{}, len(callers))
		for _, caller := range callers {
			set[caller] = struct{}{}
		}
		v.allow[op] = set
	}
	return v
}

// Authorize checks the caller against the operation's allow-list. A missing
// entry falls back to the AnyOperation list; no list at all denies.
func (v *CallValidator) Authorize(caller string, op Operation) error {
	set, ok := v.allow[string(op)]
	if !ok {
		set, ok = v.allow[AnyOperation]
	}
	if ok {
		if _, allowed := set[caller]; allowed {
			return nil
		}
	}

	logging.Audit(logging.AuditEvent{
		Action:  "broker_dispatch",
		Outcome: "unauthorized_caller",
		Subject: logging.TruncateSubject(caller),
		Detail:  string(op),
	})
	return &autherrors.UnauthorizedCallerError{Caller: caller, Operation: string(op)}
}
