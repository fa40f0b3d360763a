package oauth

import (
	"strings"

	"github.com/google/uuid"

	"authcore/internal/autherrors"
	"authcore/pkg/logging"
)

// StateSeparator joins the context identifier and the random component of an
// authorization state.
const StateSeparator = ":"

// GenerateState builds the opaque state for one authorization request:
//
//	"<context-id>:<random>"
//
// The context identifier correlates the response with its originating
// request; the random component defends against replay and CSRF. The random
// component never contains the separator.
func GenerateState(contextID string) string {
	return contextID + StateSeparator + uuid.NewString()
}

// ParseContextID recovers the context identifier from a state value. The
// context identifier may itself contain the separator, so the split happens
// at the LAST occurrence, isolating the random suffix.
func ParseContextID(state string) (string, bool) {
	idx := strings.LastIndex(state, StateSeparator)
	if idx < 0 {
		return "", false
	}
	return state[:idx], true
}

// VerifyState checks a response state against the context identifier of the
// originating request. The context id is compared exactly; the random
// component is not re-validated against anything. A mismatch is a possible
// interception attempt and must never be retried.
func VerifyState(responseState, wantContextID string) error {
	got, ok := ParseContextID(responseState)
	if !ok || got != wantContextID {
		logging.Audit(logging.AuditEvent{
			Action:  "authorization_reconcile",
			Outcome: "state_mismatch",
			Detail:  "context id did not match originating request",
		})
		return &autherrors.StateMismatchError{Expected: wantContextID, Received: got}
	}
	return nil
}
