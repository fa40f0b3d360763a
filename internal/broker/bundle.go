// Package broker delegates credential operations to a system-level broker
// process over one of several inter-process transports. The coordinator
// walks an ordered transport preference list with fallback on connection
// failures; caller validation happens before any transport is touched.
package broker

import (
	"encoding/json"
	"fmt"

	"authcore/internal/autherrors"
	"authcore/internal/cache"
)

// ProtocolVersion is the highest envelope version this client speaks. The
// hello handshake negotiates downward from here.
const ProtocolVersion = 2

// Operation names a broker operation. The allow-list and the per-transport
// support sets are keyed by these names.
type Operation string

const (
	OperationHello              Operation = "hello"
	OperationAcquireSilent      Operation = "acquireTokenSilent"
	OperationAcquireInteractive Operation = "acquireTokenInteractive"
	OperationGetAccounts        Operation = "getAccounts"
	OperationRemoveAccount      Operation = "removeAccount"
)

// OperationBundle is the uniform request envelope every transport carries.
type OperationBundle struct {
	Operation       Operation       `json:"operation"`
	CallerPackage   string          `json:"caller_package"`
	ProtocolVersion int             `json:"protocol_version"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// ResponseBundle is the uniform response envelope. Exactly one of Payload
// and Error is populated.
type ResponseBundle struct {
	Operation       Operation       `json:"operation"`
	ProtocolVersion int             `json:"protocol_version"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Error           *WireError      `json:"error,omitempty"`
}

// WireError is the broker-side failure shape inside a well-formed envelope.
type WireError struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// Wire error codes with a dedicated client-side mapping.
const (
	wireCodeOperationNotSupported = "operation_not_supported"
	wireCodeUnsupportedProtocol   = "unsupported_protocol_version"
	wireCodeUnauthorized          = "unauthorized_caller"
)

// AcquireRequest is the payload for the token acquisition operations.
type AcquireRequest struct {
	HomeAccountID string   `json:"home_account_id,omitempty"`
	ClientID      string   `json:"client_id"`
	Scopes        []string `json:"scopes"`
	Claims        string   `json:"claims,omitempty"`
	Prompt        string   `json:"prompt,omitempty"`
}

// AcquireResult is the payload of a successful acquisition: the records the
// broker minted, ready for the local cache.
type AcquireResult struct {
	Account     *cache.AccountRecord      `json:"account"`
	Credentials []*cache.CredentialRecord `json:"credentials"`
}

// RemoveAccountRequest is the payload for the account removal operation.
// Removal through the broker wipes the broker-held credentials for the
// account, not just the local copies.
type RemoveAccountRequest struct {
	HomeAccountID string `json:"home_account_id"`
	Environment   string `json:"environment"`
}

// HelloRequest negotiates the envelope version before real operations.
type HelloRequest struct {
	MaxProtocolVersion int `json:"max_protocol_version"`
}

// HelloResponse carries the broker's selected version.
type HelloResponse struct {
	NegotiatedVersion int `json:"negotiated_version"`
}

// decodeResponse maps a well-formed envelope onto the uniform result:
// payload on success, a typed error otherwise.
func decodeResponse(transport string, bundle *OperationBundle, resp *ResponseBundle) (*ResponseBundle, error) {
	if resp.Error == nil {
		return resp, nil
	}

	switch resp.Error.Code {
	case wireCodeOperationNotSupported:
		return nil, &autherrors.OperationNotSupportedError{
			Transport: transport,
			Operation: string(bundle.Operation),
		}
	case wireCodeUnsupportedProtocol:
		// A version the broker refuses to speak is indistinguishable from a
		// broker this transport cannot reach; let the next transport try.
		return nil, autherrors.NewIpcConnectionError(transport,
			fmt.Errorf("broker rejected protocol version %d", bundle.ProtocolVersion))
	case wireCodeUnauthorized:
		return nil, &autherrors.UnauthorizedCallerError{
			Caller:    bundle.CallerPackage,
			Operation: string(bundle.Operation),
		}
	default:
		return nil, &autherrors.ServerError{
			Code:        resp.Error.Code,
			Description: resp.Error.Description,
		}
	}
}
