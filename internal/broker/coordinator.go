package broker

import (
	"context"
	"time"

	"authcore/internal/autherrors"
	"authcore/pkg/logging"
)

const logSubsystem = "Broker"

// defaultAttemptTimeout bounds one transport attempt when the caller does
// not override it. A hung broker must not stall the whole preference list.
const defaultAttemptTimeout = 5 * time.Second

// Coordinator walks an ordered transport preference list, fastest first.
// Unavailable transports are skipped, connection failures fall through to
// the next transport, and the first successful response wins. Transports
// are never raced in parallel.
type Coordinator struct {
	transports     []Transport
	validator      *CallValidator
	attemptTimeout time.Duration
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithAttemptTimeout overrides the per-attempt timeout. Zero disables it,
// leaving only the caller's context deadline.
func WithAttemptTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.attemptTimeout = d
	}
}

// NewCoordinator creates a coordinator over the transports in preference
// order.
func NewCoordinator(validator *CallValidator, transports []Transport, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		transports:     transports,
		validator:      validator,
		attemptTimeout: defaultAttemptTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute validates the caller, then dispatches the bundle through the
// transport list. The returned error is one of the typed broker failures:
// UnauthorizedCallerError before any transport, OperationNotSupportedError
// or a broker-relayed error from the transport that answered, or
// IpcExhaustedError when every transport failed at the connection level.
func (c *Coordinator) Execute(ctx context.Context, bundle *OperationBundle) (*ResponseBundle, error) {
	if err := c.validator.Authorize(bundle.CallerPackage, bundle.Operation); err != nil {
		return nil, err
	}
	if bundle.ProtocolVersion == 0 {
		bundle.ProtocolVersion = ProtocolVersion
	}

	var (
		lastErr   error
		attempted int
	)
	for _, transport := range c.transports {
		if !transport.Available() {
			logging.Debug(logSubsystem, "skipping unavailable transport %s for %s", transport.Name(), bundle.Operation)
			continue
		}
		attempted++

		attemptCtx, cancel := withAttemptTimeout(ctx, c.attemptTimeout)
		resp, err := transport.Execute(attemptCtx, bundle)
		cancel()

		if err == nil {
			logging.Debug(logSubsystem, "transport %s served %s", transport.Name(), bundle.Operation)
			return resp, nil
		}

		if autherrors.IsIpcConnection(err) {
			logging.Warn(logSubsystem, "transport %s failed for %s, trying next: %v", transport.Name(), bundle.Operation, err)
			lastErr = err
			continue
		}

		// Unsupported-by-design and broker-relayed errors are answers, not
		// outages; they never fall through.
		return nil, err
	}

	if ctx.Err() != nil && lastErr == nil {
		lastErr = autherrors.NewIpcConnectionError("coordinator", ctx.Err())
	}
	return nil, &autherrors.IpcExhaustedError{Attempted: attempted, Last: lastErr}
}

// Available reports whether any transport in the preference list is worth
// attempting. Controllers use it to decide between the broker path and the
// direct protocol path.
func (c *Coordinator) Available() bool {
	for _, transport := range c.transports {
		if transport.Available() {
			return true
		}
	}
	return false
}
