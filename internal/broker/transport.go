package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/godbus/dbus/v5"

	"authcore/internal/autherrors"
)

// TransportKind enumerates the known broker transports. Transport dispatch
// is a closed switch over these kinds, not an open plugin interface.
type TransportKind string

const (
	// KindUnixSocket frames JSON envelopes over a Unix domain socket, one
	// newline-terminated envelope per call.
	KindUnixSocket TransportKind = "unix-socket"

	// KindDBus invokes the broker as a D-Bus method on the system bus.
	KindDBus TransportKind = "dbus"

	// KindLoopback dispatches to an in-process handler. Used when the
	// broker runs embedded, and by tests.
	KindLoopback TransportKind = "loopback"
)

// LoopbackHandler serves bundles in-process for the loopback transport.
type LoopbackHandler func(ctx context.Context, bundle *OperationBundle) (*ResponseBundle, error)

// Transport is one broker transport variant. Kind selects which field set
// is live; Execute and Available switch on it.
type Transport struct {
	Kind TransportKind

	// Unix socket fields.
	SocketPath string

	// D-Bus fields.
	BusName    string
	ObjectPath dbus.ObjectPath
	Interface  string

	// Loopback fields.
	Handler LoopbackHandler
}

// UnixSocketTransport returns a Unix-domain-socket transport for the path.
func UnixSocketTransport(socketPath string) Transport {
	return Transport{Kind: KindUnixSocket, SocketPath: socketPath}
}

// DBusTransport returns a system-bus transport for the broker service.
func DBusTransport(busName, objectPath, iface string) Transport {
	return Transport{Kind: KindDBus, BusName: busName, ObjectPath: dbus.ObjectPath(objectPath), Interface: iface}
}

// LoopbackTransport returns an in-process transport backed by the handler.
func LoopbackTransport(handler LoopbackHandler) Transport {
	return Transport{Kind: KindLoopback, Handler: handler}
}

// Name returns the transport's kind for error reporting and logs.
func (t Transport) Name() string {
	return string(t.Kind)
}

// Available reports whether the transport is worth attempting. The probe is
// cheap and side-effect-free; it never dispatches an operation.
func (t Transport) Available() bool {
	switch t.Kind {
	case KindUnixSocket:
		info, err := os.Stat(t.SocketPath)
		return err == nil && info.Mode()&os.ModeSocket != 0
	case KindDBus:
		conn, err := dbus.SystemBus()
		if err != nil {
			return false
		}
		var owner string
		err = conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, t.BusName).Store(&owner)
		return err == nil && owner != ""
	case KindLoopback:
		return t.Handler != nil
	default:
		return false
	}
}

// Execute dispatches one bundle over the transport. Connection-level
// failures, timeouts and malformed envelopes surface as IpcConnectionError;
// well-formed broker errors are mapped by decodeResponse.
func (t Transport) Execute(ctx context.Context, bundle *OperationBundle) (*ResponseBundle, error) {
	switch t.Kind {
	case KindUnixSocket:
		return t.executeSocket(ctx, bundle)
	case KindDBus:
		return t.executeDBus(ctx, bundle)
	case KindLoopback:
		return t.executeLoopback(ctx, bundle)
	default:
		return nil, autherrors.NewIpcConnectionError(t.Name(), fmt.Errorf("unknown transport kind %q", t.Kind))
	}
}

func (t Transport) executeSocket(ctx context.Context, bundle *OperationBundle) (*ResponseBundle, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", t.SocketPath)
	if err != nil {
		return nil, autherrors.NewIpcConnectionError(t.Name(), err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, autherrors.NewIpcConnectionError(t.Name(), err)
		}
	}

	encoded, err := json.Marshal(bundle)
	if err != nil {
		return nil, autherrors.NewIpcConnectionError(t.Name(), err)
	}
	if _, err := conn.Write(append(encoded, '\n')); err != nil {
		return nil, autherrors.NewIpcConnectionError(t.Name(), err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, autherrors.NewIpcConnectionError(t.Name(), err)
	}

	var resp ResponseBundle
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, autherrors.NewIpcConnectionError(t.Name(), fmt.Errorf("malformed envelope: %w", err))
	}
	return decodeResponse(t.Name(), bundle, &resp)
}

func (t Transport) executeDBus(ctx context.Context, bundle *OperationBundle) (*ResponseBundle, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, autherrors.NewIpcConnectionError(t.Name(), err)
	}

	encoded, err := json.Marshal(bundle)
	if err != nil {
		return nil, autherrors.NewIpcConnectionError(t.Name(), err)
	}

	var raw string
	call := conn.Object(t.BusName, t.ObjectPath).
		CallWithContext(ctx, t.Interface+".Execute", 0, string(encoded))
	if err := call.Store(&raw); err != nil {
		return nil, autherrors.NewIpcConnectionError(t.Name(), err)
	}

	var resp ResponseBundle
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, autherrors.NewIpcConnectionError(t.Name(), fmt.Errorf("malformed envelope: %w", err))
	}
	return decodeResponse(t.Name(), bundle, &resp)
}

func (t Transport) executeLoopback(ctx context.Context, bundle *OperationBundle) (*ResponseBundle, error) {
	type outcome struct {
		resp *ResponseBundle
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := t.Handler(ctx, bundle)
		done <- outcome{resp, err}
	}()

	select {
	case <-ctx.Done():
		return nil, autherrors.NewIpcConnectionError(t.Name(), ctx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		return decodeResponse(t.Name(), bundle, out.resp)
	}
}

// Negotiate runs the hello handshake on one transport and returns the
// version the broker selected.
func (t Transport) Negotiate(ctx context.Context, caller string) (int, error) {
	payload, err := json.Marshal(HelloRequest{MaxProtocolVersion: ProtocolVersion})
	if err != nil {
		return 0, autherrors.NewIpcConnectionError(t.Name(), err)
	}

	resp, err := t.Execute(ctx, &OperationBundle{
		Operation:       OperationHello,
		CallerPackage:   caller,
		ProtocolVersion: ProtocolVersion,
		Payload:         payload,
	})
	if err != nil {
		return 0, err
	}

	var hello HelloResponse
	if err := json.Unmarshal(resp.Payload, &hello); err != nil {
		return 0, autherrors.NewIpcConnectionError(t.Name(), fmt.Errorf("malformed hello payload: %w", err))
	}
	if hello.NegotiatedVersion < 1 || hello.NegotiatedVersion > ProtocolVersion {
		return 0, autherrors.NewIpcConnectionError(t.Name(),
			fmt.Errorf("broker negotiated unusable protocol version %d", hello.NegotiatedVersion))
	}
	return hello.NegotiatedVersion, nil
}

// withAttemptTimeout bounds a single transport attempt without shortening a
// stricter caller deadline.
func withAttemptTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
