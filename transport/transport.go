package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbocsi/camlink/proto"
)

// Connection is one way of reaching the paired device.
type Connection interface {
	Name() string
	IsVideoCapable() bool

	// Init performs one-time setup and is idempotent.
	Init(ctx context.Context) error
	// Connect starts discovery/advertisement; the socket comes up asynchronously.
	Connect(ctx context.Context) error
	// Disconnect stops discovery and closes the socket. Safe to call repeatedly.
	Disconnect()
	// SendMessage queues msg for the peer and reports whether it was accepted.
	SendMessage(msg proto.Message) bool
	IsConnected() bool

	Start()
	Stop()

	OnMessage(fn func(proto.Message))
	OnStateChange(fn func(connected bool))
}

type State int

const (
	Uninitialized State = iota
	Initialized
	Discovering
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Discovering:
		return "discovering"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ErrUnavailable is returned by a factory when the platform lacks the radio
// API the transport needs.
var ErrUnavailable = errors.New("transport unavailable on this platform")

// DiscoveryError wraps a platform discovery or advertisement failure.
// Discovery is retried; the error is never fatal.
type DiscoveryError struct {
	Transport string
	Op        string
	Err       error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("%s discovery %s: %v", e.Transport, e.Op, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// ConfigurationError reports that a transport type cannot be used as
// configured. The strategy falls back to DefaultType when it sees one.
type ConfigurationError struct {
	Type Type
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("transport %q misconfigured: %v", e.Type, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
