package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
)

type Type string

const (
	Auto                 Type = "auto"
	NetworkType          Type = "network"
	PeerToPeerDirectType Type = "direct"
	PeerToPeerAwareType  Type = "aware"
	RobustType           Type = "robust"

	DefaultType = NetworkType
)

func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case Auto, NetworkType, PeerToPeerDirectType, PeerToPeerAwareType, RobustType:
		return t, nil
	case "":
		return Auto, nil
	default:
		return "", fmt.Errorf("unknown connection type %q", s)
	}
}

// Factory builds a fresh connection. It returns ErrUnavailable when the
// platform cannot provide the transport.
type Factory func() (Connection, error)

// NetworkProbe reports whether a local area network is reachable right now.
type NetworkProbe func() bool

// DefaultNetworkProbe looks for an up, non-loopback interface with an IPv4 address.
func DefaultNetworkProbe() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return true
			}
		}
	}
	return false
}

// Strategy selects and caches the single live connection.
type Strategy struct {
	mu          sync.Mutex
	factories   map[Type]Factory
	probe       NetworkProbe
	current     Connection
	currentType Type
	// requested is the resolved type asked for when current was built. It
	// differs from currentType after a fallback.
	requested Type
}

func NewStrategy(probe NetworkProbe) *Strategy {
	if probe == nil {
		probe = DefaultNetworkProbe
	}
	return &Strategy{
		factories: make(map[Type]Factory),
		probe:     probe,
	}
}

func (s *Strategy) Register(t Type, f Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[t] = f
}

// Resolve maps Auto onto a concrete type using the network probe.
func (s *Strategy) Resolve(t Type) Type {
	if t != Auto {
		return t
	}
	if s.probe() {
		return NetworkType
	}
	return PeerToPeerDirectType
}

// GetConnection returns the connection for t, reusing the cached instance
// when the resolved type is unchanged. A type that fell back earlier reuses
// its fallback. A different type tears the previous instance down before
// its replacement is built.
func (s *Strategy) GetConnection(ctx context.Context, t Type) (Connection, error) {
	resolved := s.Resolve(t)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && (s.currentType == resolved || s.requested == resolved) {
		return s.current, nil
	}

	if prev := s.current; prev != nil {
		slog.Info("Switching connection", "from", s.currentType, "to", resolved)
		prev.Stop()
		prev.Disconnect()
		s.current = nil
		s.currentType = ""
		s.requested = ""
	}

	requested := resolved
	conn, err := s.build(resolved)
	var cerr *ConfigurationError
	if errors.As(err, &cerr) && resolved != DefaultType {
		slog.Warn("Connection type unusable, falling back", "type", resolved, "fallback", DefaultType, "error", err)
		resolved = DefaultType
		conn, err = s.build(resolved)
	}
	if err != nil {
		return nil, err
	}

	if err := conn.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to init %s connection: %w", resolved, err)
	}
	s.current = conn
	s.currentType = resolved
	s.requested = requested
	return conn, nil
}

func (s *Strategy) build(t Type) (Connection, error) {
	f, ok := s.factories[t]
	if !ok {
		return nil, &ConfigurationError{Type: t, Err: ErrUnavailable}
	}
	conn, err := f()
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, &ConfigurationError{Type: t, Err: err}
		}
		return nil, err
	}
	return conn, nil
}

func (s *Strategy) Current() (Connection, Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.currentType
}

// Close tears down the cached connection.
func (s *Strategy) Close() {
	s.mu.Lock()
	conn := s.current
	s.current = nil
	s.currentType = ""
	s.requested = ""
	s.mu.Unlock()
	if conn != nil {
		conn.Stop()
		conn.Disconnect()
	}
}
