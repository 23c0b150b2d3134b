package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbocsi/camlink/metrics"
	"github.com/mbocsi/camlink/proto"
	"github.com/mbocsi/camlink/socket"
)

const (
	DefaultDiscoveryRetryDelay = 2 * time.Second
	// DefaultPairingTimeout bounds one pairing round of the platform radio
	// transports. A round that has not produced a socket by then ends its
	// discovery session so the next Connect starts a fresh one.
	DefaultPairingTimeout = 30 * time.Second
)

// base carries what every socket-backed variant shares: identity, the
// socket handler, lifecycle state and callbacks.
type base struct {
	name           string
	videoCapable   bool
	handler        *socket.Handler
	retryDelay     time.Duration
	pairingTimeout time.Duration

	mu            sync.Mutex
	state         State
	identity      string
	session       context.Context
	cancel        context.CancelFunc
	onMessage     func(proto.Message)
	onStateChange func(bool)
}

func newBase(name string, videoCapable bool, opts ...socket.Option) *base {
	b := &base{
		name:           name,
		videoCapable:   videoCapable,
		handler:        socket.NewHandler(name, opts...),
		retryDelay:     DefaultDiscoveryRetryDelay,
		pairingTimeout: DefaultPairingTimeout,
	}
	b.handler.OnData(b.handleLine)
	b.handler.OnConnected(b.handleConnected)
	b.handler.OnDisconnected(b.handleDisconnected)
	return b
}

func (b *base) Name() string         { return b.name }
func (b *base) IsVideoCapable() bool { return b.videoCapable }
func (b *base) IsConnected() bool    { return b.handler.IsConnected() }

func (b *base) Identity() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity
}

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *base) OnMessage(fn func(proto.Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMessage = fn
}

func (b *base) OnStateChange(fn func(bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// initIdentity generates the identity on first use and reports whether it did.
func (b *base) initIdentity() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.identity != "" {
		return false
	}
	b.identity = b.name + "-" + uuid.NewString()
	b.state = Initialized
	slog.Info("Transport initialized", "transport", b.name, "identity", b.identity)
	return true
}

func (b *base) Start() {
	b.handler.Resume()
}

func (b *base) Stop() {
	b.handler.Stop()
}

func (b *base) SendMessage(msg proto.Message) bool {
	if !b.handler.IsConnected() {
		return false
	}
	line, err := msg.Encode()
	if err != nil {
		slog.Warn("Failed to encode outbound message", "transport", b.name, "error", err)
		return false
	}
	if err := b.handler.Enqueue(context.Background(), line); err != nil {
		slog.Warn("Failed to queue outbound message", "transport", b.name, "error", err)
		return false
	}
	return true
}

// beginDiscovery opens a discovery session. It returns false if one is
// already running or the socket is up.
func (b *base) beginDiscovery(parent context.Context) (context.Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil || b.handler.IsConnected() {
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	b.session = ctx
	b.cancel = cancel
	b.state = Discovering
	return ctx, true
}

func (b *base) endDiscovery() {
	b.mu.Lock()
	cancel := b.cancel
	b.session = nil
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// roundFailed ends the discovery session ctx belongs to, unless a socket
// came up or the session is already over. It reports whether it ended it.
func (b *base) roundFailed(ctx context.Context, reason string) bool {
	if ctx.Err() != nil || b.handler.IsConnected() {
		return false
	}
	b.mu.Lock()
	if b.session != ctx {
		b.mu.Unlock()
		return false
	}
	cancel := b.cancel
	b.session = nil
	b.cancel = nil
	b.state = Disconnected
	b.mu.Unlock()
	cancel()

	slog.Warn("Pairing round failed, discovery restarts on next connect", "transport", b.name, "reason", reason)
	return true
}

// armPairingTimeout fails the round of session ctx if no socket is up
// within the pairing timeout.
func (b *base) armPairingTimeout(ctx context.Context, onFail func()) {
	t := time.AfterFunc(b.pairingTimeout, func() {
		if b.roundFailed(ctx, "pairing timed out") && onFail != nil {
			onFail()
		}
	})
	context.AfterFunc(ctx, func() { t.Stop() })
}

// closeSocket tears down discovery and the socket.
func (b *base) closeSocket() {
	b.endDiscovery()
	b.handler.CloseListener()
	b.handler.Close()
	b.mu.Lock()
	if b.state != Uninitialized {
		b.state = Disconnected
	}
	b.mu.Unlock()
}

// serve hands an established socket to the handler.
func (b *base) serve(conn net.Conn) {
	if err := b.handler.StartCommunication(conn); err != nil {
		slog.Debug("Dropping extra connection", "transport", b.name, "error", err)
	}
}

// waitRetry sleeps for the discovery retry delay. It returns false when ctx
// ends first.
func (b *base) waitRetry(ctx context.Context) bool {
	t := time.NewTimer(b.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (b *base) discoveryFailed(op string, err error) {
	metrics.DiscoveryErrors.WithLabelValues(b.name).Inc()
	derr := &DiscoveryError{Transport: b.name, Op: op, Err: err}
	slog.Warn("Discovery failed, retrying", "transport", b.name, "error", derr, "retry_in", b.retryDelay)
}

func (b *base) handleLine(line string) {
	msg, err := proto.Decode([]byte(line))
	if err != nil {
		metrics.ParseErrors.WithLabelValues(b.name).Inc()
		slog.Warn("Dropping malformed frame", "transport", b.name, "error", err)
		return
	}
	b.mu.Lock()
	cb := b.onMessage
	b.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (b *base) handleConnected() {
	b.mu.Lock()
	b.state = Connected
	cb := b.onStateChange
	b.mu.Unlock()

	metrics.Connected.WithLabelValues(b.name).Set(1)
	slog.Info("Transport connected", "transport", b.name)
	if cb != nil {
		cb(true)
	}
}

func (b *base) handleDisconnected() {
	b.endDiscovery()
	b.mu.Lock()
	b.state = Disconnected
	cb := b.onStateChange
	b.mu.Unlock()

	metrics.Connected.WithLabelValues(b.name).Set(0)
	slog.Info("Transport disconnected", "transport", b.name)
	if cb != nil {
		cb(false)
	}
}

// isLocalAddress reports whether host is one of this machine's addresses.
func isLocalAddress(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
			return true
		}
	}
	return false
}
