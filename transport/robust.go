package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbocsi/camlink/metrics"
	"github.com/mbocsi/camlink/proto"
)

const (
	DefaultFallbackDelay    = 5 * time.Second
	DefaultWatchdogInterval = 10 * time.Second
)

// Robust runs the network and aware transports side by side, starts the
// direct transport when neither has connected within the fallback delay and
// re-invokes Connect from a watchdog while nothing is connected.
type Robust struct {
	network Connection
	aware   Connection // optional
	direct  Connection // optional

	fallbackDelay    time.Duration
	watchdogInterval time.Duration

	mu            sync.Mutex
	active        Connection
	stopped       bool
	connected     bool
	fallback      *time.Timer
	fallbackGen   uint64
	watchdog      *time.Timer
	watchdogGen   uint64
	onMessage     func(proto.Message)
	onStateChange func(bool)
}

type RobustOption func(*Robust)

func WithFallbackDelay(d time.Duration) RobustOption {
	return func(r *Robust) { r.fallbackDelay = d }
}

func WithWatchdogInterval(d time.Duration) RobustOption {
	return func(r *Robust) { r.watchdogInterval = d }
}

func NewRobust(network, aware, direct Connection, opts ...RobustOption) *Robust {
	r := &Robust{
		network:          network,
		aware:            aware,
		direct:           direct,
		fallbackDelay:    DefaultFallbackDelay,
		watchdogInterval: DefaultWatchdogInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, c := range r.ordered() {
		c.OnMessage(r.forwardMessage)
		c.OnStateChange(func(bool) { r.refreshState() })
	}
	return r
}

func (r *Robust) Name() string         { return "robust" }
func (r *Robust) IsVideoCapable() bool { return true }

// ordered lists the inner transports in priority order.
func (r *Robust) ordered() []Connection {
	out := []Connection{r.network}
	if r.aware != nil {
		out = append(out, r.aware)
	}
	if r.direct != nil {
		out = append(out, r.direct)
	}
	return out
}

func (r *Robust) Init(ctx context.Context) error {
	for _, c := range r.ordered() {
		if err := c.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Robust) Connect(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = false
	r.armFallbackLocked()
	if r.watchdog == nil {
		r.armWatchdogLocked()
	}
	r.mu.Unlock()

	// Discovery outlives Connect, so no group context here.
	var g errgroup.Group
	g.Go(func() error { return r.network.Connect(ctx) })
	if r.aware != nil {
		g.Go(func() error { return r.aware.Connect(ctx) })
	}
	if err := g.Wait(); err != nil {
		slog.Warn("Primary transport failed to start", "error", err)
		return err
	}
	return nil
}

func (r *Robust) armFallbackLocked() {
	if r.fallback != nil {
		r.fallback.Stop()
	}
	r.fallbackGen++
	gen := r.fallbackGen
	r.fallback = time.AfterFunc(r.fallbackDelay, func() { r.onFallback(gen) })
}

func (r *Robust) cancelFallbackLocked() {
	r.fallbackGen++
	if r.fallback != nil {
		r.fallback.Stop()
		r.fallback = nil
	}
}

func (r *Robust) onFallback(gen uint64) {
	r.mu.Lock()
	if gen != r.fallbackGen || r.stopped {
		r.mu.Unlock()
		return
	}
	r.fallback = nil
	r.mu.Unlock()

	if r.direct == nil || r.IsConnected() {
		return
	}
	metrics.Fallbacks.Inc()
	slog.Info("No primary transport connected, starting fallback", "transport", r.direct.Name(), "after", r.fallbackDelay)
	if err := r.direct.Connect(context.Background()); err != nil {
		slog.Warn("Fallback transport failed to start", "error", err)
	}
}

func (r *Robust) armWatchdogLocked() {
	r.watchdogGen++
	gen := r.watchdogGen
	r.watchdog = time.AfterFunc(r.watchdogInterval, func() { r.onWatchdog(gen) })
}

func (r *Robust) cancelWatchdogLocked() {
	r.watchdogGen++
	if r.watchdog != nil {
		r.watchdog.Stop()
		r.watchdog = nil
	}
}

func (r *Robust) onWatchdog(gen uint64) {
	r.mu.Lock()
	if gen != r.watchdogGen || r.stopped {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if !r.IsConnected() {
		metrics.ReconnectAttempts.Inc()
		slog.Info("Nothing connected, reconnecting")
		r.Connect(context.Background())
	}

	r.mu.Lock()
	if gen == r.watchdogGen && !r.stopped {
		r.watchdog = time.AfterFunc(r.watchdogInterval, func() { r.onWatchdog(gen) })
	}
	r.mu.Unlock()
}

// IsConnected checks the inner transports in priority order. The first
// connected one becomes active and cancels a pending fallback.
func (r *Robust) IsConnected() bool {
	for _, c := range r.ordered() {
		if !c.IsConnected() {
			continue
		}
		r.mu.Lock()
		if r.active != c {
			slog.Info("Active transport changed", "transport", c.Name())
			r.active = c
		}
		r.cancelFallbackLocked()
		r.mu.Unlock()
		return true
	}
	return false
}

// Active returns the transport currently carrying traffic, if any.
func (r *Robust) Active() Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Robust) SendMessage(msg proto.Message) bool {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	if active != nil && active.IsConnected() {
		return active.SendMessage(msg)
	}
	for _, c := range r.ordered() {
		if c.SendMessage(msg) {
			return true
		}
	}
	return false
}

func (r *Robust) Start() {
	r.mu.Lock()
	r.stopped = false
	r.mu.Unlock()
	for _, c := range r.ordered() {
		c.Start()
	}
}

func (r *Robust) Stop() {
	r.halt()
	for _, c := range r.ordered() {
		c.Stop()
	}
}

func (r *Robust) Disconnect() {
	r.halt()
	for _, c := range r.ordered() {
		c.Disconnect()
	}
}

func (r *Robust) halt() {
	r.mu.Lock()
	r.stopped = true
	r.active = nil
	r.cancelFallbackLocked()
	r.cancelWatchdogLocked()
	r.mu.Unlock()
}

func (r *Robust) OnMessage(fn func(proto.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMessage = fn
}

func (r *Robust) OnStateChange(fn func(bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
}

func (r *Robust) forwardMessage(msg proto.Message) {
	r.mu.Lock()
	cb := r.onMessage
	r.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (r *Robust) refreshState() {
	connected := r.IsConnected()

	r.mu.Lock()
	if !connected {
		r.active = nil
	}
	changed := connected != r.connected
	r.connected = connected
	cb := r.onStateChange
	r.mu.Unlock()

	if changed && cb != nil {
		cb(connected)
	}
}
