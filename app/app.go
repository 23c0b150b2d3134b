package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mbocsi/camlink/broker"
	"github.com/mbocsi/camlink/config"
	"github.com/mbocsi/camlink/mcp"
	"github.com/mbocsi/camlink/metrics"
	"github.com/mbocsi/camlink/motion"
	"github.com/mbocsi/camlink/router"
	"github.com/mbocsi/camlink/signaling"
	"github.com/mbocsi/camlink/socket"
	"github.com/mbocsi/camlink/transport"
	"github.com/mbocsi/camlink/web"
)

const shutdownTimeout = 5 * time.Second

// App wires the buses, the connection strategy and every consumer of the
// peer link together and owns their lifecycle.
type App struct {
	cfg     *config.Config
	version string

	Buses     *broker.Buses
	Strategy  *transport.Strategy
	Router    *router.Router
	Sender    *router.Sender
	Motion    *motion.RemoteController
	Signaling *signaling.Handler
	Web       *web.WebClient
	MCP       *mcp.MCPClient

	discovery  transport.Discovery
	groups     transport.GroupService
	paths      transport.DataPathService
	probe      transport.NetworkProbe
	notifier   motion.Notifier
	pipeline   signaling.MediaPipeline
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	mu      sync.Mutex
	baseCtx context.Context
	calling bool
}

type Option func(*App)

func WithDiscovery(d transport.Discovery) Option {
	return func(a *App) { a.discovery = d }
}

// WithGroupService enables the direct transport.
func WithGroupService(g transport.GroupService) Option {
	return func(a *App) { a.groups = g }
}

// WithDataPathService enables the aware transport.
func WithDataPathService(p transport.DataPathService) Option {
	return func(a *App) { a.paths = p }
}

func WithNetworkProbe(p transport.NetworkProbe) Option {
	return func(a *App) { a.probe = p }
}

func WithNotifier(n motion.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithPipeline replaces the pion peer connection.
func WithPipeline(p signaling.MediaPipeline) Option {
	return func(a *App) { a.pipeline = p }
}

func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) {
		a.registerer = reg
		a.gatherer = reg
	}
}

func New(cfg *config.Config, version string, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		version:    version,
		probe:      transport.DefaultNetworkProbe,
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
		baseCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.discovery == nil {
		a.discovery = transport.NewMDNSDiscovery(cfg.Network.Service)
	}
	if err := metrics.Register(a.registerer); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	a.Buses = broker.NewBuses()
	a.Strategy = transport.NewStrategy(a.probe)
	a.registerFactories()
	a.Router = router.New(a.Buses)
	a.Sender = router.NewSender(a.Buses.Outbound, a.Strategy)

	var toaster motion.Toaster = logToaster{}
	if cfg.Web.Enabled {
		a.Web = web.NewWebClient(a, a.Buses, a.gatherer)
		toaster = a.Web
	}
	a.Motion = motion.NewRemoteController(a.Buses, a.notifier, toaster,
		motion.WithCooldown(cfg.Motion.NotificationCooldown))
	if a.Web != nil {
		a.Motion.AddListener(a.Web)
	}

	role := cfg.SignalingRole()
	if a.pipeline == nil {
		pc, err := signaling.NewPeerConnection(signaling.PeerConnectionOptions{
			ICEServers:   cfg.Media.ICEServers,
			ReceiveVideo: role == signaling.RoleView,
			OnCandidate:  a.sendCandidate,
		})
		if err != nil {
			a.Buses.Close()
			return nil, err
		}
		a.pipeline = pc
	}
	a.Signaling = signaling.NewHandler(role, a.Buses, a.pipeline)

	if cfg.MCP.Enabled {
		a.MCP = mcp.NewMCPClient(a, mcp.NewMCPServer(version))
	}
	return a, nil
}

func (a *App) socketOptions() []socket.Option {
	return []socket.Option{
		socket.WithQueueCapacity(a.cfg.Socket.QueueCapacity),
		socket.WithDialTimeout(a.cfg.Socket.DialTimeout),
	}
}

func (a *App) registerFactories() {
	cfg := a.cfg
	a.Strategy.Register(transport.NetworkType, func() (transport.Connection, error) {
		return transport.NewNetwork(a.discovery, cfg.Network.Port, a.socketOptions()...), nil
	})
	a.Strategy.Register(transport.PeerToPeerDirectType, func() (transport.Connection, error) {
		if a.groups == nil {
			return nil, transport.ErrUnavailable
		}
		return transport.NewPeerToPeerDirect(a.groups, cfg.Direct.Port, a.socketOptions()...), nil
	})
	a.Strategy.Register(transport.PeerToPeerAwareType, func() (transport.Connection, error) {
		if a.paths == nil {
			return nil, transport.ErrUnavailable
		}
		return transport.NewPeerToPeerAware(a.paths, cfg.Aware.Service, cfg.Aware.Port, a.socketOptions()...), nil
	})
	a.Strategy.Register(transport.RobustType, func() (transport.Connection, error) {
		network := transport.NewNetwork(a.discovery, cfg.Network.Port, a.socketOptions()...)
		var aware, direct transport.Connection
		if a.paths != nil {
			aware = transport.NewPeerToPeerAware(a.paths, cfg.Aware.Service, cfg.Aware.Port, a.socketOptions()...)
		}
		if a.groups != nil {
			direct = transport.NewPeerToPeerDirect(a.groups, cfg.Direct.Port, a.socketOptions()...)
		}
		return transport.NewRobust(network, aware, direct,
			transport.WithFallbackDelay(cfg.Robust.FallbackDelay),
			transport.WithWatchdogInterval(cfg.Robust.WatchdogInterval),
		), nil
	})
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.baseCtx = ctx
	a.mu.Unlock()

	a.Sender.Start()
	a.Motion.Start()
	a.Signaling.Start()

	if err := a.SwitchConnection(ctx, a.cfg.ConnectionType()); err != nil {
		a.shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.watchdog(gctx)
		return nil
	})
	if a.Web != nil {
		g.Go(func() error { return a.Web.Start(a.cfg.Web.Addr) })
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.Web.Shutdown(sctx)
		})
	}
	if a.MCP != nil {
		g.Go(func() error { return a.MCP.Start(gctx) })
	}

	err := g.Wait()
	a.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) shutdown() {
	slog.Info("Shutting down")
	a.Signaling.Stop()
	a.Motion.Stop()
	a.Sender.Stop()
	a.Strategy.Close()
	a.Buses.Close()
}

// watchdog reconnects single transports that lost their peer. The robust
// connection runs its own.
func (a *App) watchdog(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Robust.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkConnection(ctx)
		}
	}
}

func (a *App) checkConnection(ctx context.Context) {
	conn, t := a.Strategy.Current()
	if conn == nil || t == transport.RobustType || conn.IsConnected() {
		return
	}
	metrics.ReconnectAttempts.Inc()
	slog.Debug("Not connected, reconnecting", "transport", conn.Name())
	if err := conn.Connect(ctx); err != nil {
		slog.Warn("Reconnect failed", "transport", conn.Name(), "error", err)
	}
}

// SwitchConnection makes t the active connection type and starts pairing.
// Discovery runs under the application context, not ctx.
func (a *App) SwitchConnection(ctx context.Context, t transport.Type) error {
	conn, err := a.Strategy.GetConnection(ctx, t)
	if err != nil {
		return err
	}
	conn.OnMessage(a.handleMessage)
	conn.OnStateChange(a.handleStateChange)
	conn.Start()

	a.mu.Lock()
	base := a.baseCtx
	a.mu.Unlock()
	if err := conn.Connect(base); err != nil {
		return fmt.Errorf("failed to connect %s: %w", conn.Name(), err)
	}
	slog.Info("Connection selected", "requested", t, "transport", conn.Name())
	return nil
}

func (a *App) ToggleMotionDetection(enable bool) error {
	return a.Motion.ToggleMotionDetection(enable)
}

func (a *App) Status() web.Status {
	s := web.Status{
		Role:   string(a.cfg.SignalingRole()),
		Motion: a.Motion.State(),
	}
	conn, t := a.Strategy.Current()
	s.Connection = string(t)
	if conn == nil {
		return s
	}
	s.Connected = conn.IsConnected()
	s.Transport = conn.Name()
	s.VideoCapable = conn.IsVideoCapable()
	if r, ok := conn.(*transport.Robust); ok {
		if active := r.Active(); active != nil {
			s.Transport = active.Name()
			s.VideoCapable = active.IsVideoCapable()
		}
	}
	return s
}
