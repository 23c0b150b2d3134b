package transport

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/mbocsi/camlink/socket"
)

const DefaultAwareService = "camlink"

// AwarePeer is a subscriber match reported by the data path service.
type AwarePeer struct {
	Handle   string
	Identity string
}

// DataPath is the network endpoint of an established data path.
type DataPath struct {
	Host string
	Port int
}

// DataPathService is the platform's proximity-aware publish/subscribe and
// data path API.
type DataPathService interface {
	Publish(ctx context.Context, service, identity string) error
	Subscribe(ctx context.Context, service string, onPeer func(AwarePeer)) error
	// RequestDataPath asks for a data path to peer. A non-zero port is
	// advertised to the peer as the listening port.
	RequestDataPath(ctx context.Context, peer AwarePeer, port int, onAvailable func(DataPath), onLost func()) error
	Close() error
}

// PeerToPeerAware pairs over a proximity-aware data path. The side with the
// smaller identity serves, the other dials the address the data path reports.
type PeerToPeerAware struct {
	*base
	paths   DataPathService
	service string
	port    int

	busy atomic.Bool
}

func NewPeerToPeerAware(paths DataPathService, service string, port int, opts ...socket.Option) *PeerToPeerAware {
	if service == "" {
		service = DefaultAwareService
	}
	return &PeerToPeerAware{
		base:    newBase("aware", false, opts...),
		paths:   paths,
		service: service,
		port:    port,
	}
}

func (a *PeerToPeerAware) Init(ctx context.Context) error {
	a.initIdentity()
	return nil
}

func (a *PeerToPeerAware) Connect(ctx context.Context) error {
	a.Init(ctx)
	dctx, ok := a.beginDiscovery(ctx)
	if !ok {
		return nil
	}
	a.busy.Store(false)
	a.armPairingTimeout(dctx, nil)
	go a.discoverLoop(dctx)
	return nil
}

func (a *PeerToPeerAware) discoverLoop(ctx context.Context) {
	for {
		err := a.paths.Publish(ctx, a.service, a.Identity())
		if err == nil {
			err = a.paths.Subscribe(ctx, a.service, func(p AwarePeer) { a.onPeer(ctx, p) })
		}
		if err == nil || ctx.Err() != nil {
			return
		}
		a.discoveryFailed("publish-subscribe", err)
		if !a.waitRetry(ctx) {
			return
		}
	}
}

func (a *PeerToPeerAware) onPeer(ctx context.Context, p AwarePeer) {
	if p.Identity == a.Identity() {
		slog.Debug("Ignoring own publication", "identity", p.Identity)
		return
	}
	if ctx.Err() != nil || a.IsConnected() {
		return
	}
	if !a.busy.CompareAndSwap(false, true) {
		return
	}

	onLost := func() {
		slog.Info("Data path lost", "peer", p.Identity)
		a.handler.Close()
	}

	if a.Identity() < p.Identity {
		go a.serveDataPath(ctx, p, onLost)
		return
	}

	go a.requestDataPath(ctx, p, onLost)
}

// requestDataPath asks for a data path to p and dials it once available.
func (a *PeerToPeerAware) requestDataPath(ctx context.Context, p AwarePeer, onLost func()) {
	err := a.paths.RequestDataPath(ctx, p, 0, func(dp DataPath) {
		go a.dialDataPath(ctx, dp)
	}, onLost)
	if err != nil && ctx.Err() == nil {
		a.busy.Store(false)
		a.discoveryFailed("request-data-path", err)
		a.roundFailed(ctx, "data path request failed")
	}
}

func (a *PeerToPeerAware) serveDataPath(ctx context.Context, p AwarePeer, onLost func()) {
	defer a.busy.Store(false)
	port, err := a.handler.Bind(a.port)
	if err != nil {
		slog.Warn("Aware listen failed", "error", err)
		a.roundFailed(ctx, "listen failed")
		return
	}
	if err := a.paths.RequestDataPath(ctx, p, port, nil, onLost); err != nil {
		a.handler.CloseListener()
		a.discoveryFailed("request-data-path", err)
		a.roundFailed(ctx, "data path request failed")
		return
	}
	conn, err := a.handler.ListenOn(ctx, port)
	if err != nil {
		slog.Debug("Aware listener ended", "error", err)
		a.roundFailed(ctx, "listener ended")
		return
	}
	a.serve(conn)
}

func (a *PeerToPeerAware) dialDataPath(ctx context.Context, dp DataPath) {
	defer a.busy.Store(false)
	conn, err := a.handler.ConnectTo(ctx, dp.Host, dp.Port)
	if err != nil {
		slog.Warn("Failed to dial data path", "host", dp.Host, "port", dp.Port, "error", err)
		a.roundFailed(ctx, "data path unreachable")
		return
	}
	a.serve(conn)
}

func (a *PeerToPeerAware) Disconnect() {
	a.closeSocket()
	if err := a.paths.Close(); err != nil {
		slog.Debug("Failed to close data path service", "error", err)
	}
}
