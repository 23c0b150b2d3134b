package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mbocsi/camlink/socket"
)

// Network pairs over the local area network. Both sides listen and
// advertise; on discovering a non-self peer the side with the smaller
// identity dials.
type Network struct {
	*base
	discovery Discovery
	port      int

	boundPort atomic.Int32
	dialing   atomic.Bool
	advMu     sync.Mutex
	stopAdv   func()
}

func NewNetwork(discovery Discovery, port int, opts ...socket.Option) *Network {
	return &Network{
		base:      newBase("network", true, opts...),
		discovery: discovery,
		port:      port,
	}
}

func (n *Network) Init(ctx context.Context) error {
	n.initIdentity()
	return nil
}

func (n *Network) Connect(ctx context.Context) error {
	n.Init(ctx)
	dctx, ok := n.beginDiscovery(ctx)
	if !ok {
		return nil
	}

	port, err := n.handler.Bind(n.port)
	if err != nil {
		n.endDiscovery()
		return fmt.Errorf("network listen failed: %w", err)
	}
	n.boundPort.Store(int32(port))

	go n.acceptLoop(dctx, port)
	go n.advertiseLoop(dctx, port)
	go n.discoverLoop(dctx)
	return nil
}

func (n *Network) acceptLoop(ctx context.Context, port int) {
	conn, err := n.handler.ListenOn(ctx, port)
	if err != nil {
		if ctx.Err() == nil && !n.IsConnected() {
			slog.Debug("Network listener ended", "error", err)
		}
		return
	}
	n.serve(conn)
}

func (n *Network) advertiseLoop(ctx context.Context, port int) {
	for {
		stop, err := n.discovery.Advertise(n.Identity(), port)
		if err == nil {
			n.advMu.Lock()
			n.stopAdv = stop
			n.advMu.Unlock()
			<-ctx.Done()
			n.stopAdvertising()
			return
		}
		n.discoveryFailed("advertise", err)
		if !n.waitRetry(ctx) {
			return
		}
	}
}

func (n *Network) stopAdvertising() {
	n.advMu.Lock()
	stop := n.stopAdv
	n.stopAdv = nil
	n.advMu.Unlock()
	if stop != nil {
		stop()
	}
}

func (n *Network) discoverLoop(ctx context.Context) {
	for {
		err := n.discovery.Browse(ctx, func(p Peer) { n.onPeer(ctx, p) })
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			n.discoveryFailed("browse", err)
		}
		if !n.waitRetry(ctx) {
			return
		}
	}
}

func (n *Network) isSelf(p Peer) bool {
	if p.Identity == n.Identity() {
		return true
	}
	return p.Port == int(n.boundPort.Load()) && isLocalAddress(p.Host)
}

// onPeer runs on the discovery goroutine and never blocks it.
func (n *Network) onPeer(ctx context.Context, p Peer) {
	if n.isSelf(p) {
		slog.Debug("Ignoring own advertisement", "identity", p.Identity)
		return
	}
	if n.IsConnected() {
		return
	}
	if n.Identity() > p.Identity {
		slog.Debug("Waiting for peer to dial", "peer", p.Identity)
		return
	}
	if !n.dialing.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer n.dialing.Store(false)
		slog.Info("Dialing discovered peer", "peer", p.Identity, "host", p.Host, "port", p.Port)
		conn, err := n.handler.ConnectTo(ctx, p.Host, p.Port)
		if err != nil {
			slog.Warn("Failed to dial peer", "peer", p.Identity, "error", err)
			return
		}
		// Serve before releasing the listener so a late ListenOn sees the
		// session and does not bind again.
		n.serve(conn)
		n.handler.CloseListener()
	}()
}

func (n *Network) Disconnect() {
	n.closeSocket()
	n.stopAdvertising()
}
