package transport

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/mbocsi/camlink/socket"
)

const (
	DefaultDirectPort   = 8988
	DefaultDialAttempts = 5
)

// GroupInfo describes a formed peer-to-peer group.
type GroupInfo struct {
	IsOwner      bool
	OwnerAddress string
}

// GroupService is the platform's direct peer-to-peer group API.
type GroupService interface {
	// RequestGroup starts peer discovery and group negotiation. onGroup is
	// called on a platform goroutine whenever a group forms.
	RequestGroup(ctx context.Context, onGroup func(GroupInfo)) error
	RemoveGroup() error
}

// PeerToPeerDirect pairs over a direct radio link. The group owner listens
// on a fixed port and the other member dials it.
type PeerToPeerDirect struct {
	*base
	groups       GroupService
	port         int
	dialAttempts int
	isLocal      func(host string) bool

	busy atomic.Bool
}

func NewPeerToPeerDirect(groups GroupService, port int, opts ...socket.Option) *PeerToPeerDirect {
	if port == 0 {
		port = DefaultDirectPort
	}
	return &PeerToPeerDirect{
		base:         newBase("direct", true, opts...),
		groups:       groups,
		port:         port,
		dialAttempts: DefaultDialAttempts,
		isLocal:      isLocalAddress,
	}
}

func (d *PeerToPeerDirect) Init(ctx context.Context) error {
	d.initIdentity()
	return nil
}

func (d *PeerToPeerDirect) Connect(ctx context.Context) error {
	d.Init(ctx)
	dctx, ok := d.beginDiscovery(ctx)
	if !ok {
		return nil
	}
	d.busy.Store(false)
	d.armPairingTimeout(dctx, d.removeGroup)
	go d.requestLoop(dctx)
	return nil
}

func (d *PeerToPeerDirect) requestLoop(ctx context.Context) {
	for {
		err := d.groups.RequestGroup(ctx, func(info GroupInfo) { d.onGroup(ctx, info) })
		if err == nil || ctx.Err() != nil {
			return
		}
		d.discoveryFailed("request-group", err)
		if !d.waitRetry(ctx) {
			return
		}
	}
}

func (d *PeerToPeerDirect) onGroup(ctx context.Context, info GroupInfo) {
	if ctx.Err() != nil || d.IsConnected() {
		return
	}
	if !info.IsOwner && d.isLocal(info.OwnerAddress) {
		slog.Debug("Group owner address is local, not dialing", "addr", info.OwnerAddress)
		return
	}
	if !d.busy.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer d.busy.Store(false)
		if info.IsOwner {
			slog.Info("Group formed as owner, listening", "port", d.port)
			conn, err := d.handler.ListenOn(ctx, d.port)
			if err != nil {
				slog.Warn("Direct listen failed", "error", err)
				d.giveUp(ctx, "listen failed")
				return
			}
			d.serve(conn)
			return
		}

		slog.Info("Group formed as client, dialing owner", "owner", info.OwnerAddress, "port", d.port)
		for attempt := 1; attempt <= d.dialAttempts; attempt++ {
			conn, err := d.handler.ConnectTo(ctx, info.OwnerAddress, d.port)
			if err == nil {
				d.serve(conn)
				return
			}
			slog.Debug("Dial to group owner failed", "attempt", attempt, "error", err)
			if !d.waitRetry(ctx) {
				return
			}
		}
		slog.Warn("Giving up on group owner", "owner", info.OwnerAddress, "attempts", d.dialAttempts)
		d.giveUp(ctx, "group owner unreachable")
	}()
}

// giveUp ends the round and leaves the group so the next Connect negotiates
// a fresh one.
func (d *PeerToPeerDirect) giveUp(ctx context.Context, reason string) {
	if d.roundFailed(ctx, reason) {
		d.removeGroup()
	}
}

func (d *PeerToPeerDirect) removeGroup() {
	if err := d.groups.RemoveGroup(); err != nil {
		slog.Debug("Failed to remove group", "error", err)
	}
}

func (d *PeerToPeerDirect) Disconnect() {
	d.closeSocket()
	d.removeGroup()
}
