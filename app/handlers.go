package app

import (
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/mbocsi/camlink/proto"
	"github.com/mbocsi/camlink/signaling"
)

func (a *App) handleMessage(msg proto.Message) {
	slog.Debug("Message received", "keys", msg.Keys())
	a.Router.Route(msg)
}

// handleStateChange announces link changes and starts the media call from
// the viewing side once a peer is reachable. CONNECTED goes to the peer;
// DISCONNECTED cannot, so it is routed to the local buses instead.
func (a *App) handleStateChange(connected bool) {
	slog.Info("Peer connection state changed", "connected", connected)
	if connected {
		if err := a.Buses.Outbound.Emit(proto.NewCommand(proto.CommandConnected)); err != nil {
			slog.Debug("Failed to announce connection", "error", err)
		}
	} else {
		a.Router.Route(proto.NewCommand(proto.CommandDisconnected))
	}
	if a.cfg.SignalingRole() != signaling.RoleView {
		return
	}

	a.mu.Lock()
	if !connected {
		a.calling = false
		a.mu.Unlock()
		return
	}
	if a.calling {
		a.mu.Unlock()
		return
	}
	a.calling = true
	ctx := a.baseCtx
	a.mu.Unlock()

	go func() {
		if err := a.Signaling.StartCall(ctx); err != nil {
			slog.Warn("Failed to start media call", "error", err)
		}
	}()
}

func (a *App) sendCandidate(c webrtc.ICECandidateInit) {
	if a.Signaling != nil {
		a.Signaling.SendCandidate(c)
	}
}

type logToaster struct{}

func (logToaster) Toast(text string) {
	slog.Warn("Motion alert", "message", text)
}
