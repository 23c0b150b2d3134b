package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mbocsi/camlink/broker"
	"github.com/mbocsi/camlink/proto"
	"github.com/mbocsi/camlink/router"
)

type Role string

const (
	RoleCapture Role = "capture"
	RoleView    Role = "view"

	SubscriberName = "signaling-handler"
)

var ErrClosed = errors.New("media session closed")

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleCapture, RoleView:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Handler carries the offer/answer/candidate exchange between the peer and
// the local media pipeline. The capture side reads signaling off the capture
// bus, the view side off the keyed "signaling" channel. Replies go out on the
// outbound bus in the opposite direction. The view side also watches the view
// bus and drops back to waiting when the link goes down.
type Handler struct {
	role     Role
	buses    *broker.Buses
	pipeline MediaPipeline

	mu     sync.Mutex
	closed bool
}

func NewHandler(role Role, buses *broker.Buses, pipeline MediaPipeline) *Handler {
	return &Handler{role: role, buses: buses, pipeline: pipeline}
}

func (h *Handler) inbound() proto.Direction {
	if h.role == RoleCapture {
		return proto.ToCapture
	}
	return proto.ToView
}

func (h *Handler) Start() bool {
	onError := func(err error) {
		slog.Error("Signaling handling failed", "role", h.role, "error", err)
	}
	if h.role == RoleCapture {
		return h.buses.Capture.Subscribe(SubscriberName, h.handleMessage, onError, func(m proto.Message) bool {
			return m.Has(proto.KeySignalingToCapture)
		})
	}
	signals := h.buses.Keyed.Subscribe(SubscriberName, router.KeySignaling, h.handlePayload, onError)
	commands := h.buses.View.Subscribe(SubscriberName, h.handleCommand, onError, func(m proto.Message) bool {
		return m.Has(proto.KeyCommand)
	})
	return signals && commands
}

// Stop unsubscribes and closes the media session.
func (h *Handler) Stop() {
	if h.role == RoleCapture {
		h.buses.Capture.Unsubscribe(SubscriberName)
	} else {
		h.buses.Keyed.Unsubscribe(SubscriberName, router.KeySignaling)
		h.buses.View.Unsubscribe(SubscriberName)
	}
	h.closePipeline()
}

func (h *Handler) handleMessage(msg proto.Message) {
	sig, ok, err := msg.Signaling(h.inbound())
	if !ok {
		return
	}
	if err != nil {
		slog.Warn("Dropping malformed signal", "role", h.role, "error", err)
		return
	}
	h.handle(sig)
}

func (h *Handler) handleCommand(msg proto.Message) {
	if cmd, ok := msg.Command(); ok && cmd == proto.CommandDisconnected {
		slog.Info("Peer link lost, media session waiting", "role", h.role)
		h.closePipeline()
	}
}

func (h *Handler) handlePayload(payload string) {
	sig, err := proto.ParseSignal([]byte(payload))
	if err != nil {
		slog.Warn("Dropping malformed signal", "role", h.role, "error", err)
		return
	}
	h.handle(sig)
}

func (h *Handler) handle(sig proto.Signal) {
	if err := h.Handle(context.Background(), sig); err != nil {
		slog.Warn("Signal not applied", "role", h.role, "type", sig.Type, "error", err)
	}
}

// Handle applies one inbound signal to the pipeline.
func (h *Handler) Handle(ctx context.Context, sig proto.Signal) error {
	if h.isClosed() && sig.Type != proto.SignalOffer {
		return ErrClosed
	}
	slog.Debug("Signal received", "role", h.role, "type", sig.Type)

	switch sig.Type {
	case proto.SignalOffer:
		h.mu.Lock()
		h.closed = false
		h.mu.Unlock()
		if err := h.pipeline.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
			return fmt.Errorf("failed to apply offer: %w", err)
		}
		answer, err := h.pipeline.CreateAnswer(ctx)
		if err != nil {
			return err
		}
		return h.send(proto.Signal{Type: proto.SignalAnswer, SDP: answer.SDP})

	case proto.SignalAnswer:
		if err := h.pipeline.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
			return fmt.Errorf("failed to apply answer: %w", err)
		}
		return nil

	case proto.SignalCandidate:
		return h.pipeline.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     sig.Candidate,
			SDPMid:        sig.SDPMid,
			SDPMLineIndex: sig.SDPMLineIndex,
		})

	case proto.SignalBye:
		slog.Info("Peer ended the media session", "role", h.role)
		h.closePipeline()
		return nil
	}
	return fmt.Errorf("unknown signal type %q", sig.Type)
}

// StartCall creates an offer and sends it to the peer.
func (h *Handler) StartCall(ctx context.Context) error {
	h.mu.Lock()
	h.closed = false
	h.mu.Unlock()

	offer, err := h.pipeline.CreateOffer(ctx)
	if err != nil {
		return err
	}
	return h.send(proto.Signal{Type: proto.SignalOffer, SDP: offer.SDP})
}

// SendCandidate forwards a locally gathered ICE candidate.
func (h *Handler) SendCandidate(c webrtc.ICECandidateInit) {
	err := h.send(proto.Signal{
		Type:          proto.SignalCandidate,
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
	if err != nil {
		slog.Warn("Failed to send ICE candidate", "error", err)
	}
}

// Hangup tells the peer the session is over and closes it locally.
func (h *Handler) Hangup() error {
	err := h.send(proto.Signal{Type: proto.SignalBye})
	h.closePipeline()
	return err
}

func (h *Handler) send(sig proto.Signal) error {
	msg, err := proto.NewSignaling(h.inbound().Opposite(), sig)
	if err != nil {
		return err
	}
	return h.buses.Outbound.Emit(msg)
}

func (h *Handler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handler) closePipeline() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	if err := h.pipeline.Close(); err != nil {
		slog.Debug("Failed to close media pipeline", "error", err)
	}
}
