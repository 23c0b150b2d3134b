package router

import (
	"log/slog"

	"github.com/mbocsi/camlink/broker"
	"github.com/mbocsi/camlink/metrics"
	"github.com/mbocsi/camlink/proto"
	"github.com/mbocsi/camlink/transport"
)

// KeySignaling is the keyed bus channel carrying view-bound signaling.
const KeySignaling = "signaling"

// SenderName is the outbound bus subscriber that writes to the transport.
const SenderName = "transport-sender"

// Router fans inbound messages out to the buses. The branches are
// independent, so one message can land on several of them.
type Router struct {
	buses *broker.Buses
}

func New(buses *broker.Buses) *Router {
	return &Router{buses: buses}
}

func (r *Router) Route(msg proto.Message) {
	hasCommand := msg.Has(proto.KeyCommand)
	hasStatus := msg.Has(proto.KeyStatus)

	if hasCommand || hasStatus {
		r.emit(r.buses.Capture, msg)
	}
	if hasCommand {
		r.emit(r.buses.View, msg)
	}

	if msg.Has(proto.KeySignalingToCapture) {
		r.emit(r.buses.Capture, msg)
	}

	if raw, ok := msg[proto.KeySignalingToView]; ok {
		if err := r.buses.Keyed.Emit(KeySignaling, string(raw)); err != nil {
			slog.Debug("Dropping view signaling", "error", err)
		}
	}

	if hasStatus {
		fields, err := msg.Status()
		if err != nil {
			slog.Warn("Ignoring malformed status", "error", err)
			return
		}
		for k, v := range fields {
			if err := r.buses.Keyed.Emit(k, v); err != nil {
				slog.Debug("Dropping status field", "key", k, "error", err)
			}
		}
	}
}

func (r *Router) emit(bus *broker.Bus, msg proto.Message) {
	if err := bus.Emit(msg); err != nil {
		slog.Debug("Dropping routed message", "bus", bus.Name(), "error", err)
	}
}

// ConnectionProvider returns the connection currently in use, if any.
type ConnectionProvider interface {
	Current() (transport.Connection, transport.Type)
}

// Sender drains the outbound bus into the current connection.
type Sender struct {
	outbound *broker.Bus
	conns    ConnectionProvider
}

func NewSender(outbound *broker.Bus, conns ConnectionProvider) *Sender {
	return &Sender{outbound: outbound, conns: conns}
}

func (s *Sender) Start() bool {
	return s.outbound.Subscribe(SenderName, s.send, func(err error) {
		slog.Error("Outbound delivery failed", "error", err)
	}, nil)
}

func (s *Sender) Stop() {
	s.outbound.Unsubscribe(SenderName)
}

func (s *Sender) send(msg proto.Message) {
	conn, _ := s.conns.Current()
	if conn == nil || !conn.SendMessage(msg) {
		metrics.OutboundDropped.Inc()
		slog.Warn("Outbound message not accepted by transport", "connected", conn != nil && conn.IsConnected())
	}
}
