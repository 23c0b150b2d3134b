package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbocsi/camlink/broker"
	"github.com/mbocsi/camlink/motion"
	"github.com/mbocsi/camlink/proto"
	"github.com/mbocsi/camlink/transport"
)

// SubscriberName is the bus subscription feeding the event stream.
const SubscriberName = "web-events"

// Status is what the status page and API report.
type Status struct {
	Role         string       `json:"role"`
	Connection   string       `json:"connection"`
	Transport    string       `json:"transport,omitempty"`
	Connected    bool         `json:"connected"`
	VideoCapable bool         `json:"video_capable"`
	Motion       motion.State `json:"motion"`
}

// Controller is the part of the application the web surface drives.
type Controller interface {
	Status() Status
	ToggleMotionDetection(enable bool) error
	SwitchConnection(ctx context.Context, t transport.Type) error
}

// WebClient serves the local status page, control API, live event stream
// and metrics.
type WebClient struct {
	ctrl      Controller
	buses     *broker.Buses
	gatherer  prometheus.Gatherer
	templates *Templates
	events    *EventHub
	server    *http.Server
}

func NewWebClient(ctrl Controller, buses *broker.Buses, gatherer prometheus.Gatherer) *WebClient {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &WebClient{
		ctrl:      ctrl,
		buses:     buses,
		gatherer:  gatherer,
		templates: NewTemplates(),
		events:    NewEventHub(),
	}
}

func (w *WebClient) Events() *EventHub { return w.events }

// Routes returns the HTTP routes for the web UI
func (w *WebClient) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", w.HandleHome)
	r.Get("/status", w.HandleStatus)
	r.Post("/motion", w.HandleMotion)
	r.Post("/connection", w.HandleConnection)
	r.Get("/events", w.HandleEvents)
	r.Handle("/metrics", promhttp.HandlerFor(w.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	return r
}

// Subscribe starts feeding peer status (capture bus) and link commands (view
// bus) into the event stream. Commands reach both buses, so only the view
// bus forwards them.
func (w *WebClient) Subscribe() bool {
	onError := func(err error) {
		slog.Error("Event stream delivery failed", "error", err)
	}
	status := w.buses.Capture.Subscribe(SubscriberName, w.forward, onError, func(m proto.Message) bool {
		return m.Has(proto.KeyStatus) && !m.Has(proto.KeyCommand)
	})
	commands := w.buses.View.Subscribe(SubscriberName, w.forward, onError, func(m proto.Message) bool {
		return m.Has(proto.KeyCommand)
	})
	return status && commands
}

// OnStateChanged streams confirmed motion transitions.
func (w *WebClient) OnStateChanged(detected bool) {
	w.events.Broadcast(Event{Type: "motion", Detected: &detected, Time: time.Now().UnixMilli()})
}

// Toast shows text on connected status pages.
func (w *WebClient) Toast(text string) {
	w.events.Broadcast(Event{Type: "toast", Message: text, Time: time.Now().UnixMilli()})
}

func (w *WebClient) forward(msg proto.Message) {
	ev := Event{Type: "peer", Time: time.Now().UnixMilli()}
	if cmd, ok := msg.Command(); ok {
		ev.Command = string(cmd)
	}
	if fields, err := msg.Status(); err == nil && len(fields) > 0 {
		ev.Status = fields
	}
	w.events.Broadcast(ev)
}

func (w *WebClient) Start(addr string) error {
	w.Subscribe()
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("Starting web server", "addr", addr)
	err := w.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *WebClient) Shutdown(ctx context.Context) error {
	w.buses.Capture.Unsubscribe(SubscriberName)
	w.buses.View.Unsubscribe(SubscriberName)
	w.events.Close()
	if w.server == nil {
		return nil
	}
	slog.Info("Web server shutting down")
	return w.server.Shutdown(ctx)
}
