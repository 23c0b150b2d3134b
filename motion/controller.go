package motion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mbocsi/camlink/broker"
	"github.com/mbocsi/camlink/metrics"
	"github.com/mbocsi/camlink/proto"
)

const (
	DefaultNotificationCooldown = 30 * time.Second

	// SubscriberName is the controller's keyed bus subscription.
	SubscriberName = "motion-controller"
)

// Notifier raises a system notification.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// Toaster shows a transient on-screen message when notifications fail.
type Toaster interface {
	Toast(text string)
}

// State is a snapshot for status surfaces.
type State struct {
	Enabled   bool  `json:"enabled"`
	Detected  bool  `json:"detected"`
	Pending   bool  `json:"pending"`
	UpdatedAt int64 `json:"updated_at,omitempty"`
}

// RemoteController drives motion detection on the peer and turns its
// detection events into confirmed state and rate-limited notifications.
type RemoteController struct {
	machine  *StateMachine
	buses    *broker.Buses
	notifier Notifier
	toaster  Toaster
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	limiter   *rate.Limiter
	enabled   bool
	listeners []Listener
}

type Option func(*RemoteController)

func WithCooldown(d time.Duration) Option {
	return func(c *RemoteController) {
		if d > 0 {
			c.cooldown = d
		}
	}
}

// WithClock replaces time.Now for timestamps and cooldown accounting.
func WithClock(now func() time.Time) Option {
	return func(c *RemoteController) { c.now = now }
}

func WithListener(l Listener) Option {
	return func(c *RemoteController) { c.listeners = append(c.listeners, l) }
}

func NewRemoteController(buses *broker.Buses, notifier Notifier, toaster Toaster, opts ...Option) *RemoteController {
	c := &RemoteController{
		buses:    buses,
		notifier: notifier,
		toaster:  toaster,
		cooldown: DefaultNotificationCooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.machine = NewStateMachine(ListenerFunc(c.onStateChanged))
	c.limiter = c.newLimiter()
	return c
}

func (c *RemoteController) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(c.cooldown), 1)
}

// AddListener registers l for confirmed transitions.
func (c *RemoteController) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Start subscribes to the peer's detection events.
func (c *RemoteController) Start() bool {
	return c.buses.Keyed.Subscribe(SubscriberName, proto.KeyMotionData, c.handleEvent, func(err error) {
		slog.Error("Motion event handling failed", "error", err)
	})
}

func (c *RemoteController) Stop() {
	c.buses.Keyed.Unsubscribe(SubscriberName, proto.KeyMotionData)
}

func (c *RemoteController) handleEvent(value string) {
	d, err := proto.ParseMotionData(value)
	if err != nil {
		slog.Warn("Dropping malformed motion event", "error", err)
		return
	}
	slog.Debug("Motion event", "action", d.Action, "timestamp", d.Timestamp)
	c.machine.Process(d)
}

// ToggleMotionDetection asks the peer to start or stop detecting, applies the
// same event locally and resets the notification cooldown.
func (c *RemoteController) ToggleMotionDetection(enable bool) error {
	action := proto.MotionDisabled
	if enable {
		action = proto.MotionEnabled
	}
	d := proto.MotionDetectionData{Action: action, Timestamp: c.now().UnixMilli()}

	msg, err := proto.NewMotionStatus(d)
	if err != nil {
		return err
	}
	if err := c.buses.Outbound.Emit(msg); err != nil {
		return fmt.Errorf("failed to send motion toggle: %w", err)
	}

	c.machine.Process(d)

	c.mu.Lock()
	c.enabled = enable
	c.limiter = c.newLimiter()
	c.mu.Unlock()

	slog.Info("Motion detection toggled", "enabled", enable)
	return nil
}

func (c *RemoteController) State() State {
	c.mu.Lock()
	enabled := c.enabled
	c.mu.Unlock()

	s := State{
		Enabled:  enabled,
		Detected: c.machine.Detected(),
		Pending:  c.machine.Pending(),
	}
	if cur, ok := c.machine.Current(); ok {
		s.UpdatedAt = cur.Timestamp
	}
	return s
}

func (c *RemoteController) onStateChanged(detected bool) {
	label := "not_detected"
	if detected {
		label = "detected"
	}
	metrics.MotionTransitions.WithLabelValues(label).Inc()
	slog.Info("Motion state changed", "detected", detected)

	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	limiter := c.limiter
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnStateChanged(detected)
	}

	if !detected {
		return
	}
	if !limiter.AllowN(c.now(), 1) {
		slog.Debug("Motion notification suppressed by cooldown", "cooldown", c.cooldown)
		return
	}
	c.notify()
}

func (c *RemoteController) notify() {
	const title, body = "Motion detected", "The camera detected motion."
	if c.notifier != nil {
		err := c.notifier.Notify(context.Background(), title, body)
		if err == nil {
			return
		}
		slog.Warn("Notification failed, falling back to toast", "error", err)
	}
	if c.toaster != nil {
		c.toaster.Toast(body)
	}
}
