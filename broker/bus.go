package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbocsi/camlink/metrics"
	"github.com/mbocsi/camlink/proto"
)

var ErrClosed = errors.New("bus closed")

// PanicError carries a value recovered from a subscriber callback.
type PanicError struct {
	Bus        string
	Subscriber string
	Value      any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("subscriber %q on %s panicked: %v", e.Subscriber, e.Bus, e.Value)
}

type subscription struct {
	name    string
	onNext  func(proto.Message)
	onError func(error)
	filter  func(proto.Message) bool
	exec    Executor
}

type SubscribeOption func(*subscription)

// On delivers the subscriber's events through exec.
func On(exec Executor) SubscribeOption {
	return func(s *subscription) {
		if exec != nil {
			s.exec = exec
		}
	}
}

// Bus delivers every emitted message to each subscriber whose filter accepts
// it, in subscription order. A single goroutine drains the event channel.
type Bus struct {
	name   string
	events chan proto.Message
	done   chan struct{}

	mu     sync.RWMutex
	subs   []*subscription
	byName map[string]*subscription

	closeOnce sync.Once
}

func NewBus(name string) *Bus {
	return NewBusSize(name, DefaultEventBuffer)
}

func NewBusSize(name string, size int) *Bus {
	if size <= 0 {
		size = DefaultEventBuffer
	}
	b := &Bus{
		name:   name,
		events: make(chan proto.Message, size),
		done:   make(chan struct{}),
		byName: make(map[string]*subscription),
	}
	go b.dispatch()
	return b
}

func (b *Bus) Name() string { return b.name }

// Subscribe registers name. A name that is already subscribed is left alone
// and false is returned. filter may be nil to accept everything.
func (b *Bus) Subscribe(name string, onNext func(proto.Message), onError func(error), filter func(proto.Message) bool, opts ...SubscribeOption) bool {
	s := &subscription{name: name, onNext: onNext, onError: onError, filter: filter, exec: Immediate}
	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.byName[name]; exists {
		slog.Debug("Already subscribed", "bus", b.name, "subscriber", name)
		return false
	}
	b.byName[name] = s
	b.subs = append(b.subs, s)
	slog.Debug("Subscribing", "bus", b.name, "subscriber", name)
	return true
}

func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.byName[name]
	if !ok {
		slog.Warn("Did not find subscriber to unsubscribe", "bus", b.name, "subscriber", name)
		return
	}
	delete(b.byName, name)
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
	slog.Debug("Unsubscribing", "bus", b.name, "subscriber", name)
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit queues msg for delivery. It blocks while the event buffer is full and
// fails only once the bus is closed.
func (b *Bus) Emit(msg proto.Message) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.events <- msg:
		metrics.BusEvents.WithLabelValues(b.name).Inc()
		return nil
	case <-b.done:
		return ErrClosed
	}
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case msg := <-b.events:
			b.mu.RLock()
			subs := make([]*subscription, len(b.subs))
			copy(subs, b.subs)
			b.mu.RUnlock()

			for _, s := range subs {
				if s.filter != nil && !s.filter(msg) {
					continue
				}
				onNext := s.onNext
				deliver(s.exec, func() { onNext(msg) }, s.onError, b.name, s.name)
			}
		}
	}
}

// Close stops the dispatch goroutine. Undelivered events are dropped.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}
