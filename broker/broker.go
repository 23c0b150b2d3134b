package broker

import (
	"log/slog"
	"sync"
)

const DefaultEventBuffer = 100

// Executor runs fn on some execution context, e.g. a UI-affine loop.
type Executor func(fn func())

// Immediate runs fn on the dispatching goroutine.
func Immediate(fn func()) { fn() }

// Buses holds the application's buses. Inbound traffic for the capture side
// goes to Capture, inbound traffic the view side reacts to goes to View and
// messages for the peer go to Outbound. Keyed carries per-feature channels.
type Buses struct {
	Capture  *Bus
	View     *Bus
	Outbound *Bus
	Keyed    *KeyedBus

	closeOnce sync.Once
}

func NewBuses() *Buses {
	return &Buses{
		Capture:  NewBus("capture"),
		View:     NewBus("view"),
		Outbound: NewBus("outbound"),
		Keyed:    NewKeyedBus(),
	}
}

func (b *Buses) Close() {
	b.closeOnce.Do(func() {
		b.Capture.Close()
		b.View.Close()
		b.Outbound.Close()
		b.Keyed.Close()
		slog.Debug("Buses closed")
	})
}

// deliver runs fn on exec and turns a panic into a call to onError.
func deliver(exec Executor, fn func(), onError func(error), bus, subscriber string) {
	exec(func() {
		defer func() {
			if r := recover(); r != nil {
				err := &PanicError{Bus: bus, Subscriber: subscriber, Value: r}
				if onError != nil {
					onError(err)
					return
				}
				slog.Error("Subscriber panicked", "bus", bus, "subscriber", subscriber, "error", err)
			}
		}()
		fn()
	})
}
