package broker

import (
	"log/slog"
	"sync"

	"github.com/mbocsi/camlink/metrics"
)

type keyedSubscription struct {
	name    string
	onNext  func(string)
	onError func(error)
	exec    Executor
}

// subject is one key's channel with its own dispatch goroutine.
type subject struct {
	key    string
	values chan string
	subs   []*keyedSubscription
}

// KeyedBus gives independent features private string channels addressed by
// a well-known key.
type KeyedBus struct {
	mu       sync.RWMutex
	subjects map[string]*subject
	names    map[string]map[string]struct{} // subscriber name -> keys
	done     chan struct{}
	closed   bool
}

func NewKeyedBus() *KeyedBus {
	return &KeyedBus{
		subjects: make(map[string]*subject),
		names:    make(map[string]map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// AddSubject creates the channel for key if it does not exist yet.
func (k *KeyedBus) AddSubject(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.addSubjectLocked(key)
}

func (k *KeyedBus) addSubjectLocked(key string) *subject {
	if s, ok := k.subjects[key]; ok {
		return s
	}
	s := &subject{key: key, values: make(chan string, DefaultEventBuffer)}
	k.subjects[key] = s
	if !k.closed {
		go k.dispatch(s)
	}
	return s
}

func (k *KeyedBus) HasSubject(key string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.subjects[key]
	return ok
}

// Subscribe registers name for key. Subscribing the same (name, key) twice
// is ignored and returns false.
func (k *KeyedBus) Subscribe(name, key string, onNext func(string), onError func(error), opts ...SubscribeOption) bool {
	o := &subscription{exec: Immediate}
	for _, opt := range opts {
		opt(o)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	keys := k.names[name]
	if keys == nil {
		keys = make(map[string]struct{})
		k.names[name] = keys
	}
	if _, exists := keys[key]; exists {
		slog.Debug("Already subscribed", "key", key, "subscriber", name)
		return false
	}
	keys[key] = struct{}{}

	s := k.addSubjectLocked(key)
	s.subs = append(s.subs, &keyedSubscription{name: name, onNext: onNext, onError: onError, exec: o.exec})
	slog.Debug("Subscribing", "key", key, "subscriber", name)
	return true
}

func (k *KeyedBus) Unsubscribe(name, key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.unsubscribeLocked(name, key)
}

func (k *KeyedBus) unsubscribeLocked(name, key string) {
	keys, ok := k.names[name]
	if !ok {
		return
	}
	if _, ok := keys[key]; !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(k.names, name)
	}

	s := k.subjects[key]
	for i, sub := range s.subs {
		if sub.name == name {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			break
		}
	}
	slog.Debug("Unsubscribing", "key", key, "subscriber", name)
}

// UnsubscribeAll drops every key name is subscribed to.
func (k *KeyedBus) UnsubscribeAll(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key := range k.names[name] {
		k.unsubscribeLocked(name, key)
	}
}

// Emit sends value to the subscribers of key only. A missing subject is
// created; subscribers that join later do not see earlier values.
func (k *KeyedBus) Emit(key, value string) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrClosed
	}
	s := k.addSubjectLocked(key)
	k.mu.Unlock()

	select {
	case s.values <- value:
		metrics.BusEvents.WithLabelValues("keyed").Inc()
		return nil
	case <-k.done:
		return ErrClosed
	}
}

func (k *KeyedBus) dispatch(s *subject) {
	for {
		select {
		case <-k.done:
			return
		case v := <-s.values:
			k.mu.RLock()
			subs := make([]*keyedSubscription, len(s.subs))
			copy(subs, s.subs)
			k.mu.RUnlock()

			for _, sub := range subs {
				onNext := sub.onNext
				deliver(sub.exec, func() { onNext(v) }, sub.onError, "keyed:"+s.key, sub.name)
			}
		}
	}
}

func (k *KeyedBus) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return
	}
	k.closed = true
	close(k.done)
}
