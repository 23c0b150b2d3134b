package broker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/camlink/proto"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// recorder collects deliveries from several subscribers in arrival order.
type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, s)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestBus_DuplicateNameDeliversOnce(t *testing.T) {
	bus := NewBus("test")
	defer bus.Close()

	var rec recorder
	onNext := func(proto.Message) { rec.add("a") }
	assert.True(t, bus.Subscribe("A", onNext, nil, nil))
	assert.False(t, bus.Subscribe("A", onNext, nil, nil))
	assert.Equal(t, 1, bus.Subscribers())

	require.NoError(t, bus.Emit(proto.NewCommand(proto.CommandConnected)))
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestBus_SubscriptionOrder(t *testing.T) {
	bus := NewBus("test")
	defer bus.Close()

	var rec recorder
	for _, name := range []string{"first", "second", "third"} {
		bus.Subscribe(name, func(proto.Message) { rec.add(name) }, nil, nil)
	}

	require.NoError(t, bus.Emit(proto.NewCommand(proto.CommandConnected)))
	require.Eventually(t, func() bool { return rec.count() == 3 }, waitFor, tick)
	assert.Equal(t, []string{"first", "second", "third"}, rec.snapshot())
}

func TestBus_Filter(t *testing.T) {
	bus := NewBus("test")
	defer bus.Close()

	var rec recorder
	bus.Subscribe("commands", func(proto.Message) { rec.add("command") }, nil,
		func(m proto.Message) bool { return m.Has(proto.KeyCommand) })

	status, err := proto.NewStatus(map[string]any{"battery": "80"})
	require.NoError(t, err)
	require.NoError(t, bus.Emit(status))
	require.NoError(t, bus.Emit(proto.NewCommand(proto.CommandDisconnected)))

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus("test")
	defer bus.Close()

	var rec recorder
	bus.Subscribe("A", func(proto.Message) { rec.add("a") }, nil, nil)
	bus.Unsubscribe("A")
	bus.Unsubscribe("A")
	assert.Equal(t, 0, bus.Subscribers())

	// the name is free again
	assert.True(t, bus.Subscribe("A", func(proto.Message) { rec.add("again") }, nil, nil))
	require.NoError(t, bus.Emit(proto.NewCommand(proto.CommandConnected)))
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"again"}, rec.snapshot())
}

func TestBus_PanicGoesToOnError(t *testing.T) {
	bus := NewBus("test")
	defer bus.Close()

	errs := make(chan error, 1)
	var rec recorder
	bus.Subscribe("bad", func(proto.Message) { panic("boom") }, func(err error) { errs <- err }, nil)
	bus.Subscribe("good", func(proto.Message) { rec.add("good") }, nil, nil)

	require.NoError(t, bus.Emit(proto.NewCommand(proto.CommandConnected)))

	select {
	case err := <-errs:
		var perr *PanicError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "bad", perr.Subscriber)
	case <-time.After(waitFor):
		t.Fatal("onError not called")
	}
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
}

func TestBus_DeliversOnExecutor(t *testing.T) {
	bus := NewBus("test")
	defer bus.Close()

	loop := make(chan func(), 4)
	exec := func(fn func()) { loop <- fn }

	var rec recorder
	bus.Subscribe("ui", func(proto.Message) { rec.add("ui") }, nil, nil, On(exec))
	require.NoError(t, bus.Emit(proto.NewCommand(proto.CommandConnected)))

	select {
	case fn := <-loop:
		assert.Equal(t, 0, rec.count())
		fn()
	case <-time.After(waitFor):
		t.Fatal("executor not used")
	}
	assert.Equal(t, 1, rec.count())
}

func TestBus_EmitAfterClose(t *testing.T) {
	bus := NewBus("test")
	bus.Close()
	bus.Close()
	assert.ErrorIs(t, bus.Emit(proto.NewCommand(proto.CommandConnected)), ErrClosed)
}

func TestKeyedBus_DeliversOnlyToKey(t *testing.T) {
	k := NewKeyedBus()
	defer k.Close()

	var battery, motion recorder
	k.Subscribe("ui", "battery", battery.add, nil)
	k.Subscribe("ui", "motion-detection", motion.add, nil)

	require.NoError(t, k.Emit("battery", "80"))
	require.Eventually(t, func() bool { return battery.count() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, motion.count())
	assert.Equal(t, []string{"80"}, battery.snapshot())
}

func TestKeyedBus_DedupPerNameAndKey(t *testing.T) {
	k := NewKeyedBus()
	defer k.Close()

	var rec recorder
	assert.True(t, k.Subscribe("ui", "battery", rec.add, nil))
	assert.False(t, k.Subscribe("ui", "battery", rec.add, nil))
	assert.True(t, k.Subscribe("logger", "battery", rec.add, nil))

	require.NoError(t, k.Emit("battery", "42"))
	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, rec.count())
}

func TestKeyedBus_EmitCreatesSubjectWithoutReplay(t *testing.T) {
	k := NewKeyedBus()
	defer k.Close()

	assert.False(t, k.HasSubject("late"))
	require.NoError(t, k.Emit("late", "early-value"))
	assert.True(t, k.HasSubject("late"))

	// let the dispatcher consume the value before anyone subscribes
	time.Sleep(50 * time.Millisecond)

	var rec recorder
	k.Subscribe("ui", "late", rec.add, nil)
	require.NoError(t, k.Emit("late", "fresh"))
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"fresh"}, rec.snapshot())
}

func TestKeyedBus_UnsubscribeAll(t *testing.T) {
	k := NewKeyedBus()
	defer k.Close()

	var rec recorder
	k.AddSubject("a")
	k.AddSubject("a")
	k.Subscribe("ui", "a", rec.add, nil)
	k.Subscribe("ui", "b", rec.add, nil)
	k.UnsubscribeAll("ui")

	require.NoError(t, k.Emit("a", "1"))
	require.NoError(t, k.Emit("b", "2"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	assert.True(t, k.Subscribe("ui", "a", rec.add, nil))
}

func TestKeyedBus_PanicGoesToOnError(t *testing.T) {
	k := NewKeyedBus()
	defer k.Close()

	errs := make(chan error, 1)
	k.Subscribe("bad", "x", func(string) { panic("boom") }, func(err error) { errs <- err })
	require.NoError(t, k.Emit("x", "v"))

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(waitFor):
		t.Fatal("onError not called")
	}
}

func TestBuses_Close(t *testing.T) {
	b := NewBuses()
	b.Close()
	b.Close()
	assert.ErrorIs(t, b.Capture.Emit(proto.NewCommand(proto.CommandConnected)), ErrClosed)
	assert.ErrorIs(t, b.Keyed.Emit("k", "v"), ErrClosed)
}
