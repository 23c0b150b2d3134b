package motion

import (
	"sync"

	"github.com/mbocsi/camlink/proto"
)

const (
	// DetectedThresholdMs is the minimum spacing of two DETECTED samples
	// before motion is confirmed.
	DetectedThresholdMs = 500
	// RecoveryThresholdMs is how long NOT_DETECTED must persist after the
	// last confirmed detection before motion is cleared.
	RecoveryThresholdMs = 3000
)

// Listener is told about confirmed transitions only.
type Listener interface {
	OnStateChanged(detected bool)
}

type ListenerFunc func(detected bool)

func (f ListenerFunc) OnStateChanged(detected bool) { f(detected) }

// StateMachine debounces raw detection events into confirmed motion state.
type StateMachine struct {
	mu        sync.Mutex
	current   *proto.MotionDetectionData
	anchor    int64
	hasAnchor bool
	listener  Listener
}

func NewStateMachine(l Listener) *StateMachine {
	return &StateMachine{listener: l}
}

// Process feeds one event and reports whether it confirmed a transition and
// in which direction.
func (m *StateMachine) Process(d proto.MotionDetectionData) (changed, detected bool) {
	m.mu.Lock()
	changed, detected = m.step(d)
	l := m.listener
	m.mu.Unlock()

	if changed && l != nil {
		l.OnStateChanged(detected)
	}
	return changed, detected
}

func (m *StateMachine) step(d proto.MotionDetectionData) (bool, bool) {
	switch d.Action {
	case proto.MotionEnabled, proto.MotionDisabled:
		m.current = nil
		m.hasAnchor = false
		return false, false

	case proto.MotionDetected:
		if m.isDetected() {
			m.current.Timestamp = d.Timestamp
			return false, false
		}
		if !m.hasAnchor {
			m.anchor = d.Timestamp
			m.hasAnchor = true
			return false, false
		}
		if d.Timestamp-m.anchor >= DetectedThresholdMs {
			cur := d
			m.current = &cur
			m.hasAnchor = false
			return true, true
		}
		return false, false

	case proto.MotionNotDetected:
		if m.hasAnchor && d.Timestamp-m.anchor >= RecoveryThresholdMs {
			m.hasAnchor = false
		}
		if m.isDetected() && d.Timestamp-m.current.Timestamp > RecoveryThresholdMs {
			cur := d
			m.current = &cur
			return true, false
		}
	}
	return false, false
}

func (m *StateMachine) isDetected() bool {
	return m.current != nil && m.current.Action == proto.MotionDetected
}

// Detected reports the confirmed state. No confirmed state counts as not detected.
func (m *StateMachine) Detected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isDetected()
}

// Pending reports whether a first DETECTED sample is waiting for confirmation.
func (m *StateMachine) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasAnchor
}

// Current returns a copy of the last confirmed event, if any.
func (m *StateMachine) Current() (proto.MotionDetectionData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return proto.MotionDetectionData{}, false
	}
	return *m.current, true
}
