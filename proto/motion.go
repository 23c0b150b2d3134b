package proto

import (
	"encoding/json"
	"fmt"
)

// KeyMotionData is the status key carrying motion detection events.
const KeyMotionData = "motion-detection"

type MotionAction string

const (
	MotionEnabled     MotionAction = "ENABLED"
	MotionDisabled    MotionAction = "DISABLED"
	MotionDetected    MotionAction = "DETECTED"
	MotionNotDetected MotionAction = "NOT_DETECTED"
)

type MotionDetectionData struct {
	Action    MotionAction `json:"action"`
	Timestamp int64        `json:"timestamp"` // unix milliseconds
}

func (d MotionDetectionData) Validate() error {
	switch d.Action {
	case MotionEnabled, MotionDisabled, MotionDetected, MotionNotDetected:
		return nil
	default:
		return fmt.Errorf("unknown motion action %q", d.Action)
	}
}

func ParseMotionData(value string) (MotionDetectionData, error) {
	var d MotionDetectionData
	if err := json.Unmarshal([]byte(value), &d); err != nil {
		return MotionDetectionData{}, fmt.Errorf("invalid motion data: %w", err)
	}
	if err := d.Validate(); err != nil {
		return MotionDetectionData{}, err
	}
	return d, nil
}

// NewMotionStatus wraps a motion event in a status message.
func NewMotionStatus(d MotionDetectionData) (Message, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return NewStatus(map[string]any{KeyMotionData: d})
}
