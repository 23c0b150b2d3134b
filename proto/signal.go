package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Direction string

const (
	ToCapture Direction = "to-capture"
	ToView    Direction = "to-view"
)

// Key returns the top-level message key carrying signaling in this direction.
func (d Direction) Key() string {
	if d == ToCapture {
		return KeySignalingToCapture
	}
	return KeySignalingToView
}

func (d Direction) Opposite() Direction {
	if d == ToCapture {
		return ToView
	}
	return ToCapture
}

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalBye       SignalType = "bye"
)

// Signal is the sub-document of a signaling envelope.
type Signal struct {
	Type          SignalType `json:"type"`
	SDP           string     `json:"sdp,omitempty"`
	Candidate     string     `json:"candidate,omitempty"`
	SDPMid        *string    `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16    `json:"sdpMLineIndex,omitempty"`
}

func (s *Signal) Validate() error {
	switch s.Type {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%s signal requires sdp", s.Type)
		}
	case SignalCandidate:
		if s.Candidate == "" {
			return errors.New("candidate signal requires candidate")
		}
	case SignalBye:
	default:
		return fmt.Errorf("unknown signal type %q", s.Type)
	}
	return nil
}

func NewSignaling(dir Direction, sig Signal) (Message, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	msg := Message{}
	if err := msg.Set(dir.Key(), sig); err != nil {
		return nil, err
	}
	return msg, nil
}

// Signaling extracts the signal carried under dir, if any.
func (m Message) Signaling(dir Direction) (Signal, bool, error) {
	raw, ok := m[dir.Key()]
	if !ok {
		return Signal{}, false, nil
	}
	sig, err := ParseSignal(raw)
	return sig, true, err
}

func ParseSignal(data []byte) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return Signal{}, fmt.Errorf("invalid signal: %w", err)
	}
	if err := sig.Validate(); err != nil {
		return Signal{}, err
	}
	return sig, nil
}
