package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// Well-known top-level keys. A message may carry any combination of them.
const (
	KeyCommand            = "command"
	KeyStatus             = "status"
	KeySignalingToCapture = "signaling-to-capture"
	KeySignalingToView    = "signaling-to-view"
)

type Command string

const (
	CommandConnected    Command = "CONNECTED"
	CommandDisconnected Command = "DISCONNECTED"
)

// Message is one frame on the wire: a JSON object serialized on a single line.
// Values are kept raw so routing never needs a schema.
type Message map[string]json.RawMessage

// ParseError is returned by Decode for frames that are not a JSON object.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", truncate(e.Line, 64), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, &ParseError{Line: string(line), Err: err}
	}
	if msg == nil {
		return nil, &ParseError{Line: string(line), Err: fmt.Errorf("frame is not an object")}
	}
	return msg, nil
}

// Encode renders the message as a single line without the trailing newline.
func (m Message) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Keys returns the top-level keys in sorted order.
func (m Message) Keys() []string {
	return slices.Sorted(maps.Keys(m))
}

func (m Message) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}
	m[key] = data
	return nil
}

func (m Message) Command() (Command, bool) {
	raw, ok := m[KeyCommand]
	if !ok {
		return "", false
	}
	var cmd string
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return "", false
	}
	return Command(cmd), true
}

// Status returns the status pairs of the message. String values are returned
// as-is, any other JSON value as its compact text.
func (m Message) Status() (map[string]string, error) {
	raw, ok := m[KeyStatus]
	if !ok {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("status is not an object: %w", err)
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = rawText(v)
	}
	return out, nil
}

func NewCommand(cmd Command) Message {
	return Message{KeyCommand: json.RawMessage(strconv.Quote(string(cmd)))}
}

func NewStatus(fields map[string]any) (Message, error) {
	msg := Message{}
	if err := msg.Set(KeyStatus, fields); err != nil {
		return nil, err
	}
	return msg, nil
}

func rawText(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
