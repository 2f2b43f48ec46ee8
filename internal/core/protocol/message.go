package protocol

import (
	"context"
	"encoding/json"
	"fmt"
)

// MessageType identifies the payload carried by a Message.
type MessageType string

const (
	MessageDeclare   MessageType = "declare"
	MessageAccept    MessageType = "accept"
	MessageReject    MessageType = "reject"
	MessageDispatch  MessageType = "dispatch"
	MessageReport    MessageType = "report"
	MessageHeartbeat MessageType = "heartbeat"
)

// Message is the JSON envelope exchanged between master and slaves. One Message is one frame.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into an envelope of the given type. A nil payload yields no payload field.
func NewMessage(msgType MessageType, payload any) (Message, error) {
	msg := Message{Type: msgType}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.Type, err)
	}
	return nil
}

// Encode returns the frame for m.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a frame produced by Message.Encode.
func DecodeMessage(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return msg, nil
}

// WriteMessage encodes payload as msgType and sends it as one frame.
func WriteMessage(ctx context.Context, ch Channel, msgType MessageType, payload any) error {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	return ch.Send(ctx, frame)
}

// ReadMessage receives one frame and decodes its envelope.
func ReadMessage(ctx context.Context, ch Channel) (Message, error) {
	frame, err := ch.Receive(ctx)
	if err != nil {
		return Message{}, err
	}
	return DecodeMessage(frame)
}

// Declare is the first message of a slave: its logical name and the roles it offers.
type Declare struct {
	Name  string            `json:"name"`
	Roles []RoleDeclaration `json:"roles"`
}

type RoleDeclaration struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	// Performance is an optional initial estimate in units per second.
	Performance *float64 `json:"performance,omitempty"`
}

// Accept confirms a declaration with the performances the master will schedule with.
type Accept struct {
	Session string            `json:"session"`
	Roles   []RolePerformance `json:"roles"`
}

type RolePerformance struct {
	Name        string  `json:"name"`
	Performance float64 `json:"performance"`
}

// Reject refuses a declaration; the master closes the channel right after sending it.
type Reject struct {
	Code   ErrorCode `json:"code"`
	Reason string    `json:"reason"`
}

// Err converts the reject into an error matching the sentinel for its code.
func (r Reject) Err() error {
	return ErrorFromCode(r.Code, r.Reason)
}

// UnitRange is the half-open range [Start, End) of work units.
type UnitRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r UnitRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Dispatch assigns unit ranges of a job to one role of a slave. An empty Role
// addresses the slave as a whole.
type Dispatch struct {
	Round   string          `json:"round"`
	Job     string          `json:"job"`
	Role    string          `json:"role"`
	Ranges  []UnitRange     `json:"ranges"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Units is the number of units across all ranges.
func (d Dispatch) Units() int {
	total := 0
	for _, r := range d.Ranges {
		total += r.Len()
	}
	return total
}

// Report answers a Dispatch with the units processed and the wall time spent.
type Report struct {
	Round          string `json:"round"`
	Job            string `json:"job"`
	Role           string `json:"role"`
	UnitsProcessed int    `json:"units_processed"`
	ElapsedMillis  int64  `json:"elapsed_ms"`
	Error          string `json:"error,omitempty"`
}

type Heartbeat struct{}
