package canvas

import (
	"encoding/json"
	"fmt"
)

// Opcode identifies a control message inside the text envelope.
type Opcode int

// Outbound opcodes, server to client.
const (
	OpDefineUserID    Opcode = 0
	OpDefineUserColor Opcode = 1
	OpSetStateFlag    Opcode = 2
	OpCanvasCleared   Opcode = 3
	OpError           Opcode = 4
)

// Inbound opcodes, client to server.
const (
	OpSwitchCanvas      Opcode = 0
	OpUnsubscribeCanvas Opcode = 1
	OpClearCanvas       Opcode = 2
	OpPing              Opcode = 3
)

// StateReady is the SetStateFlag state sent after a replay completes.
const StateReady = 1

// Envelope is the JSON control frame.
type Envelope struct {
	Opcode  Opcode          `json:"opcode"`
	Payload json.RawMessage `json:"payload"`
}

// DefineUserID announces the identity behind a compact user index.
type DefineUserID struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Icon  string `json:"icon"`
	ID    string `json:"id"`
	Color string `json:"color"`
}

// DefineUserColor changes the display color of a user.
type DefineUserColor struct {
	ID    string `json:"id"`
	Color string `json:"color"`
}

// SetStateFlag tells the client the replay is complete.
type SetStateFlag struct {
	State       int    `json:"state"`
	ResumeToken string `json:"resume_token"`
}

// CanvasCleared is broadcast before the log is emptied.
type CanvasCleared struct {
	ClearedByName string `json:"cleared_by_name"`
	ClearedByIcon string `json:"cleared_by_icon"`
}

// ErrorReport is sent to a single connection when one of its requests fails.
type ErrorReport struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SwitchCanvas asks to subscribe to another canvas.
type SwitchCanvas struct {
	CanvasID    string `json:"canvas_id"`
	ResumeToken string `json:"resume_token,omitempty"`
}

// MessageKind discriminates data frames from control frames on the wire.
type MessageKind int

const (
	TextMessage MessageKind = iota
	BinaryMessage
)

// Message is one outbound wire frame. Data is shared between subscribers
// and must not be mutated after it is handed to Send.
type Message struct {
	Kind MessageKind
	Data []byte
}

// Control encodes a control message into a text frame.
func Control(op Opcode, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode opcode %d payload: %w", op, err)
	}
	data, err := json.Marshal(Envelope{Opcode: op, Payload: raw})
	if err != nil {
		return Message{}, fmt.Errorf("encode opcode %d envelope: %w", op, err)
	}
	return Message{Kind: TextMessage, Data: data}, nil
}

// mustControl is Control for the fixed payload structs above, which always encode.
func mustControl(op Opcode, payload any) Message {
	msg, err := Control(op, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Binary wraps a data frame.
func Binary(frame []byte) Message {
	return Message{Kind: BinaryMessage, Data: frame}
}

// DecodeEnvelope parses an inbound text frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// DecodePayload unmarshals an envelope payload into v. An absent payload
// leaves v untouched.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode opcode %d payload: %w", e.Opcode, err)
	}
	return nil
}
