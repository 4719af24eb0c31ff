// ABOUTME: Message type and payload helpers for the conversation protocol
// ABOUTME: Includes boundary validation of decoded messages and stream headers

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Type identifies the role of a message within an exchange.
type Type string

// Message types.
const (
	TypeQuestion         Type = "question"
	TypeReply            Type = "reply"
	TypeListening        Type = "listening"
	TypeContinue         Type = "continueMessage"
	TypeEnd              Type = "endMessage"
	TypeError            Type = "error"
	TypeQuestionReceived Type = "questionReceived"
	TypeReplyReceived    Type = "replyReceived"
)

var knownTypes = map[Type]bool{
	TypeQuestion:         true,
	TypeReply:            true,
	TypeListening:        true,
	TypeContinue:         true,
	TypeEnd:              true,
	TypeError:            true,
	TypeQuestionReceived: true,
	TypeReplyReceived:    true,
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	return knownTypes[t]
}

// ErrInvalidMessage is wrapped by every validation failure.
var ErrInvalidMessage = errors.New("wire: invalid message")

// Message is one structured protocol message.
type Message struct {
	Type       Type            `json:"type"`
	ID         string          `json:"id"`
	ResponseID string          `json:"responseId,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
}

// NewMessage builds a message, encoding payload as its body.
func NewMessage(typ Type, id, responseID string, payload any) (Message, error) {
	raw, err := Payload(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, ID: id, ResponseID: responseID, Message: raw}, nil
}

// Payload encodes v as a raw JSON payload. Raw payloads pass through and a
// nil value yields an empty payload.
func Payload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return raw, nil
}

// Validate checks the shape of a message received from a peer.
func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: %s message without id", ErrInvalidMessage, m.Type)
	}
	if m.Type == TypeQuestionReceived && m.ResponseID == "" {
		return fmt.Errorf("%w: questionReceived without responseId", ErrInvalidMessage)
	}
	if len(m.Message) > 0 && !json.Valid(m.Message) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidMessage)
	}
	return nil
}

// ErrInvalidStreamIndex is returned by ParseStreamIndex for malformed input.
var ErrInvalidStreamIndex = errors.New("wire: invalid stream index")

// ParseStreamIndex parses the sequence index a transport attaches to a
// physical stream. An empty value means index 0.
func ParseStreamIndex(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	idx, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidStreamIndex, raw)
	}
	return idx, nil
}
