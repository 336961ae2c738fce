// Package message defines the three wire messages exchanged between a facade and a server.
//
//   - MethodMessage:   one request/response remote call, correlated by ID.
//   - EventMessage:    one event-protocol control frame (subscribe, publish, broadcast, compute).
//   - MetadataMessage: the handshake, sent once per connection before anything else.
//
// Messages are serialized by the codec layer and wrapped in a protocol frame whose header
// carries the Kind, so the receiver always knows which concrete type to decode into.
package message

import (
	"encoding/json"
	"fmt"
)

// Kind tags the concrete message type inside a frame.
type Kind byte

const (
	KindMethod   Kind = 0
	KindEvent    Kind = 1
	KindMetadata Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindMethod:
		return "method"
	case KindEvent:
		return "event"
	case KindMetadata:
		return "metadata"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Message is implemented by the three wire message types.
type Message interface {
	Kind() Kind
}

// New returns an empty message of the given kind, ready to be decoded into.
func New(k Kind) (Message, error) {
	switch k {
	case KindMethod:
		return &MethodMessage{}, nil
	case KindEvent:
		return &EventMessage{}, nil
	case KindMetadata:
		return &MetadataMessage{}, nil
	}
	return nil, fmt.Errorf("unknown message kind: %d", byte(k))
}

// MethodMessage carries one outstanding remote call.
//
//   - On request:  Method and Parameters are set, ReturnValue and ErrorMessage are empty.
//   - On response: Parameters are cleared, ReturnValue holds the JSON result (empty for void),
//     ErrorMessage is non-empty if the target method failed.
type MethodMessage struct {
	ID           uint64            `json:"id"`
	Method       string            `json:"method"`
	Parameters   []json.RawMessage `json:"parameters,omitempty"`
	ReturnValue  json.RawMessage   `json:"returnValue,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	TraceID      string            `json:"traceId,omitempty"`
}

func (*MethodMessage) Kind() Kind { return KindMethod }

// MetadataMessage is the per-connection handshake.
type MetadataMessage struct {
	EventVersion int    `json:"eventVersion"`
	ClientID     string `json:"clientId,omitempty"`
}

func (*MetadataMessage) Kind() Kind { return KindMetadata }
