package message

import (
	"encoding/json"
	"fmt"
	"slices"
)

// EventFlag selects what an EventMessage asks the peer to do.
type EventFlag byte

const (
	Subscribe   EventFlag = 0 // Facade → Server: add this connection to the subscriber set
	Unsubscribe EventFlag = 1 // Facade → Server: remove this connection from the subscriber set
	Publish     EventFlag = 2 // Facade → Server: the event fired locally, fan it out
	Broadcast   EventFlag = 3 // Server → Facade: deliver the event to local handlers
	ComputeArgs EventFlag = 4 // Server → delegate (request) and delegate → Server (reply)
)

func (f EventFlag) String() string {
	switch f {
	case Subscribe:
		return "SUBSCRIBE"
	case Unsubscribe:
		return "UNSUBSCRIBE"
	case Publish:
		return "PUBLISH"
	case Broadcast:
		return "BROADCAST"
	case ComputeArgs:
		return "COMPUTE_ARGS"
	}
	return fmt.Sprintf("EventFlag(%d)", byte(f))
}

// EventMessage is one event-protocol control frame.
// ComputeID is only set on ComputeArgs frames and correlates the request with its reply.
type EventMessage struct {
	EventName string     `json:"eventName"`
	Flag      EventFlag  `json:"flag"`
	Args      *EventArgs `json:"eventArgs,omitempty"`
	ComputeID string     `json:"computeId,omitempty"`
}

func (*EventMessage) Kind() Kind { return KindEvent }

// EventArgs is the payload handed to every event handler.
//
// Handlers may mutate it: the publisher's local handlers run before the event leaves the
// process, and a compute delegate's handlers run before the server broadcasts it, so any
// change made there is what the other subscribers observe.
type EventArgs struct {
	// Cancel stops the remaining local handlers and suppresses publish and broadcast.
	Cancel bool `json:"cancel,omitempty"`
	// Versions restricts broadcast to subscribers whose handshake version is listed.
	// Empty means the server's configured allow-list (if any) applies.
	Versions []int `json:"versions,omitempty"`
	// Data is the JSON-encoded user payload.
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEventArgs encodes v as the payload of a fresh EventArgs.
func NewEventArgs(v any) (*EventArgs, error) {
	args := &EventArgs{}
	if err := args.Set(v); err != nil {
		return nil, err
	}
	return args, nil
}

// Bind decodes the payload into v.
func (a *EventArgs) Bind(v any) error {
	if len(a.Data) == 0 {
		return nil
	}
	return json.Unmarshal(a.Data, v)
}

// Set replaces the payload with the JSON encoding of v.
func (a *EventArgs) Set(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event args: %w", err)
	}
	a.Data = data
	return nil
}

// CopyFrom overwrites a with the fields computed into other.
func (a *EventArgs) CopyFrom(other *EventArgs) {
	if other == nil {
		return
	}
	a.Cancel = other.Cancel
	a.Versions = slices.Clone(other.Versions)
	a.Data = slices.Clone(other.Data)
}

// Clone returns a deep copy.
func (a *EventArgs) Clone() *EventArgs {
	if a == nil {
		return nil
	}
	c := &EventArgs{}
	c.CopyFrom(a)
	return c
}
