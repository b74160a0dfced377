// Package hass talks to a Home Assistant style hub: the WebSocket event
// stream transport, the streaming message shapes, and the HTTP command
// and history endpoints.
package hass

import (
	"encoding/json"

	"github.com/dokzlo13/panelsync/internal/entity"
)

// Message types used on the WebSocket stream.
const (
	TypeAuthRequired    = "auth_required"
	TypeAuth            = "auth"
	TypeAuthOK          = "auth_ok"
	TypeAuthInvalid     = "auth_invalid"
	TypeGetStates       = "get_states"
	TypeSubscribeEvents = "subscribe_events"
	TypeResult          = "result"
	TypeEvent           = "event"

	EventStateChanged = "state_changed"
)

// AuthRequest is the first frame sent after the socket opens.
type AuthRequest struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// NewAuthRequest builds an auth frame for token.
func NewAuthRequest(token string) AuthRequest {
	return AuthRequest{Type: TypeAuth, AccessToken: token}
}

// Command is an id-tagged request frame.
type Command struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// NewGetStates builds a full-state fetch request.
func NewGetStates(id int64) Command {
	return Command{ID: id, Type: TypeGetStates}
}

// NewSubscribeStateChanged builds a state_changed subscription request.
func NewSubscribeStateChanged(id int64) Command {
	return Command{ID: id, Type: TypeSubscribeEvents, EventType: EventStateChanged}
}

// Inbound is any frame received from the hub. Result and Event stay raw
// until the receiver knows which shape to expect.
type Inbound struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResultError    `json:"error,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Succeeded reports whether a result frame carries success. Hubs that
// omit the flag are treated as successful.
func (m *Inbound) Succeeded() bool {
	return m.Success == nil || *m.Success
}

// ResultError is the error body of an unsuccessful result.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StateChangedEvent is the payload of a state_changed event frame.
type StateChangedEvent struct {
	EventType string `json:"event_type"`
	Data      struct {
		EntityID string         `json:"entity_id"`
		NewState *entity.Record `json:"new_state"`
	} `json:"data"`
}

// DecodeStates decodes a get_states result into records.
func DecodeStates(raw json.RawMessage) ([]*entity.Record, error) {
	var records []*entity.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// DecodeStateChanged decodes an event payload. ok is false when the
// event is not a state_changed event.
func DecodeStateChanged(raw json.RawMessage) (StateChangedEvent, bool, error) {
	var ev StateChangedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, false, err
	}
	if ev.EventType != "" && ev.EventType != EventStateChanged {
		return ev, false, nil
	}
	return ev, ev.Data.EntityID != "", nil
}
