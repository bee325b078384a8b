package registry

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of registry -> client events. Anything the
// registry sends that is not listed decodes to EventGeneric.
type EventType int

const (
	EventGeneric EventType = iota
	EventJoin
	EventLeave
	EventSync
	EventUpdate
)

func (t EventType) String() string {
	switch t {
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	case EventSync:
		return "sync"
	case EventUpdate:
		return "update"
	default:
		return "event"
	}
}

func parseEventType(tag string) EventType {
	switch tag {
	case "join":
		return EventJoin
	case "leave":
		return EventLeave
	case "sync":
		return EventSync
	case "update":
		return EventUpdate
	default:
		return EventGeneric
	}
}

// Event is constructed per inbound message and lives only for dispatch.
type Event struct {
	Type     EventType
	Tag      string          // type string as received
	Data     json.RawMessage // sync/update payload
	Received time.Time
}

// NewEvent builds a locally generated event (join/leave come from the
// transport, not the wire).
func NewEvent(t EventType) Event {
	return Event{Type: t, Tag: t.String(), Received: time.Now()}
}

type wireEvent struct {
	Type *string         `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeEvent parses one inbound message. A missing or non-string "type" is a
// protocol error and the caller must treat the session as unusable.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("registry: decode event: %w", err)
	}
	if w.Type == nil || *w.Type == "" {
		return Event{}, ErrMissingType
	}
	ev := Event{Type: parseEventType(*w.Type), Tag: *w.Type, Received: time.Now()}
	if ev.Type == EventSync || ev.Type == EventUpdate {
		ev.Data = w.Data
	}
	return ev, nil
}

type syncData struct {
	Services map[string][]ServiceEndpoint `json:"services"`
}

// ParseServices reads the {"services": {...}} object carried by sync and
// update events. Missing data or a missing services key yields an empty map.
func ParseServices(data json.RawMessage) (Services, error) {
	out := Services{}
	if len(data) == 0 || string(data) == "null" {
		return out, nil
	}
	var sd syncData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("registry: parse services: %w", err)
	}
	for name, eps := range sd.Services {
		out[name] = append([]ServiceEndpoint{}, eps...)
	}
	return out, nil
}

type wireSync struct {
	Type string   `json:"type"`
	Time int64    `json:"time"`
	Data syncData `json:"data"`
}

// EncodeSync builds a registry -> client sync message for s.
func EncodeSync(s Services) ([]byte, error) {
	sd := syncData{Services: make(map[string][]ServiceEndpoint, len(s))}
	for name, eps := range s {
		sd.Services[name] = append([]ServiceEndpoint{}, eps...)
	}
	return json.Marshal(wireSync{Type: "sync", Time: time.Now().UnixMilli(), Data: sd})
}
