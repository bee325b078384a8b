package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// message.go - client -> registry messages.
// Every message is a flat JSON object: id, type, time and, for the endpoint
// carrying variants, an "endpoint" field.

// MessageType is the closed set of messages a client may send.
type MessageType string

const (
	MsgSubscribe     MessageType = "subscribe"
	MsgHeartbeat     MessageType = "heartbeat"
	MsgAddService    MessageType = "add-service"
	MsgRemoveService MessageType = "remove-service"
)

// carriesEndpoint reports whether the wire form has an "endpoint" key.
func (t MessageType) carriesEndpoint() bool {
	return t == MsgAddService || t == MsgRemoveService
}

func (t MessageType) valid() bool {
	switch t {
	case MsgSubscribe, MsgHeartbeat, MsgAddService, MsgRemoveService:
		return true
	}
	return false
}

var (
	ErrUnknownMessage = errors.New("registry: unknown message type")
	ErrMissingType    = errors.New("registry: message has no type")
)

// Message is an outbound registry message. ID is always 0: the registry does
// not currently require ordering ids.
type Message struct {
	ID       int64
	Type     MessageType
	Time     int64 // unix milliseconds
	Endpoint *ServiceEndpoint
}

func newMessage(t MessageType, ep *ServiceEndpoint) Message {
	return Message{ID: 0, Type: t, Time: time.Now().UnixMilli(), Endpoint: ep}
}

func NewSubscribe() Message { return newMessage(MsgSubscribe, nil) }
func NewHeartbeat() Message { return newMessage(MsgHeartbeat, nil) }

// NewAddService announces ep.
func NewAddService(ep ServiceEndpoint) Message { return newMessage(MsgAddService, &ep) }

// NewRemoveService withdraws ep.
func NewRemoveService(ep ServiceEndpoint) Message { return newMessage(MsgRemoveService, &ep) }

// wireMessage is the JSON shape shared by all variants.
type wireMessage struct {
	ID   int64       `json:"id"`
	Type MessageType `json:"type"`
	Time int64       `json:"time"`
}

type wireEndpointMessage struct {
	wireMessage
	Endpoint *ServiceEndpoint `json:"endpoint"`
}

// EncodeMessage serialises m. Add/remove messages always carry "endpoint",
// encoded as null when no endpoint is set.
func EncodeMessage(m Message) ([]byte, error) {
	if !m.Type.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
	base := wireMessage{ID: m.ID, Type: m.Type, Time: m.Time}
	if m.Type.carriesEndpoint() {
		return json.Marshal(wireEndpointMessage{wireMessage: base, Endpoint: m.Endpoint})
	}
	return json.Marshal(base)
}

// DecodeMessage parses a client message. Gateways that translate the protocol
// onto another backend use it to interpret outbound traffic.
func DecodeMessage(data []byte) (Message, error) {
	var w wireEndpointMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("registry: decode message: %w", err)
	}
	if w.Type == "" {
		return Message{}, ErrMissingType
	}
	if !w.Type.valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, w.Type)
	}
	m := Message{ID: w.ID, Type: w.Type, Time: w.Time}
	if w.Type.carriesEndpoint() {
		m.Endpoint = w.Endpoint
	}
	return m, nil
}
