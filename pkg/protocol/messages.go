// Package protocol defines the wire envelopes exchanged over the gateway's
// WebSocket endpoints.
//
// All envelopes are JSON-encoded objects with a "type" field that determines
// which of the remaining fields are meaningful.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// --- Message type constants ---

const (
	// Client -> gateway
	TypeConnect  = "connect"
	TypeTransmit = "transmit"

	// Gateway -> client
	TypeConnected = "connected"
	TypeError     = "error"
)

// ContentTypeHL7V2 tags payloads carried by the agent protocol as HL7 v2
// messages in ER7 encoding.
const ContentTypeHL7V2 = "x-application/hl7-v2+er7"

// ErrNotObject is returned by ParseCommand when the payload is valid JSON but
// not a single top-level object.
var ErrNotObject = errors.New("command must be a JSON object")

// Command is an inbound envelope on the agent endpoint.
//
// connect:  {type:"connect", accessToken, agentId, botId}
// transmit: {type:"transmit", message, forwardedFor}
type Command struct {
	Type string `json:"type"`

	// connect
	AccessToken string `json:"accessToken,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	BotID       string `json:"botId,omitempty"`

	// transmit
	Message      string `json:"message,omitempty"`
	ForwardedFor string `json:"forwardedFor,omitempty"`
}

// ParseCommand decodes a single command envelope.
func ParseCommand(data []byte) (Command, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, err
	}
	if len(raw) == 0 || raw[0] != '{' {
		return Command{}, ErrNotObject
	}
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return cmd, nil
}

// Outbound is an envelope sent from the gateway to a client.
type Outbound struct {
	Type    string `json:"type"`
	Message any    `json:"message,omitempty"`
}

// Connected acknowledges a successful connect.
func Connected() Outbound {
	return Outbound{Type: TypeConnected}
}

// Transmit wraps a payload for delivery to the client.
func Transmit(message any) Outbound {
	return Outbound{Type: TypeTransmit, Message: message}
}

// Error reports a handled failure. The connection stays open.
func Error(message string) Outbound {
	return Outbound{Type: TypeError, Message: message}
}

// MessageString returns Message as text. Non-string values are JSON-encoded.
func (o Outbound) MessageString() string {
	switch v := o.Message.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// --- FHIRcast ---

// FHIRcastEvent is a FHIRcast notification as published on a topic.
type FHIRcastEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	ID        string            `json:"id"`
	Event     FHIRcastEventBody `json:"event"`
}

// FHIRcastEventBody carries the hub topic, event name and context resources.
type FHIRcastEventBody struct {
	Topic   string            `json:"hub.topic"`
	Event   string            `json:"hub.event"`
	Context []json.RawMessage `json:"context"`
}

// FHIRcast event names used by the gateway itself.
const (
	FHIRcastHeartbeat = "heartbeat"
)
