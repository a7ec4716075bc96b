// Package v1 defines the bazaar direct messaging contract v1.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and clients to keep the wire format authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated by the realtime endpoint.
const Subprotocol = "bazaar.messaging.v1"

// Type constants (wire-stable).
const (
	// TypeSubscribed confirms that the live feed is active (server -> client).
	TypeSubscribed = "subscribed"

	// TypeMessageCreated carries a newly persisted message addressed to the subscriber (server -> client).
	TypeMessageCreated = "message_created"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical realtime wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSubscribed, TypeMessageCreated, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Realtime payloads ----

// SubscribedPayload confirms the subscription owner and the websocket session id.
type SubscribedPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// Message is the full message record as exchanged over HTTP and the realtime feed.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorPayload is a generic error payload (HTTP body field and realtime envelope payload).
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---- HTTP bodies ----

// SendMessageRequest is the body of POST /v1/messages.
type SendMessageRequest struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Content  string `json:"content"`
}

// SendMessageResponse is the success body of POST /v1/messages.
type SendMessageResponse struct {
	Message Message `json:"message"`
}

// Profile is the lightweight display summary of a participant.
type Profile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ConversationResponse is the success body of GET /v1/conversations.
type ConversationResponse struct {
	Messages        []Message `json:"messages"`
	SenderProfile   Profile   `json:"sender_profile"`
	ReceiverProfile Profile   `json:"receiver_profile"`
}

// ErrorResponse is the failure body of every HTTP endpoint.
type ErrorResponse struct {
	Error ErrorPayload `json:"error"`
}
