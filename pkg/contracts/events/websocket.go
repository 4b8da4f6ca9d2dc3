// Package events contains the event contracts of the lease event stream
// served on /-/events.
package events

import (
	"context"
	"time"
)

// ProtocolVersion of the event stream.
const ProtocolVersion = "1.0"

// MessageType defines the type of event stream message
type MessageType string

const (
	// Lease lifecycle
	MessageTypeLeaseCreated  MessageType = "lease:created"
	MessageTypeLeaseRenewed  MessageType = "lease:renewed"
	MessageTypeLeaseReturned MessageType = "lease:returned"
	MessageTypeLeaseReleased MessageType = "lease:released"
	MessageTypeLeaseExpired  MessageType = "lease:expired"
	MessageTypeLeaseDeleted  MessageType = "lease:deleted"

	// Origin lifecycle
	MessageTypeOriginRegistered MessageType = "origin:registered"
	MessageTypeOriginDeleted    MessageType = "origin:deleted"

	// Connection messages
	MessageTypeConnect MessageType = "connect"
	MessageTypeError   MessageType = "error"
)

// BaseMessage represents the base structure for all event stream messages
type BaseMessage struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// Message is a complete event stream message.
type Message struct {
	BaseMessage
	Data interface{} `json:"data,omitempty"`
}

// LeaseEvent describes a change to one or more leases of an origin.
type LeaseEvent struct {
	OriginRef string     `json:"origin_ref,omitempty"`
	LeaseRefs []string   `json:"lease_refs"`
	Expires   *time.Time `json:"expires,omitempty"`
	Feature   string     `json:"feature_name,omitempty"`
}

// OriginEvent describes a change to an origin.
type OriginEvent struct {
	OriginRef string `json:"origin_ref"`
	Hostname  string `json:"hostname,omitempty"`
}

// ConnectData is sent to a client right after it connects.
type ConnectData struct {
	ClientID string `json:"client_id"`
	Protocol string `json:"protocol"`
	Message  string `json:"message"`
}

// ErrorData reports a stream-level error.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Publisher receives lease and origin events. Implementations must not
// block the caller.
type Publisher interface {
	Publish(ctx context.Context, msgType MessageType, data interface{})
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, MessageType, interface{}) {}
