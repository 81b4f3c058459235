package domain

import (
	"encoding/json"
	"time"
)

// BroadcastRecipient addresses a message to every subscribed agent.
const BroadcastRecipient = "*"

// MessageType classifies inter-agent messages.
type MessageType string

const (
	MessageDirect    MessageType = "direct"
	MessageBroadcast MessageType = "broadcast"
	MessageRequest   MessageType = "request"
	MessageResponse  MessageType = "response"
	MessageHandoff   MessageType = "handoff"
	MessageContext   MessageType = "context"
	MessageSignal    MessageType = "signal"
)

// Message is one unit of inter-agent communication on the coordination bus.
// Delivery is at-least-once; consumers deduplicate on ID. CorrelationID links
// a response to the request it answers.
type Message struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	Sender        string          `json:"sender"`
	Recipient     string          `json:"recipient"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	SentAt        time.Time       `json:"sent_at"`
	TTL           time.Duration   `json:"ttl,omitempty"`
}

// Expired reports whether the message's time-to-live has elapsed at now.
// A zero TTL means the message never expires.
func (m *Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.After(m.SentAt.Add(m.TTL))
}

// StreamChunk is one unit of streamed task output. Seq is assigned by the
// session in strictly increasing order and anchors replay requests.
type StreamChunk struct {
	Seq       uint64          `json:"seq"`
	TaskID    string          `json:"task_id"`
	Data      json.RawMessage `json:"data"`
	Final     bool            `json:"final,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// BackpressurePolicy selects how a stream session handles a full buffer.
type BackpressurePolicy string

const (
	// BackpressureBlock suspends producers until a subscriber consumes.
	BackpressureBlock BackpressurePolicy = "block"
	// BackpressureDropOldest discards the oldest buffered chunk and counts it.
	BackpressureDropOldest BackpressurePolicy = "drop-oldest"
)
