package session

import "github.com/open-realtime/chat-stack/pkg/subscriptions"

// Frame types. A connection carries many logical subscriptions multiplexed
// by client-chosen id; exactly one start per id per connection lifetime,
// and stop/error are terminal for that id.
const (
	FrameStart = "start"
	FrameData  = "data"
	FrameStop  = "stop"
	FrameError = "error"
)

// Frame is the topic-agnostic wire envelope, JSON-encoded as text messages.
type Frame struct {
	Type string `json:"type"`
	ID   string `json:"id"`

	// start only
	Operation string             `json:"operation,omitempty"`
	Arguments subscriptions.Args `json:"arguments,omitempty"`

	// data only
	Payload any `json:"payload,omitempty"`

	// error only
	Message string `json:"message,omitempty"`
}
