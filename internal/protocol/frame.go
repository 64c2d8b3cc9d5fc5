package protocol

import "time"

// FrameType discriminates push-stream frames
type FrameType string

const (
	// Server to client
	FrameConnectionOpen FrameType = "connectionOpen"
	FrameUpdates        FrameType = "updates"
	FrameError          FrameType = "error"

	// Client to server
	FrameComposeAction FrameType = "composeAction"
)

// ServerFrame is one message on the server push stream. Updates inside a
// frame are ordered and must be applied in order.
type ServerFrame struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Updates   []Update  `json:"updates,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientFrame is a message sent by a client over the push stream
type ClientFrame struct {
	Type          FrameType               `json:"type"`
	ComposeAction *SendComposeActionInput `json:"composeAction,omitempty"`
}
