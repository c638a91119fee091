package realtime

import (
	"velora-sync/internal/models"
)

// Frame types exchanged over the relay websocket
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSubscribed  = "subscribed"
	FrameChange      = "change"
	FrameError       = "error"
)

// Frame is one websocket message. Ref ties subscribe requests, their
// acknowledgements and the changes delivered for them together.
type Frame struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Filters []models.Filter `json:"filters,omitempty"`
	Change  *models.Change  `json:"change,omitempty"`
	Message string          `json:"message,omitempty"`
}
