package control

import (
	"time"

	"github.com/bosley/libinterview/session"
)

// AnswerRequest is the body of POST /api/answer.
type AnswerRequest struct {
	Text string `json:"text"`
}

// VisibilityRequest is the body of POST /api/visibility.
type VisibilityRequest struct {
	Hidden *bool `json:"hidden"`
}

// EndRequest is the optional body of POST /api/end.
type EndRequest struct {
	Reason string `json:"reason,omitempty"`
}

type TranscriptResponse struct {
	Transcript string `json:"transcript"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// WebSocketMessage is pushed to every viewer after each state change.
type WebSocketMessage struct {
	Type      string        `json:"type"`
	SessionID string        `json:"sessionId"`
	Timestamp time.Time     `json:"timestamp"`
	Payload   session.State `json:"payload"`
}
