package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/bosley/libinterview/proctor"
	"github.com/bosley/libinterview/protocol"
)

const DefaultMaxQuestions = 8

type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
)

func (c ConnectionStatus) String() string {
	switch c {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("ConnectionStatus(%d)", int(c))
}

func (c ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ConnectionStatus) UnmarshalText(text []byte) error {
	for s := Disconnected; s <= Connected; s++ {
		if strings.EqualFold(string(text), s.String()) {
			*c = s
			return nil
		}
	}
	return fmt.Errorf("unknown connection status %q", text)
}

// Reason is why a session ended. None means it has not.
type Reason int

const (
	None Reason = iota
	Normal
	Timeout
	ProctorViolation
	ConnectionLost
)

func (r Reason) String() string {
	switch r {
	case None:
		return "none"
	case Normal:
		return "normal"
	case Timeout:
		return "timeout"
	case ProctorViolation:
		return "proctor_violation"
	case ConnectionLost:
		return "connection_lost"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Reason) UnmarshalText(text []byte) error {
	parsed, err := ParseReason(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func ParseReason(s string) (Reason, error) {
	for r := None; r <= ConnectionLost; r++ {
		if strings.EqualFold(s, r.String()) {
			return r, nil
		}
	}
	return None, fmt.Errorf("unknown termination reason %q", s)
}

type Role string

const (
	Interviewer Role = "interviewer"
	Candidate   Role = "candidate"
)

// Message is one entry of the conversation log.
type Message struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// State is the whole observable session. The orchestrator loop is its only
// writer; everyone else sees copies.
type State struct {
	SessionID string `json:"sessionId"`
	JobID     string `json:"jobId"`
	ResumeID  string `json:"resumeId"`

	Connection        ConnectionStatus `json:"connection"`
	Started           bool             `json:"started"`
	QuestionCount     int              `json:"questionCount"`
	MaxQuestions      int              `json:"maxQuestions"`
	IsComplete        bool             `json:"isComplete"`
	TerminationReason Reason           `json:"terminationReason"`

	ScreenSharing  bool   `json:"screenSharing"`
	VoiceActive    bool   `json:"voiceActive"`
	LiveTranscript string `json:"liveTranscript"`
	PendingAnswer  string `json:"pendingAnswer"`
	AwaitingReply  bool   `json:"awaitingReply"`

	TabSwitches    int             `json:"tabSwitches"`
	ProctorWarning string          `json:"proctorWarning,omitempty"`
	VisualActive   bool            `json:"visualActive"`
	FaceWarning    string          `json:"faceWarning,omitempty"`
	LastFace       *proctor.Result `json:"lastFace,omitempty"`

	RemainingSeconds int  `json:"remainingSeconds"`
	TimerActive      bool `json:"timerActive"`

	LastError string    `json:"lastError,omitempty"`
	Messages  []Message `json:"messages"`
}

// Terminated reports whether a termination reason has been recorded.
func (s *State) Terminated() bool {
	return s.TerminationReason != None
}

func (s State) clone() State {
	s.Messages = append([]Message(nil), s.Messages...)
	if s.LastFace != nil {
		f := *s.LastFace
		s.LastFace = &f
	}
	return s
}

// inboundEffect lists what the orchestrator must do after an inbound message
// was folded into the state.
type inboundEffect struct {
	speak       string
	shareWanted bool
	complete    bool
}

// applyInbound folds one backend message into s. Absent counters keep their
// previous values.
func applyInbound(s *State, msg protocol.Inbound, now time.Time) inboundEffect {
	var eff inboundEffect
	if msg.Error != "" {
		s.LastError = msg.Error
		s.AwaitingReply = false
		return eff
	}

	if msg.QuestionCount != nil {
		s.QuestionCount = *msg.QuestionCount
	}
	if msg.MaxQuestions != nil && *msg.MaxQuestions > 0 {
		s.MaxQuestions = *msg.MaxQuestions
	}

	switch msg.Type {
	case protocol.TypeScreenShareRequest:
		eff.shareWanted = true
	case protocol.TypeInterviewComplete:
		eff.complete = true
	}

	if msg.Text != "" {
		s.Messages = append(s.Messages, Message{Role: Interviewer, Text: msg.Text, At: now})
		s.AwaitingReply = false
		eff.speak = msg.Text
	}

	if msg.QuestionCount != nil && s.MaxQuestions > 0 && s.QuestionCount >= s.MaxQuestions {
		eff.complete = true
	}
	if eff.complete {
		s.IsComplete = true
	}
	return eff
}

// applyDetection folds one face-detection result into s and returns the
// warning to report upstream, if the result warrants one.
func applyDetection(s *State, det proctor.Detection) (report bool) {
	r := det.Result
	s.LastFace = &r
	s.FaceWarning = det.Class.Warning()
	return det.Class == proctor.MultipleFaces
}

// applyAnswer records a sent answer.
func applyAnswer(s *State, text string, now time.Time) {
	s.Messages = append(s.Messages, Message{Role: Candidate, Text: text, At: now})
	s.PendingAnswer = ""
	s.LiveTranscript = ""
	s.AwaitingReply = true
}

// applyTermination clears the live flags once the session is over.
func applyTermination(s *State, reason Reason) {
	if s.TerminationReason == None {
		s.TerminationReason = reason
	}
	s.IsComplete = true
	s.Connection = Disconnected
	s.VoiceActive = false
	s.ScreenSharing = false
	s.VisualActive = false
	s.TimerActive = false
	s.AwaitingReply = false
}
