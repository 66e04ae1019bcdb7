package protocol

// Inbound type values the backend may send.
const (
	TypeScreenShareRequest = "screen_share_request"
	TypeInterviewComplete  = "interview_complete"
)

// Screen share actions reported to the backend.
const (
	ScreenShareStarted  = "started"
	ScreenShareEnded    = "ended"
	ScreenShareDeclined = "declined"
)

// EndInterviewAnswer is the informational answer sent when the client ends
// the interview on its own.
const EndInterviewAnswer = "end interview"

// Inbound is one message received from the interview backend. Optional
// numeric fields are pointers so an absent field can be told apart from 0.
type Inbound struct {
	Text          string `json:"text,omitempty"`
	QuestionCount *int   `json:"question_count,omitempty"`
	MaxQuestions  *int   `json:"max_questions,omitempty"`
	Type          string `json:"type,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Outbound is implemented by every message the client may send.
type Outbound interface {
	outbound()
}

type Answer struct {
	Answer string `json:"answer"`
}

type TabSwitch struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type ScreenShare struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

type FaceDetection struct {
	Type             string `json:"type"`
	FaceCount        int    `json:"face_count"`
	HasMultipleFaces bool   `json:"has_multiple_faces"`
	Warning          string `json:"warning,omitempty"`
}

func (Answer) outbound()        {}
func (TabSwitch) outbound()     {}
func (ScreenShare) outbound()   {}
func (FaceDetection) outbound() {}

func NewAnswer(text string) Answer {
	return Answer{Answer: text}
}

func EndInterview() Answer {
	return Answer{Answer: EndInterviewAnswer}
}

func NewTabSwitch(count int) TabSwitch {
	return TabSwitch{Type: "tab-switch", Count: count}
}

func NewScreenShare(action string) ScreenShare {
	return ScreenShare{Type: "screen-share", Action: action}
}

func NewFaceDetection(faceCount int, multiple bool, warning string) FaceDetection {
	return FaceDetection{Type: "face-detection", FaceCount: faceCount, HasMultipleFaces: multiple, Warning: warning}
}
