package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/libinterview/proctor"
	"github.com/bosley/libinterview/protocol"
	"github.com/bosley/libinterview/timer"
	"github.com/bosley/libinterview/video"
	"github.com/bosley/libinterview/voice"
)

type fakeConn struct {
	dialErr error
	events  chan protocol.Event

	mu     sync.Mutex
	ids    []string
	sent   []string
	closes atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan protocol.Event, 16)}
}

func (c *fakeConn) Connect(ctx context.Context, jobID, resumeID string) (<-chan protocol.Event, error) {
	c.mu.Lock()
	c.ids = []string{jobID, resumeID}
	c.mu.Unlock()
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	return c.events, nil
}

func (c *fakeConn) Send(msg protocol.Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	return nil
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakeVoice struct {
	events  chan voice.Event
	starts  atomic.Int32
	stops   atomic.Int32
	resets  atomic.Int32
	retired atomic.Int32
	active  atomic.Bool
	preempt bool
	text    string
}

func (v *fakeVoice) Start(ctx context.Context) error {
	n := v.starts.Add(1)
	if v.preempt {
		// Stopped after the engine started but before the caller heard back.
		v.retired.Store(n)
		v.events <- voice.Event{Kind: voice.EventStarted, Activation: int(n)}
		return nil
	}
	v.active.Store(true)
	return nil
}

func (v *fakeVoice) Stop() (string, error) {
	v.stops.Add(1)
	v.active.Store(false)
	v.retired.Store(v.starts.Load())
	if v.text == "" {
		return "", voice.ErrNoSpeech
	}
	return v.text, nil
}

func (v *fakeVoice) Reset()                     { v.resets.Add(1) }
func (v *fakeVoice) Active() bool               { return v.active.Load() }
func (v *fakeVoice) Retired() int               { return int(v.retired.Load()) }
func (v *fakeVoice) Events() <-chan voice.Event { return v.events }

type fakeVisual struct {
	err         error
	events      chan proctor.Detection
	activations atomic.Int32
	stops       atomic.Int32
}

func (v *fakeVisual) Activate(ctx context.Context) error {
	err := v.err
	v.activations.Add(1)
	return err
}

func (v *fakeVisual) Stop()                               { v.stops.Add(1) }
func (v *fakeVisual) Events() <-chan proctor.Detection { return v.events }

type fakeShare struct {
	ended chan struct{}
	stops atomic.Int32
	once  sync.Once
}

func (s *fakeShare) Ended() <-chan struct{} { return s.ended }

func (s *fakeShare) Stop() {
	s.stops.Add(1)
}

func (s *fakeShare) end() {
	s.once.Do(func() { close(s.ended) })
}

type fakeScreens struct {
	mu     sync.Mutex
	err    error
	shares []*fakeShare
}

func (s *fakeScreens) Share(ctx context.Context) (video.Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		err := s.err
		s.err = nil
		s.shares = append(s.shares, nil)
		return nil, err
	}
	sh := &fakeShare{ended: make(chan struct{})}
	s.shares = append(s.shares, sh)
	return sh, nil
}

func (s *fakeScreens) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shares)
}

func (s *fakeScreens) last() *fakeShare {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shares[len(s.shares)-1]
}

type fakeTimer struct {
	events chan timer.Event
	starts atomic.Int32
	stops  atomic.Int32
}

func (t *fakeTimer) Start()                     { t.starts.Add(1) }
func (t *fakeTimer) Stop()                      { t.stops.Add(1) }
func (t *fakeTimer) Events() <-chan timer.Event { return t.events }

type fakeSpeaker struct {
	mu    sync.Mutex
	said  []string
	stops atomic.Int32
}

func (s *fakeSpeaker) Say(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.said = append(s.said, text)
}

func (s *fakeSpeaker) Stop() { s.stops.Add(1) }

type harness struct {
	conn    *fakeConn
	voice   *fakeVoice
	visual  *fakeVisual
	screens *fakeScreens
	timer   *fakeTimer
	speaker *fakeSpeaker
	orch    *Orchestrator
	runErr  chan error
}

func newHarness(t *testing.T, jobID, resumeID string) *harness {
	t.Helper()
	h := &harness{
		conn:    newFakeConn(),
		voice:   &fakeVoice{events: make(chan voice.Event, 8)},
		visual:  &fakeVisual{events: make(chan proctor.Detection, 8)},
		screens: &fakeScreens{},
		timer:   &fakeTimer{events: make(chan timer.Event, 8)},
		speaker: &fakeSpeaker{},
		runErr:  make(chan error, 1),
	}
	h.orch = New(Options{
		JobID:    jobID,
		ResumeID: resumeID,
		Conn:     h.conn,
		Voice:    h.voice,
		Visual:   h.visual,
		Screens:  h.screens,
		Timer:    h.timer,
		Speaker:  h.speaker,
		Duration: 600 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.runErr <- h.orch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.orch.Done()
	})
	return h
}

func (h *harness) waitState(t *testing.T, cond func(State) bool) State {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.orch.Snapshot()) }, 2*time.Second, 2*time.Millisecond)
	return h.orch.Snapshot()
}

// connect starts the session and waits until it is connected and sharing.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.orch.Start(context.Background()))
	h.waitState(t, func(s State) bool {
		return s.Connection == Connected && s.ScreenSharing && s.VisualActive
	})
}

func (h *harness) waitDone(t *testing.T) State {
	t.Helper()
	select {
	case <-h.orch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	return h.orch.Snapshot()
}

func intPtr(n int) *int { return &n }

func TestInterviewRunsToCompletion(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.connect(t)

	h.conn.mu.Lock()
	assert.Equal(t, []string{"J1", "R1"}, h.conn.ids)
	h.conn.mu.Unlock()
	assert.Equal(t, int32(1), h.timer.starts.Load())
	assert.Equal(t, []string{`{"type":"screen-share","action":"started"}`}, h.conn.messages())

	h.conn.events <- protocol.Event{Kind: protocol.EventMessage, Message: protocol.Inbound{
		Text: "Tell me about yourself.", QuestionCount: intPtr(1), MaxQuestions: intPtr(2),
	}}
	s := h.waitState(t, func(s State) bool { return s.QuestionCount == 1 })
	assert.Equal(t, 2, s.MaxQuestions)
	assert.False(t, s.IsComplete)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, Interviewer, s.Messages[0].Role)

	require.NoError(t, h.orch.SubmitAnswer(context.Background(), "  I build distributed systems. "))
	assert.ErrorIs(t, h.orch.SubmitAnswer(context.Background(), "again"), ErrAwaitingReply)
	s = h.orch.Snapshot()
	assert.True(t, s.AwaitingReply)
	assert.Equal(t, Candidate, s.Messages[1].Role)
	assert.Equal(t, "I build distributed systems.", s.Messages[1].Text)
	assert.Equal(t, int32(1), h.voice.resets.Load())

	// max_questions omitted: the previous value is kept.
	h.conn.events <- protocol.Event{Kind: protocol.EventMessage, Message: protocol.Inbound{
		Text: "Thanks, that's all.", QuestionCount: intPtr(2),
	}}
	s = h.waitDone(t)
	assert.Equal(t, Normal, s.TerminationReason)
	assert.True(t, s.IsComplete)
	assert.Equal(t, 2, s.QuestionCount)
	assert.Equal(t, 2, s.MaxQuestions)
	assert.Equal(t, Disconnected, s.Connection)

	assert.Equal(t, []string{
		`{"type":"screen-share","action":"started"}`,
		`{"answer":"I build distributed systems."}`,
		`{"type":"screen-share","action":"ended"}`,
	}, h.conn.messages())

	h.speaker.mu.Lock()
	assert.Equal(t, []string{"Tell me about yourself.", "Thanks, that's all."}, h.speaker.said)
	h.speaker.mu.Unlock()

	assert.Equal(t, int32(1), h.conn.closes.Load())
	assert.Equal(t, int32(1), h.visual.stops.Load())
	assert.Equal(t, int32(1), h.timer.stops.Load())
	assert.Equal(t, int32(1), h.screens.last().stops.Load())
	assert.ErrorIs(t, h.orch.SubmitAnswer(context.Background(), "late"), ErrTerminated)
}

func TestThreeTabHidesEndInterview(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.connect(t)
	ctx := context.Background()

	require.NoError(t, h.orch.VisibilityChanged(ctx, true))
	s := h.orch.Snapshot()
	assert.Equal(t, 1, s.TabSwitches)
	assert.Equal(t, "Warning: You left the tab. 2 chances left before interview ends!", s.ProctorWarning)

	require.NoError(t, h.orch.VisibilityChanged(ctx, false))
	require.NoError(t, h.orch.VisibilityChanged(ctx, true))
	assert.Equal(t, "Last warning: Next tab switch will end your interview!", h.orch.Snapshot().ProctorWarning)

	require.NoError(t, h.orch.VisibilityChanged(ctx, false))
	require.NoError(t, h.orch.VisibilityChanged(ctx, true))

	s = h.waitDone(t)
	assert.Equal(t, ProctorViolation, s.TerminationReason)
	assert.Equal(t, 3, s.TabSwitches)

	assert.Equal(t, []string{
		`{"type":"screen-share","action":"started"}`,
		`{"type":"tab-switch","count":1}`,
		`{"type":"tab-switch","count":2}`,
		`{"type":"tab-switch","count":3}`,
		`{"type":"screen-share","action":"ended"}`,
		`{"answer":"end interview"}`,
	}, h.conn.messages())

	assert.ErrorIs(t, h.orch.VisibilityChanged(ctx, true), ErrTerminated)
	assert.Equal(t, 3, h.orch.Snapshot().TabSwitches)
}

func TestHidesBeforeConnectAreNotCounted(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	require.NoError(t, h.orch.VisibilityChanged(context.Background(), true))
	assert.Zero(t, h.orch.Snapshot().TabSwitches)
}

func TestCommandRejections(t *testing.T) {
	ctx := context.Background()

	missing := newHarness(t, "", "R1")
	assert.ErrorIs(t, missing.orch.Start(ctx), ErrMissingSession)

	h := newHarness(t, "J1", "R1")
	assert.ErrorIs(t, h.orch.SubmitAnswer(ctx, "hi"), ErrNotConnected)
	assert.ErrorIs(t, h.orch.RequestVoiceCapture(ctx), ErrScreenShareRequired)

	h.connect(t)
	assert.ErrorIs(t, h.orch.Start(ctx), ErrAlreadyStarted)
	assert.ErrorIs(t, h.orch.SubmitAnswer(ctx, "   "), ErrEmptyAnswer)

	require.NoError(t, h.orch.EndInterview(ctx, None))
	s := h.waitDone(t)
	assert.Equal(t, Normal, s.TerminationReason)
	assert.Contains(t, h.conn.messages(), `{"answer":"end interview"}`)

	assert.ErrorIs(t, h.orch.Start(ctx), ErrTerminated)
	assert.ErrorIs(t, h.orch.RequestScreenShare(ctx), ErrTerminated)
	_, err := h.orch.StopVoiceCapture(ctx)
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestTimerExpiryEndsInterview(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.connect(t)

	h.timer.events <- timer.Event{Kind: timer.Tick, Remaining: 1}
	h.waitState(t, func(s State) bool { return s.RemainingSeconds == 1 })
	h.timer.events <- timer.Event{Kind: timer.Expired, Remaining: 0}

	s := h.waitDone(t)
	assert.Equal(t, Timeout, s.TerminationReason)
	assert.Zero(t, s.RemainingSeconds)
	assert.Contains(t, h.conn.messages(), `{"answer":"end interview"}`)
}

func TestConnectionLost(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.connect(t)

	h.conn.events <- protocol.Event{Kind: protocol.EventClosed, Code: 1011, Err: errors.New("server error")}
	s := h.waitDone(t)
	assert.Equal(t, ConnectionLost, s.TerminationReason)
	assert.Equal(t, "Connection lost", s.LastError)
	assert.NotContains(t, h.conn.messages(), `{"answer":"end interview"}`)
}

func TestNormalCloseEndsNormally(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.connect(t)

	h.conn.events <- protocol.Event{Kind: protocol.EventClosed, Code: 1000}
	s := h.waitDone(t)
	assert.Equal(t, Normal, s.TerminationReason)
	assert.Empty(t, s.LastError)
}

func TestDialFailureIsConnectionLost(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.conn.dialErr = errors.New("connection refused")
	require.NoError(t, h.orch.Start(context.Background()))

	s := h.waitDone(t)
	assert.Equal(t, ConnectionLost, s.TerminationReason)
	assert.Contains(t, s.LastError, "connection refused")
	assert.Zero(t, h.screens.calls())
}

func TestInvalidFrameKeepsQuestionState(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.connect(t)

	h.conn.events <- protocol.Event{Kind: protocol.EventMessage, Message: protocol.Inbound{Text: "Q1", QuestionCount: intPtr(1)}}
	h.waitState(t, func(s State) bool { return s.QuestionCount == 1 })

	h.conn.events <- protocol.Event{Kind: protocol.EventInvalid, Err: errors.New("bad json")}
	s := h.waitState(t, func(s State) bool { return s.LastError != "" })
	assert.Equal(t, "Invalid response from server", s.LastError)
	assert.Equal(t, 1, s.QuestionCount)
	assert.False(t, s.IsComplete)
}

func TestShutdownReleasesOnce(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.connect(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.orch.Close()
		}()
		go func() {
			defer wg.Done()
			h.orch.EndInterview(context.Background(), Normal)
		}()
	}
	wg.Wait()
	h.waitDone(t)
	h.orch.Close()

	assert.Equal(t, int32(1), h.voice.stops.Load())
	assert.Equal(t, int32(1), h.visual.stops.Load())
	assert.Equal(t, int32(1), h.conn.closes.Load())
	assert.Equal(t, int32(1), h.screens.last().stops.Load())
	assert.Equal(t, int32(1), h.speaker.stops.Load())
	assert.Equal(t, int32(1), h.timer.stops.Load())
	assert.True(t, h.orch.Snapshot().IsComplete)
}

func TestScreenShareDeclinedThenRequested(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.screens.err = video.ErrShareDeclined
	require.NoError(t, h.orch.Start(context.Background()))

	s := h.waitState(t, func(s State) bool { return s.LastError != "" })
	assert.False(t, s.ScreenSharing)
	assert.Zero(t, h.timer.starts.Load())
	assert.Equal(t, []string{`{"type":"screen-share","action":"declined"}`}, h.conn.messages())

	// Answers are refused while the screen is not shared.
	require.Equal(t, Connected, s.Connection)
	assert.ErrorIs(t, h.orch.SubmitAnswer(context.Background(), "I am a developer"), ErrScreenShareRequired)
	assert.Equal(t, []string{`{"type":"screen-share","action":"declined"}`}, h.conn.messages())
	assert.Empty(t, h.orch.Snapshot().Messages)

	// The backend asks again; this time the share is granted.
	h.conn.events <- protocol.Event{Kind: protocol.EventMessage, Message: protocol.Inbound{Type: protocol.TypeScreenShareRequest}}
	h.waitState(t, func(s State) bool { return s.ScreenSharing && s.TimerActive })
	assert.Equal(t, 2, h.screens.calls())
	assert.Equal(t, int32(1), h.timer.starts.Load())

	// Asked again while sharing: just confirm.
	h.conn.events <- protocol.Event{Kind: protocol.EventMessage, Message: protocol.Inbound{Type: protocol.TypeScreenShareRequest}}
	require.Eventually(t, func() bool { return len(h.conn.messages()) == 3 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, `{"type":"screen-share","action":"started"}`, h.conn.messages()[2])
	assert.Equal(t, 2, h.screens.calls())
}

func TestScreenShareEndedIsReported(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.connect(t)

	h.screens.last().end()
	h.waitState(t, func(s State) bool { return !s.ScreenSharing })
	assert.Contains(t, h.conn.messages(), `{"type":"screen-share","action":"ended"}`)
	assert.ErrorIs(t, h.orch.RequestVoiceCapture(context.Background()), ErrScreenShareRequired)
}

func TestFaceDetectionIsAdvisory(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.connect(t)

	h.visual.events <- proctor.Detection{Result: proctor.Result{FaceCount: 0}, Class: proctor.NoFace}
	s := h.waitState(t, func(s State) bool { return s.LastFace != nil })
	assert.Equal(t, proctor.NoFace.Warning(), s.FaceWarning)

	h.visual.events <- proctor.Detection{Result: proctor.Result{FaceCount: 2, HasMultipleFaces: true}, Class: proctor.MultipleFaces}
	s = h.waitState(t, func(s State) bool { return s.LastFace.FaceCount == 2 })
	assert.Equal(t, proctor.MultipleFaces.Warning(), s.FaceWarning)

	h.visual.events <- proctor.Detection{Result: proctor.Result{FaceCount: 1}, Class: proctor.OneFace}
	s = h.waitState(t, func(s State) bool { return s.LastFace.FaceCount == 1 })
	assert.Empty(t, s.FaceWarning)

	var faces []string
	for _, m := range h.conn.messages() {
		if m != `{"type":"screen-share","action":"started"}` {
			faces = append(faces, m)
		}
	}
	assert.Equal(t, []string{
		`{"type":"face-detection","face_count":2,"has_multiple_faces":true,"warning":"` + proctor.MultipleFaces.Warning() + `"}`,
	}, faces)
	assert.False(t, s.Terminated())
}

func TestVoiceCaptureFillsPendingAnswer(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.connect(t)
	ctx := context.Background()

	require.NoError(t, h.orch.RequestVoiceCapture(ctx))
	h.waitState(t, func(s State) bool { return s.VoiceActive })
	assert.Equal(t, int32(1), h.voice.starts.Load())

	h.voice.events <- voice.Event{Kind: voice.EventInterim, Activation: 1, Text: "I have"}
	h.waitState(t, func(s State) bool { return s.LiveTranscript == "I have" })
	h.voice.events <- voice.Event{Kind: voice.EventFinal, Activation: 1, Text: "I have five years"}
	s := h.waitState(t, func(s State) bool { return s.PendingAnswer == "I have five years" })
	assert.True(t, s.VoiceActive)

	h.voice.text = "I have five years"
	text, err := h.orch.StopVoiceCapture(ctx)
	require.NoError(t, err)
	assert.Equal(t, "I have five years", text)
	s = h.orch.Snapshot()
	assert.False(t, s.VoiceActive)
	assert.Equal(t, "I have five years", s.PendingAnswer)
}

func TestStopVoiceWithoutSpeech(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.connect(t)
	_, err := h.orch.StopVoiceCapture(context.Background())
	assert.ErrorIs(t, err, voice.ErrNoSpeech)
}

func TestVisualUnavailableIsNotFatal(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.visual.err = proctor.ErrUnhealthy
	require.NoError(t, h.orch.Start(context.Background()))

	s := h.waitState(t, func(s State) bool { return s.ScreenSharing && s.TimerActive })
	require.Eventually(t, func() bool { return h.visual.activations.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.False(t, s.VisualActive)
	assert.Empty(t, h.orch.Snapshot().LastError)

	// An explicit request retries activation.
	h.visual.err = nil
	require.NoError(t, h.orch.RequestScreenShare(context.Background()))
	h.waitState(t, func(s State) bool { return s.VisualActive })
	assert.Equal(t, int32(2), h.visual.activations.Load())
}

func TestSubscribeSeesChangesAndClose(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	updates, cancel := h.orch.Subscribe()
	defer cancel()

	first := <-updates
	assert.Equal(t, Disconnected, first.Connection)

	h.connect(t)
	require.NoError(t, h.orch.EndInterview(context.Background(), Normal))

	var last State
	for s := range updates {
		last = s
	}
	assert.True(t, last.IsComplete)
	assert.Equal(t, Normal, last.TerminationReason)
}

func TestExplicitSessionID(t *testing.T) {
	o := New(Options{ID: "fixed", JobID: "J1", ResumeID: "R1"})
	assert.Equal(t, "fixed", o.ID())
	assert.Equal(t, "fixed", o.Snapshot().SessionID)
	assert.Equal(t, DefaultMaxQuestions, o.Snapshot().MaxQuestions)
}

func TestStaleVoiceResultsDroppedAfterSubmit(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.connect(t)
	ctx := context.Background()

	require.NoError(t, h.orch.RequestVoiceCapture(ctx))
	h.waitState(t, func(s State) bool { return s.VoiceActive })
	require.NoError(t, h.orch.SubmitAnswer(ctx, "I have five years"))
	assert.False(t, h.orch.Snapshot().VoiceActive)

	require.NoError(t, h.orch.RequestVoiceCapture(ctx))
	h.waitState(t, func(s State) bool { return s.VoiceActive })

	// A result from the first recording arrives after the answer was sent.
	h.voice.events <- voice.Event{Kind: voice.EventFinal, Activation: 1, Text: "I have five years"}
	h.voice.events <- voice.Event{Kind: voice.EventInterim, Activation: 2, Text: "next"}
	s := h.waitState(t, func(s State) bool { return s.LiveTranscript == "next" })
	assert.Empty(t, s.PendingAnswer)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "I have five years", s.Messages[0].Text)
}

func TestVoiceStoppedBeforeStartCompletes(t *testing.T) {
	h := newHarness(t, "J1", "R1")
	h.voice.preempt = true
	h.connect(t)

	require.NoError(t, h.orch.RequestVoiceCapture(context.Background()))
	require.Eventually(t, func() bool { return h.voice.starts.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.Never(t, func() bool { return h.orch.Snapshot().VoiceActive }, 200*time.Millisecond, 5*time.Millisecond)
}
