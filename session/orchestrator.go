// Package session coordinates one proctored interview: it owns the session
// state and folds commands, backend messages and proctoring signals into it
// from a single goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bosley/libinterview/proctor"
	"github.com/bosley/libinterview/protocol"
	"github.com/bosley/libinterview/timer"
	"github.com/bosley/libinterview/video"
	"github.com/bosley/libinterview/voice"
)

var (
	ErrTerminated          = errors.New("interview has ended")
	ErrNotConnected        = errors.New("not connected to the interview")
	ErrEmptyAnswer         = errors.New("answer is empty")
	ErrScreenShareRequired = errors.New("screen sharing is required")
	ErrAwaitingReply       = errors.New("waiting for the interviewer to reply")
	ErrMissingSession      = errors.New("job and resume IDs are required")
	ErrAlreadyStarted      = errors.New("interview already started")
)

// Conn is the session protocol connection.
type Conn interface {
	Connect(ctx context.Context, jobID, resumeID string) (<-chan protocol.Event, error)
	Send(msg protocol.Outbound) error
	Close() error
}

type Voice interface {
	Start(ctx context.Context) error
	Stop() (string, error)
	Reset()
	Active() bool
	Retired() int
	Events() <-chan voice.Event
}

type Visual interface {
	Activate(ctx context.Context) error
	Stop()
	Events() <-chan proctor.Detection
}

type Screens interface {
	Share(ctx context.Context) (video.Share, error)
}

type Speaker interface {
	Say(text string)
	Stop()
}

type Countdown interface {
	Start()
	Stop()
	Events() <-chan timer.Event
}

type Options struct {
	// ID names the session. Empty generates one.
	ID       string
	JobID    string
	ResumeID string

	Conn    Conn
	Voice   Voice
	Visual  Visual
	Screens Screens
	Timer   Countdown
	// Optional.
	Speaker Speaker

	TabSwitchLimit int
	MaxQuestions   int
	// Duration only seeds RemainingSeconds before the first tick.
	Duration time.Duration
}

type command struct {
	fn    func() error
	reply chan error
}

// Orchestrator runs one interview session. Commands may be called from any
// goroutine; they are executed in order by Run.
type Orchestrator struct {
	opts Options
	id   string
	log  *slog.Logger

	cmds     chan command
	internal chan func()

	// Owned by the Run goroutine.
	state        State
	runCtx       context.Context
	protoEvents  <-chan protocol.Event
	visibility   *proctor.Visibility
	signals      Signals
	autoShared   bool
	sharePending bool
	visualBusy   bool
	voiceBusy    bool
	timerStarted bool

	shareMu  sync.Mutex
	share    video.Share
	released bool

	snapshot atomic.Pointer[State]

	subsMu  sync.Mutex
	subs    map[int]chan State
	nextSub int

	shutdownOnce sync.Once
	quit         chan struct{}
	quitOnce     sync.Once
	done         chan struct{}
}

func New(opts Options) *Orchestrator {
	if opts.TabSwitchLimit <= 0 {
		opts.TabSwitchLimit = proctor.DefaultTabSwitchLimit
	}
	if opts.MaxQuestions <= 0 {
		opts.MaxQuestions = DefaultMaxQuestions
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	o := &Orchestrator{
		opts:       opts,
		id:         id,
		log:        slog.Default().With("session", id),
		cmds:       make(chan command),
		internal:   make(chan func(), 16),
		visibility: proctor.NewVisibility(opts.TabSwitchLimit),
		subs:       make(map[int]chan State),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	o.signals.ViolationLimit = opts.TabSwitchLimit
	o.state = State{
		SessionID:        id,
		JobID:            opts.JobID,
		ResumeID:         opts.ResumeID,
		MaxQuestions:     opts.MaxQuestions,
		RemainingSeconds: int(opts.Duration / time.Second),
	}
	o.publish()
	return o
}

// ID identifies this session in logs and recordings.
func (o *Orchestrator) ID() string {
	return o.id
}

// Done is closed once the session has ended and everything is released.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() State {
	return o.snapshot.Load().clone()
}

// Subscribe delivers a snapshot after every change. Slow readers only see the
// latest one. The channel is closed when the session ends.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	ch <- o.Snapshot()

	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	if o.subs == nil {
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch

	return ch, func() {
		o.subsMu.Lock()
		defer o.subsMu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
}

func (o *Orchestrator) publish() {
	s := o.state.clone()
	o.snapshot.Store(&s)

	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.clone()
	}
}

func (o *Orchestrator) closeSubscribers() {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs {
		close(ch)
	}
	o.subs = nil
}

// Run owns the session state until the session ends or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.runCtx = ctx
	o.log.Info("Session ready", "jobID", o.opts.JobID, "resumeID", o.opts.ResumeID)

	for {
		// A command's reply is sent only after its effects are published.
		var (
			reply  chan error
			cmdErr error
		)
		select {
		case <-ctx.Done():
			o.finish(None)
			return ctx.Err()
		case <-o.quit:
			o.finish(None)
			return nil
		case cmd := <-o.cmds:
			reply, cmdErr = cmd.reply, cmd.fn()
		case fn := <-o.internal:
			fn()
		case ev, ok := <-o.protoEvents:
			if !ok {
				o.protoEvents = nil
				continue
			}
			o.handleProtocol(ev)
		case ev := <-o.opts.Voice.Events():
			o.handleVoice(ev)
		case det := <-o.opts.Visual.Events():
			o.handleDetection(det)
		case ev := <-o.opts.Timer.Events():
			o.handleTimer(ev)
		case <-o.shareEnded():
			o.handleShareEnded()
		}

		if reason := Decide(o.signals); reason != None {
			o.finish(reason)
			if reply != nil {
				reply <- cmdErr
			}
			return nil
		}
		o.publish()
		if reply != nil {
			reply <- cmdErr
		}
	}
}

// do runs fn on the Run goroutine and waits for its result.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case o.cmds <- command{fn: fn, reply: reply}:
	case <-o.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands the result of background I/O back to the Run goroutine. It
// reports false when the session is already over.
func (o *Orchestrator) post(fn func()) bool {
	select {
	case o.internal <- fn:
		return true
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) send(msg protocol.Outbound) {
	if o.state.Connection != Connected {
		o.log.Debug("Dropping message, not connected", "message", fmt.Sprintf("%T", msg))
		return
	}
	if err := o.opts.Conn.Send(msg); err != nil {
		o.log.Debug("Message not sent", "error", err)
	}
}

// Start connects to the interview backend.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.do(ctx, func() error {
		switch {
		case o.state.Terminated():
			return ErrTerminated
		case o.state.JobID == "" || o.state.ResumeID == "":
			return ErrMissingSession
		case o.state.Started:
			return ErrAlreadyStarted
		}

		o.state.Started = true
		o.state.Connection = Connecting
		o.log.Info("Connecting to interview")

		go func() {
			events, err := o.opts.Conn.Connect(o.runCtx, o.opts.JobID, o.opts.ResumeID)
			if !o.post(func() { o.connected(events, err) }) && err == nil {
				o.opts.Conn.Close()
			}
		}()
		return nil
	})
}

func (o *Orchestrator) connected(events <-chan protocol.Event, err error) {
	if err != nil {
		o.log.Error("Failed to connect", "error", err)
		o.state.Connection = Disconnected
		o.state.LastError = "Connection error: " + err.Error()
		o.signals.ConnectionLost = true
		return
	}

	o.protoEvents = events
	o.state.Connection = Connected
	o.state.LastError = ""
	o.visibility.SetActive(true)
	o.log.Info("Connected to interview")

	if o.state.ScreenSharing {
		o.send(protocol.NewScreenShare(protocol.ScreenShareStarted))
		o.startTimer()
		return
	}
	if !o.autoShared {
		o.autoShared = true
		o.requestShare()
	}
}

func (o *Orchestrator) startTimer() {
	if o.timerStarted || o.state.Connection != Connected || !o.state.ScreenSharing {
		return
	}
	o.timerStarted = true
	o.state.TimerActive = true
	o.opts.Timer.Start()
	o.log.Info("Interview timer started", "seconds", o.state.RemainingSeconds)
}

// SubmitAnswer sends the candidate's answer.
func (o *Orchestrator) SubmitAnswer(ctx context.Context, text string) error {
	return o.do(ctx, func() error {
		text = strings.TrimSpace(text)
		switch {
		case o.state.Terminated():
			return ErrTerminated
		case o.state.Connection != Connected:
			return ErrNotConnected
		case text == "":
			return ErrEmptyAnswer
		case !o.state.ScreenSharing:
			return ErrScreenShareRequired
		case o.state.AwaitingReply:
			return ErrAwaitingReply
		}

		if err := o.opts.Conn.Send(protocol.NewAnswer(text)); err != nil {
			o.state.LastError = "Failed to send answer"
			return fmt.Errorf("send answer: %w", err)
		}
		answersTotal.Inc()

		// Stopping retires the activation so its queued results are dropped.
		o.opts.Voice.Stop()
		o.state.VoiceActive = false
		o.opts.Voice.Reset()
		applyAnswer(&o.state, text, time.Now())
		return nil
	})
}

// RequestVoiceCapture starts recording a spoken answer. A capture already in
// progress is restarted.
func (o *Orchestrator) RequestVoiceCapture(ctx context.Context) error {
	return o.do(ctx, func() error {
		switch {
		case o.state.Terminated():
			return ErrTerminated
		case !o.state.ScreenSharing:
			return ErrScreenShareRequired
		case o.state.Connection != Connected:
			return ErrNotConnected
		case o.voiceBusy:
			return nil
		}

		o.voiceBusy = true
		o.state.LiveTranscript = ""
		go func() {
			err := o.opts.Voice.Start(o.runCtx)
			if !o.post(func() { o.voiceStarted(err) }) && err == nil {
				o.opts.Voice.Stop()
			}
		}()
		return nil
	})
}

func (o *Orchestrator) voiceStarted(err error) {
	o.voiceBusy = false
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		voiceActivationsTotal.WithLabelValues("failed").Inc()
		o.state.VoiceActive = false
		o.state.LastError = "Voice capture failed: " + err.Error()
		o.log.Warn("Voice capture not started", "error", err)
		return
	}
	voiceActivationsTotal.WithLabelValues("started").Inc()
	// A stop may have landed between the engine starting and this callback.
	o.state.VoiceActive = o.opts.Voice.Active()
	o.state.LastError = ""
}

// StopVoiceCapture ends recording and returns the transcript, which also
// becomes the pending answer.
func (o *Orchestrator) StopVoiceCapture(ctx context.Context) (string, error) {
	var text string
	err := o.do(ctx, func() error {
		if o.state.Terminated() {
			return ErrTerminated
		}
		var err error
		text, err = o.opts.Voice.Stop()
		o.state.VoiceActive = false
		o.state.LiveTranscript = ""
		if err != nil {
			return err
		}
		o.state.PendingAnswer = text
		return nil
	})
	return text, err
}

// RequestScreenShare asks for screen capture, or retries visual proctoring
// when sharing is already established.
func (o *Orchestrator) RequestScreenShare(ctx context.Context) error {
	return o.do(ctx, func() error {
		if o.state.Terminated() {
			return ErrTerminated
		}
		o.requestShare()
		return nil
	})
}

func (o *Orchestrator) requestShare() {
	if o.state.ScreenSharing {
		o.activateVisual()
		return
	}
	if o.sharePending {
		return
	}
	o.sharePending = true

	go func() {
		sh, err := o.opts.Screens.Share(o.runCtx)
		if err == nil && !o.adoptShare(sh) {
			return
		}
		o.post(func() { o.shareGranted(sh, err) })
	}()
}

// adoptShare takes ownership of a new capture unless the session was already
// released, in which case the capture is stopped.
func (o *Orchestrator) adoptShare(sh video.Share) bool {
	o.shareMu.Lock()
	defer o.shareMu.Unlock()
	if o.released {
		sh.Stop()
		return false
	}
	o.share = sh
	return true
}

func (o *Orchestrator) shareGranted(sh video.Share, err error) {
	o.sharePending = false
	if err != nil {
		o.log.Warn("Screen share not granted", "error", err)
		o.state.LastError = "Screen sharing is required for this interview"
		o.send(protocol.NewScreenShare(protocol.ScreenShareDeclined))
		return
	}

	o.shareMu.Lock()
	current := o.share == sh
	o.shareMu.Unlock()
	if !current {
		return
	}

	o.state.ScreenSharing = true
	o.state.LastError = ""
	o.send(protocol.NewScreenShare(protocol.ScreenShareStarted))

	o.activateVisual()
	o.startTimer()
}

func (o *Orchestrator) shareEnded() <-chan struct{} {
	o.shareMu.Lock()
	defer o.shareMu.Unlock()
	if o.share == nil {
		return nil
	}
	return o.share.Ended()
}

func (o *Orchestrator) handleShareEnded() {
	o.shareMu.Lock()
	sh := o.share
	o.share = nil
	o.shareMu.Unlock()
	if sh != nil {
		sh.Stop()
	}

	o.log.Info("Screen share ended")
	o.state.ScreenSharing = false
	o.send(protocol.NewScreenShare(protocol.ScreenShareEnded))
}

func (o *Orchestrator) activateVisual() {
	if o.visualBusy || o.state.VisualActive {
		return
	}
	o.visualBusy = true

	go func() {
		err := o.opts.Visual.Activate(o.runCtx)
		if !o.post(func() { o.visualActivated(err) }) && err == nil {
			o.opts.Visual.Stop()
		}
	}()
}

func (o *Orchestrator) visualActivated(err error) {
	o.visualBusy = false
	if err == nil {
		o.state.VisualActive = true
		return
	}
	o.state.VisualActive = false
	if errors.Is(err, proctor.ErrUnhealthy) {
		// Proctoring is skipped, not fatal.
		return
	}
	if !errors.Is(err, context.Canceled) {
		o.state.LastError = err.Error()
	}
}

// VisibilityChanged reports the interview view becoming hidden or visible.
func (o *Orchestrator) VisibilityChanged(ctx context.Context, hidden bool) error {
	return o.do(ctx, func() error {
		if o.state.Terminated() {
			return ErrTerminated
		}
		if !hidden {
			return nil
		}
		strike, ok := o.visibility.Hidden()
		if !ok {
			return nil
		}

		tabSwitchesTotal.Inc()
		o.state.TabSwitches = strike.Count
		o.state.ProctorWarning = strike.Warning
		o.send(protocol.NewTabSwitch(strike.Count))
		o.log.Warn("Tab switch", "count", strike.Count)

		o.signals.Violations = strike.Count
		return nil
	})
}

// EndInterview ends the session with reason; None means Normal.
func (o *Orchestrator) EndInterview(ctx context.Context, reason Reason) error {
	if reason == None {
		reason = Normal
	}
	return o.do(ctx, func() error {
		if o.state.Terminated() {
			return ErrTerminated
		}
		o.signals.Requested = reason
		return nil
	})
}

func (o *Orchestrator) handleProtocol(ev protocol.Event) {
	switch ev.Kind {
	case protocol.EventMessage:
		eff := applyInbound(&o.state, ev.Message, time.Now())
		if ev.Message.Error != "" {
			o.log.Warn("Interview backend error", "error", ev.Message.Error)
		}
		if eff.speak != "" && o.opts.Speaker != nil {
			o.opts.Speaker.Say(eff.speak)
		}
		if eff.shareWanted {
			if o.state.ScreenSharing {
				o.send(protocol.NewScreenShare(protocol.ScreenShareStarted))
			} else {
				o.requestShare()
			}
		}
		if eff.complete {
			o.log.Info("Interview complete", "questions", o.state.QuestionCount)
			o.signals.ProtocolComplete = true
		}

	case protocol.EventInvalid:
		o.log.Warn("Undecodable message from interview backend", "error", ev.Err)
		o.state.LastError = "Invalid response from server"

	case protocol.EventClosed:
		o.state.Connection = Disconnected
		if ev.Err == nil {
			o.log.Info("Interview connection closed", "code", ev.Code)
			o.signals.ClosedNormally = true
			return
		}
		o.log.Error("Interview connection lost", "code", ev.Code, "error", ev.Err)
		o.state.LastError = "Connection lost"
		o.signals.ConnectionLost = true
	}
}

func (o *Orchestrator) handleVoice(ev voice.Event) {
	if ev.Activation <= o.opts.Voice.Retired() {
		o.log.Debug("Dropping stale voice event", "activation", ev.Activation, "kind", ev.Kind)
		return
	}
	switch ev.Kind {
	case voice.EventStarted:
		o.state.VoiceActive = true
	case voice.EventInterim:
		o.state.LiveTranscript = ev.Text
	case voice.EventFinal:
		o.state.LiveTranscript = ev.Text
		o.state.PendingAnswer = ev.Text
	case voice.EventEnded:
		o.state.VoiceActive = false
	case voice.EventFailed:
		o.state.VoiceActive = false
		if ev.Err != nil {
			o.state.LastError = "Voice capture failed: " + ev.Err.Error()
		}
	}
}

func (o *Orchestrator) handleDetection(det proctor.Detection) {
	detectionsTotal.WithLabelValues(det.Class.String()).Inc()
	if applyDetection(&o.state, det) {
		o.send(protocol.NewFaceDetection(det.Result.FaceCount, true, det.Class.Warning()))
	}
}

func (o *Orchestrator) handleTimer(ev timer.Event) {
	o.state.RemainingSeconds = ev.Remaining
	if ev.Kind == timer.Expired {
		o.log.Info("Interview time is up")
		o.state.TimerActive = false
		o.signals.TimerExpired = true
	}
}

// finish records the outcome, releases everything and ends the session.
// reason None is a plain shutdown that records no termination reason.
func (o *Orchestrator) finish(reason Reason) {
	if reason != None {
		if o.state.ScreenSharing {
			o.send(protocol.NewScreenShare(protocol.ScreenShareEnded))
		}
		// Once recorded, "end interview" is the only message allowed out.
		o.signals.Recorded = reason
		if o.signals.Requested != None || reason == Timeout || reason == ProctorViolation {
			o.send(protocol.EndInterview())
		}
		terminationsTotal.WithLabelValues(reason.String()).Inc()
		o.log.Info("Interview ended", "reason", reason.String())
	}

	o.visibility.SetActive(false)
	o.shutdown()
	applyTermination(&o.state, reason)
	o.publish()

	o.closeSubscribers()
	o.quitOnce.Do(func() { close(o.quit) })
	close(o.done)
}

// Close ends the session without a termination reason. Safe to call
// repeatedly and from any goroutine.
func (o *Orchestrator) Close() {
	o.shutdown()
	o.quitOnce.Do(func() { close(o.quit) })
}

// shutdown releases every subcomponent exactly once, in dependency order.
func (o *Orchestrator) shutdown() {
	o.shutdownOnce.Do(func() {
		o.log.Debug("Releasing session resources")
		if _, err := o.opts.Voice.Stop(); err != nil && !errors.Is(err, voice.ErrNoSpeech) {
			o.log.Debug("Voice stop", "error", err)
		}
		o.opts.Visual.Stop()
		if err := o.opts.Conn.Close(); err != nil {
			o.log.Debug("Connection close", "error", err)
		}

		o.shareMu.Lock()
		o.released = true
		if o.share != nil {
			o.share.Stop()
			o.share = nil
		}
		o.shareMu.Unlock()
		if o.opts.Speaker != nil {
			o.opts.Speaker.Stop()
		}
		o.opts.Timer.Stop()
	})
}
