// Package voice turns microphone audio into a live transcript for the
// candidate's spoken answers.
package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bosley/libinterview/audio"
	"github.com/bosley/libinterview/stt"
)

var ErrNoSpeech = errors.New("no speech detected")

var errStreamEnded = errors.New("transcription stream ended")

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Capture interface {
	Read(ctx context.Context) ([]int16, error)
	// Dropped counts chunks lost because the reader fell behind.
	Dropped() int64
	Close() error
}

type Microphone interface {
	Open(ctx context.Context) (Capture, error)
}

type Stream interface {
	Send(pcm []byte) error
	Finish() error
	Results() <-chan stt.Result
	Close() error
}

type Transcriber interface {
	Open(ctx context.Context, token string) (Stream, error)
}

// Archive receives the raw audio of each finished activation.
type Archive interface {
	Save(rec audio.Recording) error
}

type State int

const (
	Idle State = iota
	RequestingToken
	Recording
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestingToken:
		return "requesting-token"
	case Recording:
		return "recording"
	}
	return "unknown"
}

type EventKind int

const (
	EventStarted EventKind = iota
	EventInterim
	EventFinal
	EventEnded
	EventFailed
)

// Event reports engine progress. Text carries the live preview for interim
// events and the finalized transcript for final ones.
type Event struct {
	Kind       EventKind
	Activation int
	Text       string
	Err        error
}

type Options struct {
	Tokens      TokenSource
	Microphone  Microphone
	Transcriber Transcriber
	// Optional.
	Archive Archive
	Session string
}

// Engine runs at most one activation at a time:
// Idle -> RequestingToken -> Recording -> Idle.
type Engine struct {
	opts   Options
	buf    TranscriptBuffer
	events chan Event

	mu      sync.Mutex
	state   State
	act     *activation
	seq     int
	// Activations up to and including retired were stopped by a caller.
	retired int
}

type activation struct {
	id     int
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	capture Capture
	stream  Stream

	mu      sync.Mutex
	samples []int16

	releaseOnce sync.Once
}

func NewEngine(opts Options) *Engine {
	return &Engine{
		opts:   opts,
		events: make(chan Event, 64),
	}
}

func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Active() bool {
	return e.State() != Idle
}

// Retired is the newest activation ended by Stop or by a restart. Events
// carrying an activation at or below it are stale.
func (e *Engine) Retired() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retired
}

// Start tears down any previous activation, then fetches a fresh token and
// opens the microphone and the transcription stream. A failure at any step
// leaves the engine idle with nothing held.
func (e *Engine) Start(ctx context.Context) error {
	e.teardown()

	actCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.seq++
	act := &activation{id: e.seq, parent: ctx, ctx: actCtx, cancel: cancel}
	e.act = act
	e.state = RequestingToken
	e.mu.Unlock()

	fail := func(err error) error {
		e.mu.Lock()
		if e.act == act {
			e.act = nil
			e.state = Idle
		}
		e.mu.Unlock()
		e.release(act)
		if !errors.Is(err, context.Canceled) {
			e.emit(ctx, Event{Kind: EventFailed, Activation: act.id, Err: err})
		}
		return err
	}

	token, err := e.opts.Tokens.Token(actCtx)
	if err != nil {
		return fail(err)
	}
	if err := actCtx.Err(); err != nil {
		return fail(err)
	}

	capture, err := e.opts.Microphone.Open(actCtx)
	if err != nil {
		return fail(fmt.Errorf("could not access microphone: %w", err))
	}
	if !e.attach(act, func() { act.capture = capture }) {
		capture.Close()
		return fail(context.Canceled)
	}

	stream, err := e.opts.Transcriber.Open(actCtx, token)
	if err != nil {
		return fail(err)
	}
	if !e.attach(act, func() { act.stream = stream; e.state = Recording }) {
		stream.Close()
		return fail(context.Canceled)
	}

	slog.Info("Voice capture started", "activation", act.id)
	e.emit(ctx, Event{Kind: EventStarted, Activation: act.id})
	go e.run(act)
	return nil
}

// attach records a freshly acquired resource on act while it is still the
// current activation. Otherwise the caller owns the resource.
func (e *Engine) attach(act *activation, set func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.act != act {
		return false
	}
	set()
	return true
}

func (e *Engine) run(act *activation) {
	g, gctx := errgroup.WithContext(act.ctx)

	g.Go(func() error {
		for {
			chunk, err := act.capture.Read(gctx)
			if err != nil {
				if errors.Is(err, io.EOF) || gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read microphone: %w", err)
			}
			act.mu.Lock()
			act.samples = append(act.samples, chunk...)
			act.mu.Unlock()

			if err := act.stream.Send(audio.PCM16LE(chunk)); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	})

	g.Go(func() error {
		results := act.stream.Results()
		for {
			select {
			case <-gctx.Done():
				return nil
			case r, ok := <-results:
				if !ok {
					return errStreamEnded
				}
				e.handleResult(act, r)
			}
		}
	})

	err := g.Wait()

	e.mu.Lock()
	current := e.act == act
	if current {
		e.act = nil
		e.state = Idle
	}
	e.mu.Unlock()
	if !current {
		return
	}

	e.release(act)
	if err != nil && !errors.Is(err, errStreamEnded) {
		slog.Warn("Voice capture failed", "activation", act.id, "error", err)
		e.emit(act.parent, Event{Kind: EventFailed, Activation: act.id, Err: err})
		return
	}
	slog.Info("Voice capture ended", "activation", act.id)
	e.emit(act.parent, Event{Kind: EventEnded, Activation: act.id, Text: e.buf.Text()})
}

func (e *Engine) handleResult(act *activation, r stt.Result) {
	e.mu.Lock()
	current := e.act == act
	e.mu.Unlock()
	if !current {
		return
	}

	if r.Final {
		e.buf.AddFinal(r.Text)
		e.emit(act.ctx, Event{Kind: EventFinal, Activation: act.id, Text: e.buf.Text()})
		return
	}
	e.buf.SetInterim(r.Text)
	e.emit(act.ctx, Event{Kind: EventInterim, Activation: act.id, Text: e.buf.Preview()})
}

// Stop ends the current activation, if any, and returns the transcript. It
// always releases everything; ErrNoSpeech only reports an empty transcript.
func (e *Engine) Stop() (string, error) {
	e.mu.Lock()
	act := e.act
	e.act = nil
	e.state = Idle
	e.retired = e.seq
	e.mu.Unlock()

	if act != nil {
		e.release(act)
		slog.Info("Voice capture stopped", "activation", act.id)
	}

	text := strings.TrimSpace(e.buf.Preview())
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}

// Reset clears the transcript, e.g. after the answer was sent.
func (e *Engine) Reset() {
	e.buf.Clear()
}

func (e *Engine) Transcript() string {
	return e.buf.Preview()
}

func (e *Engine) teardown() {
	e.mu.Lock()
	act := e.act
	e.act = nil
	e.state = Idle
	e.retired = e.seq
	e.mu.Unlock()

	if act != nil {
		slog.Debug("Tearing down previous voice activation", "activation", act.id)
		e.release(act)
	}
	e.buf.Clear()
}

// release frees everything the activation acquired. Errors are logged only.
func (e *Engine) release(act *activation) {
	act.releaseOnce.Do(func() {
		act.cancel()
		if act.stream != nil {
			if err := act.stream.Finish(); err != nil {
				slog.Debug("Transcription finish failed", "error", err)
			}
			if err := act.stream.Close(); err != nil {
				slog.Debug("Transcription close failed", "error", err)
			}
		}
		if act.capture != nil {
			if n := act.capture.Dropped(); n > 0 {
				slog.Warn("Microphone chunks dropped", "activation", act.id, "chunksDropped", n)
			}
			if err := act.capture.Close(); err != nil {
				slog.Debug("Microphone close failed", "error", err)
			}
		}

		if e.opts.Archive == nil {
			return
		}
		act.mu.Lock()
		samples := act.samples
		act.samples = nil
		act.mu.Unlock()
		if len(samples) == 0 {
			return
		}
		rec := audio.Recording{Session: e.opts.Session, Activation: act.id, Samples: samples, At: time.Now()}
		if err := e.opts.Archive.Save(rec); err != nil {
			slog.Warn("Recording not archived", "activation", act.id, "error", err)
		}
	})
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

type portAudioMicrophone struct {
	mic *audio.Microphone
}

// PortAudio adapts an audio.Microphone to the engine.
func PortAudio(mic *audio.Microphone) Microphone {
	return portAudioMicrophone{mic: mic}
}

func (m portAudioMicrophone) Open(ctx context.Context) (Capture, error) {
	c, err := m.mic.Open(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type deepgramTranscriber struct {
	dg *stt.Deepgram
}

// Deepgram adapts an stt.Deepgram client to the engine.
func Deepgram(dg *stt.Deepgram) Transcriber {
	return deepgramTranscriber{dg: dg}
}

func (t deepgramTranscriber) Open(ctx context.Context, token string) (Stream, error) {
	s, err := t.dg.Open(ctx, token)
	if err != nil {
		return nil, err
	}
	return s, nil
}
