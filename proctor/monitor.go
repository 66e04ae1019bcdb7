package proctor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultPollInterval  = 2 * time.Second
	defaultReadyAttempts = 10
	defaultReadyDelay    = time.Second
)

var ErrVideoNotReady = errors.New("video not ready")

// Camera opens a frame source. Permission problems surface from Open.
type Camera interface {
	Open(ctx context.Context) (FrameSource, error)
}

// FrameSource yields encoded frames until closed.
type FrameSource interface {
	Capture(ctx context.Context) (Frame, error)
	Close() error
}

// Detector is the face-detection service.
type Detector interface {
	Health(ctx context.Context) error
	Detect(ctx context.Context, frame Frame) (Result, error)
}

type Classification int

const (
	NoFace Classification = iota
	OneFace
	MultipleFaces
)

func (c Classification) String() string {
	switch c {
	case NoFace:
		return "none"
	case OneFace:
		return "one"
	case MultipleFaces:
		return "multiple"
	}
	return "unknown"
}

// Warning is the advisory text for a classification; one face has none.
func (c Classification) Warning() string {
	switch c {
	case NoFace:
		return "No face detected. Please stay in view of the camera."
	case MultipleFaces:
		return "Multiple faces detected. Only the candidate may be present."
	}
	return ""
}

func Classify(r Result) Classification {
	switch {
	case r.FaceCount <= 0:
		return NoFace
	case r.FaceCount > 1 || r.HasMultipleFaces:
		return MultipleFaces
	default:
		return OneFace
	}
}

// Detection is emitted once per successful poll.
type Detection struct {
	Result Result
	Class  Classification
	Frames int64
}

type MonitorConfig struct {
	Interval      time.Duration
	ReadyAttempts int
	ReadyDelay    time.Duration
}

// Monitor periodically submits camera frames for face detection. A failed
// poll is logged and skipped; only Stop ends polling.
type Monitor struct {
	camera   Camera
	detector Detector
	cfg      MonitorConfig

	mu         sync.Mutex
	activating bool
	active     bool
	cancel     context.CancelFunc
	src        FrameSource
	last       *Result

	frames   atomic.Int64
	failures atomic.Int64
	events   chan Detection
}

func NewMonitor(camera Camera, detector Detector, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.ReadyAttempts <= 0 {
		cfg.ReadyAttempts = defaultReadyAttempts
	}
	if cfg.ReadyDelay <= 0 {
		cfg.ReadyDelay = defaultReadyDelay
	}
	return &Monitor{
		camera:   camera,
		detector: detector,
		cfg:      cfg,
		events:   make(chan Detection, 8),
	}
}

func (m *Monitor) Events() <-chan Detection {
	return m.events
}

// Activate probes the service, opens the camera, waits for a decodable frame
// and starts polling. It is a no-op while already active or activating. A
// failed probe skips activation; the caller may try again later.
func (m *Monitor) Activate(ctx context.Context) error {
	m.mu.Lock()
	if m.active || m.activating {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	m.activating = true
	m.cancel = cancel
	m.mu.Unlock()

	src, err := m.open(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.activating = false
	if err == nil && ctx.Err() != nil {
		// Stopped while we were opening.
		err = ctx.Err()
		src.Close()
	}
	if err != nil {
		cancel()
		m.cancel = nil
		return err
	}

	m.active = true
	m.src = src
	go m.poll(ctx, src)
	slog.Info("Visual proctoring active", "interval", m.cfg.Interval)
	return nil
}

func (m *Monitor) open(ctx context.Context) (FrameSource, error) {
	if err := m.detector.Health(ctx); err != nil {
		slog.Warn("Skipping visual proctoring, detection service unavailable", "error", err)
		return nil, err
	}

	src, err := m.camera.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not access webcam: %w", err)
	}

	if err := m.waitReady(ctx, src); err != nil {
		src.Close()
		return nil, err
	}
	return src, nil
}

// waitReady captures frames until one has real dimensions, giving up after
// the configured number of attempts.
func (m *Monitor) waitReady(ctx context.Context, src FrameSource) error {
	for attempt := 1; attempt <= m.cfg.ReadyAttempts; attempt++ {
		frame, err := src.Capture(ctx)
		if err == nil && frame.Width > 0 && frame.Height > 0 {
			return nil
		}
		slog.Debug("Video not ready", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.ReadyDelay):
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrVideoNotReady, m.cfg.ReadyAttempts)
}

func (m *Monitor) poll(ctx context.Context, src FrameSource) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		det, err := m.pollOnce(ctx, src)
		if err != nil {
			if ctx.Err() == nil {
				m.failures.Add(1)
				pollFailuresTotal.Inc()
				slog.Debug("Face detection poll skipped", "error", err)
			}
			continue
		}

		select {
		case m.events <- det:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context, src FrameSource) (Detection, error) {
	frame, err := src.Capture(ctx)
	if err != nil {
		return Detection{}, fmt.Errorf("capture frame: %w", err)
	}
	frames := m.frames.Add(1)
	framesTotal.Inc()

	result, err := m.detector.Detect(ctx, frame)
	if err != nil {
		return Detection{}, err
	}

	m.mu.Lock()
	if ctx.Err() == nil {
		m.last = &result
	}
	m.mu.Unlock()

	return Detection{Result: result, Class: Classify(result), Frames: frames}, nil
}

// Stop cancels polling, releases the camera and forgets the last result.
// Safe to call repeatedly and before any activation.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.src != nil {
		if err := m.src.Close(); err != nil {
			slog.Debug("Camera close failed", "error", err)
		}
		m.src = nil
	}
	m.active = false
	m.last = nil
}

func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Last returns the most recent detection result, if any.
func (m *Monitor) Last() (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Result{}, false
	}
	return *m.last, true
}

// Frames is the number of frames captured for detection so far.
func (m *Monitor) Frames() int64 {
	return m.frames.Load()
}

// Failures is the number of polls skipped because of an error.
func (m *Monitor) Failures() int64 {
	return m.failures.Load()
}
