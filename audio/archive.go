package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/youpy/go-wav"
)

var (
	ErrQueueFull      = errors.New("recording queue full")
	ErrArchiverClosed = errors.New("archiver closed")
)

// Recording is the audio captured during one voice activation.
type Recording struct {
	Session    string
	Activation int
	Samples    []int16
	At         time.Time
}

// Archiver writes recordings to WAV files on a background worker so capture
// teardown never waits on the disk.
type Archiver struct {
	dir        string
	sampleRate int

	mu     sync.Mutex
	closed bool
	queue  chan Recording
	worker sync.WaitGroup
}

func NewArchiver(dir string, sampleRate int) *Archiver {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	a := &Archiver{
		dir:        dir,
		sampleRate: sampleRate,
		queue:      make(chan Recording, 16),
	}
	a.worker.Add(1)
	go a.run()
	return a
}

// Path is where rec will be written: <dir>/YYYYMMDD/<session>/voice_<n>_HHMMSS.wav
func (a *Archiver) Path(rec Recording) string {
	return filepath.Join(a.dir,
		rec.At.Format("20060102"),
		rec.Session,
		fmt.Sprintf("voice_%d_%s.wav", rec.Activation, rec.At.Format("150405")))
}

// Save queues rec without blocking. Empty recordings are ignored.
func (a *Archiver) Save(rec Recording) error {
	if len(rec.Samples) == 0 {
		return nil
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrArchiverClosed
	}
	select {
	case a.queue <- rec:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close drains pending recordings and stops the worker.
func (a *Archiver) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.worker.Wait()
}

func (a *Archiver) run() {
	slog.Debug("Archive worker starting")
	defer func() {
		slog.Debug("Archive worker shutting down")
		a.worker.Done()
	}()

	for rec := range a.queue {
		path, err := a.write(rec)
		if err != nil {
			slog.Error("Failed to archive recording",
				"error", err,
				"session", rec.Session,
				"activation", rec.Activation)
			continue
		}
		slog.Info("Recording archived",
			"file", path,
			"samples", len(rec.Samples),
			"durationSeconds", float64(len(rec.Samples))/float64(a.sampleRate))
	}
}

func (a *Archiver) write(rec Recording) (string, error) {
	path := a.Path(rec)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create recording directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create recording file: %w", err)
	}
	defer file.Close()

	samples := make([]wav.Sample, len(rec.Samples))
	for i, s := range rec.Samples {
		samples[i].Values[0] = int(s)
	}

	w := wav.NewWriter(file, uint32(len(samples)), channels, uint32(a.sampleRate), bitsPerSample)
	if err := w.WriteSamples(samples); err != nil {
		return "", fmt.Errorf("failed to write samples: %w", err)
	}
	return path, nil
}
