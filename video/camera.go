// Package video captures webcam frames and the screen by shelling out to
// ffmpeg.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bosley/libinterview/proctor"
)

var ErrCameraUnavailable = errors.New("camera unavailable")

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// Camera grabs single JPEG frames from a v4l2 device.
type Camera struct {
	FFmpeg string
	Device string
	run    runFunc
}

func NewCamera(ffmpeg, device string) *Camera {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &Camera{FFmpeg: ffmpeg, Device: device, run: runCommand}
}

// Open checks the device is present and accessible. Each Capture runs its
// own short ffmpeg process, so nothing stays open between frames.
func (c *Camera) Open(ctx context.Context) (proctor.FrameSource, error) {
	f, err := os.Open(c.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	f.Close()
	slog.Debug("Camera open", "device", c.Device)
	return &cameraSource{camera: c}, nil
}

type cameraSource struct {
	camera *Camera

	mu     sync.Mutex
	closed bool
}

func (s *cameraSource) Capture(ctx context.Context) (proctor.Frame, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return proctor.Frame{}, ErrCameraUnavailable
	}

	c := s.camera
	out, err := c.run(ctx, c.FFmpeg,
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-i", c.Device,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-")
	if err != nil {
		return proctor.Frame{}, fmt.Errorf("failed to capture frame: %w", err)
	}

	// A frame that does not decode means the device is not delivering video
	// yet; report it with zero dimensions.
	frame := proctor.Frame{JPEG: out, CapturedAt: time.Now()}
	if cfg, err := jpeg.DecodeConfig(bytes.NewReader(out)); err == nil {
		frame.Width = cfg.Width
		frame.Height = cfg.Height
	}
	return frame, nil
}

func (s *cameraSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
