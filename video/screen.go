package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const defaultGrace = time.Second

var ErrShareDeclined = errors.New("screen share declined")

// Share is an established screen capture.
type Share interface {
	// Ended is closed when the capture stops for any reason.
	Ended() <-chan struct{}
	// Stop releases the capture. Safe to call repeatedly.
	Stop()
}

type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Screen records the X11 display with a long-running ffmpeg process. A
// process that exits inside the grace period counts as a declined request;
// a later exit means the user or the system ended the share.
type Screen struct {
	FFmpeg  string
	Display string
	Grace   time.Duration
	command commandFunc
}

func NewScreen(ffmpeg, display string) *Screen {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if display == "" {
		display = ":0"
	}
	return &Screen{FFmpeg: ffmpeg, Display: display, Grace: defaultGrace, command: exec.CommandContext}
}

func (s *Screen) Share(ctx context.Context) (Share, error) {
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := s.command(procCtx, s.FFmpeg,
		"-hide_banner", "-loglevel", "error",
		"-f", "x11grab",
		"-framerate", "5",
		"-i", s.Display,
		"-f", "null",
		"-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrShareDeclined, err)
	}

	sh := &screenShare{cancel: cancel, ended: make(chan struct{})}
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Debug("Screen capture exited", "error", err)
		}
		close(sh.ended)
	}()

	select {
	case <-sh.ended:
		cancel()
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "capture exited"
		}
		return nil, fmt.Errorf("%w: %s", ErrShareDeclined, msg)
	case <-ctx.Done():
		sh.Stop()
		return nil, ctx.Err()
	case <-time.After(s.Grace):
	}

	slog.Info("Screen share started", "display", s.Display)
	return sh, nil
}

type screenShare struct {
	cancel   context.CancelFunc
	ended    chan struct{}
	stopOnce sync.Once
}

func (s *screenShare) Ended() <-chan struct{} {
	return s.ended
}

func (s *screenShare) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		slog.Debug("Screen share stopped")
	})
}
