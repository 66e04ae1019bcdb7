package video

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

func fakeDevice(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "video0")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	return path
}

func TestCameraCaptureDecodesDimensions(t *testing.T) {
	device := fakeDevice(t)
	frame := testJPEG(t, 64, 48)

	var args []string
	cam := NewCamera("", device)
	cam.run = func(ctx context.Context, name string, a ...string) ([]byte, error) {
		assert.Equal(t, "ffmpeg", name)
		args = a
		return frame, nil
	}

	src, err := cam.Open(context.Background())
	require.NoError(t, err)

	got, err := src.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 64, got.Width)
	assert.Equal(t, 48, got.Height)
	assert.Equal(t, frame, got.JPEG)
	assert.Contains(t, args, device)
	assert.Contains(t, args, "v4l2")

	require.NoError(t, src.Close())
	_, err = src.Capture(context.Background())
	assert.ErrorIs(t, err, ErrCameraUnavailable)
}

func TestCameraGarbageFrameIsNotReady(t *testing.T) {
	cam := NewCamera("", fakeDevice(t))
	cam.run = func(ctx context.Context, name string, a ...string) ([]byte, error) {
		return []byte("partial"), nil
	}
	src, err := cam.Open(context.Background())
	require.NoError(t, err)

	got, err := src.Capture(context.Background())
	require.NoError(t, err)
	assert.Zero(t, got.Width)
	assert.Zero(t, got.Height)
}

func TestCameraMissingDevice(t *testing.T) {
	cam := NewCamera("", filepath.Join(t.TempDir(), "nope"))
	_, err := cam.Open(context.Background())
	assert.ErrorIs(t, err, ErrCameraUnavailable)
}

func TestCameraCaptureError(t *testing.T) {
	cam := NewCamera("", fakeDevice(t))
	cam.run = func(ctx context.Context, name string, a ...string) ([]byte, error) {
		return nil, errors.New("device busy")
	}
	src, err := cam.Open(context.Background())
	require.NoError(t, err)
	_, err = src.Capture(context.Background())
	assert.ErrorContains(t, err, "device busy")
}

func shellScreen(script string) *Screen {
	s := NewScreen("", "")
	s.Grace = 50 * time.Millisecond
	s.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
	return s
}

func TestScreenShareEndsWhenCaptureExits(t *testing.T) {
	s := shellScreen("sleep 0.2")
	sh, err := s.Share(context.Background())
	require.NoError(t, err)

	select {
	case <-sh.Ended():
	case <-time.After(2 * time.Second):
		t.Fatal("share never ended")
	}
	sh.Stop()
	sh.Stop()
}

func TestScreenShareStop(t *testing.T) {
	s := shellScreen("sleep 30")
	sh, err := s.Share(context.Background())
	require.NoError(t, err)

	sh.Stop()
	select {
	case <-sh.Ended():
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not end the capture")
	}
}

func TestScreenShareDeclined(t *testing.T) {
	s := shellScreen("echo 'Cannot open display' >&2; exit 1")
	_, err := s.Share(context.Background())
	require.ErrorIs(t, err, ErrShareDeclined)
	assert.Contains(t, err.Error(), "Cannot open display")
}
