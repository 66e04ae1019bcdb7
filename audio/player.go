package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/youpy/go-wav"
)

const playbackFramesPerBuffer = 1024

// DecodeWAV reads every sample of the first channel along with the format.
func DecodeWAV(data []byte) ([]int16, *wav.WavFormat, error) {
	reader := wav.NewReader(bytes.NewReader(data))
	format, err := reader.Format()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read wav format: %w", err)
	}

	var out []int16
	for {
		samples, err := reader.ReadSamples(playbackFramesPerBuffer)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read samples: %w", err)
		}
		for _, s := range samples {
			out = append(out, int16(s.Values[0]))
		}
	}
	return out, format, nil
}

// PlayWAV plays a WAV payload on the default output device and returns when
// playback finishes or ctx is cancelled.
func PlayWAV(ctx context.Context, data []byte) error {
	samples, format, err := DecodeWAV(data)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	var (
		pos      int
		finished = make(chan struct{})
		once     sync.Once
	)
	stream, err := portaudio.OpenDefaultStream(
		0,
		channels,
		float64(format.SampleRate),
		playbackFramesPerBuffer,
		func(out []int16) {
			n := copy(out, samples[pos:])
			pos += n
			// Fill remaining buffer with silence
			for i := n; i < len(out); i++ {
				out[i] = 0
			}
			if pos >= len(samples) {
				once.Do(func() { close(finished) })
			}
		},
	)
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	select {
	case <-finished:
	case <-ctx.Done():
		slog.Debug("Playback interrupted")
	}
	return stream.Stop()
}
