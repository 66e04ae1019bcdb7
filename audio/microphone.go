package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

const (
	DefaultSampleRate = 16000
	DefaultChunk      = 250 * time.Millisecond
	channels          = 1
	bitsPerSample     = 16
)

var ErrNoInputDevice = errors.New("no usable input device")

// Microphone opens mono PCM16 capture on the default or a chosen input device.
type Microphone struct {
	SampleRate int
	Chunk      time.Duration
	// DeviceID indexes portaudio.Devices(). Negative uses the default input.
	DeviceID int
}

func NewMicrophone(sampleRate int, chunk time.Duration, deviceID int) *Microphone {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	return &Microphone{SampleRate: sampleRate, Chunk: chunk, DeviceID: deviceID}
}

func (m *Microphone) framesPerBuffer() int {
	return int(int64(m.SampleRate) * int64(m.Chunk) / int64(time.Second))
}

// Capture is a running input stream. Chunks are delivered in capture order.
type Capture struct {
	stream  *portaudio.Stream
	chunks  chan []int16
	dropped atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
}

// Open acquires the input device and starts streaming. Permission or device
// errors are returned as is; nothing is held on failure.
func (m *Microphone) Open(ctx context.Context) (*Capture, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	params, err := m.inputParams()
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	c := &Capture{
		chunks: make(chan []int16, 32),
		closed: make(chan struct{}),
	}

	stream, err := portaudio.OpenStream(params, func(in []int16) {
		chunk := make([]int16, len(in))
		copy(chunk, in)
		select {
		case c.chunks <- chunk:
		default:
			c.dropped.Add(1)
		}
	})
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start audio stream: %w", err)
	}
	c.stream = stream

	slog.Debug("Microphone open",
		"sampleRate", m.SampleRate,
		"framesPerBuffer", params.FramesPerBuffer)
	return c, nil
}

func (m *Microphone) inputParams() (portaudio.StreamParameters, error) {
	var device *portaudio.DeviceInfo
	if m.DeviceID >= 0 {
		devices, err := portaudio.Devices()
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("failed to get devices: %w", err)
		}
		if m.DeviceID >= len(devices) || devices[m.DeviceID].MaxInputChannels == 0 {
			return portaudio.StreamParameters{}, fmt.Errorf("%w: device %d", ErrNoInputDevice, m.DeviceID)
		}
		device = devices[m.DeviceID]
	} else {
		d, err := portaudio.DefaultInputDevice()
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("%w: %v", ErrNoInputDevice, err)
		}
		device = d
	}

	slog.Info("Using audio device",
		"deviceName", device.Name,
		"sampleRate", m.SampleRate)

	return portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(m.SampleRate),
		FramesPerBuffer: m.framesPerBuffer(),
	}, nil
}

// Read blocks for the next chunk. It returns io.EOF once the capture is closed.
func (c *Capture) Read(ctx context.Context) ([]int16, error) {
	select {
	case chunk := <-c.chunks:
		return chunk, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped is the number of chunks discarded because the reader fell behind.
func (c *Capture) Dropped() int64 {
	return c.dropped.Load()
}

// Close stops the stream and releases the device. Safe to call repeatedly.
func (c *Capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if stopErr := c.stream.Stop(); stopErr != nil {
			slog.Debug("Failed to stop audio stream", "error", stopErr)
		}
		err = c.stream.Close()
		portaudio.Terminate()
	})
	return err
}

// PCM16LE encodes samples as little-endian bytes for transmission.
func PCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}

// ListInputDevices returns the devices that can be used for capture.
func ListInputDevices() ([]portaudio.DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	inputDevices := make([]portaudio.DeviceInfo, 0)
	for _, device := range devices {
		if device.MaxInputChannels > 0 {
			inputDevices = append(inputDevices, *device)
		}
	}
	return inputDevices, nil
}
