// Package stt streams PCM audio to a Deepgram-compatible live transcription
// endpoint and reports interim and final transcripts.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultURL        = "wss://api.deepgram.com/v1/listen"
	DefaultModel      = "nova-3"
	DefaultSampleRate = 16000

	writeWait = 5 * time.Second
)

var ErrClosed = errors.New("transcription stream closed")

// Result is one transcript update. Interim results are superseded by the
// next result; final ones are settled text.
type Result struct {
	Text  string
	Final bool
}

type Deepgram struct {
	URL        string
	Model      string
	SampleRate int
	dialer     *websocket.Dialer
}

func NewDeepgram(rawURL, model string, sampleRate int) *Deepgram {
	if rawURL == "" {
		rawURL = DefaultURL
	}
	if model == "" {
		model = DefaultModel
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Deepgram{
		URL:        rawURL,
		Model:      model,
		SampleRate: sampleRate,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (d *Deepgram) endpoint() (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("parse transcription url: %w", err)
	}
	q := u.Query()
	q.Set("model", d.Model)
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.SampleRate))
	q.Set("channels", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open starts a live transcription session authorised by a short-lived token.
func (d *Deepgram) Open(ctx context.Context, token string) (*Stream, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open transcription stream (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to open transcription stream: %w", err)
	}

	s := &Stream{
		conn:    conn,
		results: make(chan Result, 32),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	slog.Debug("Transcription stream open", "model", d.Model, "sampleRate", d.SampleRate)
	return s, nil
}

type liveResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Stream is one open transcription session.
type Stream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	results chan Result

	done      chan struct{}
	closeOnce sync.Once
	err       error
	errMu     sync.Mutex
}

// Results is closed when the server ends the session or the stream is closed.
func (s *Stream) Results() <-chan Result {
	return s.results
}

// Err reports why the read side ended, nil for a clean finish.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Send forwards one chunk of little-endian PCM16 audio.
func (s *Stream) Send(pcm []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// Finish asks the server to flush pending results and end the session.
func (s *Stream) Finish() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
}

// Close releases the connection. Safe to call repeatedly.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) readLoop() {
	defer close(s.results)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.errMu.Lock()
					s.err = err
					s.errMu.Unlock()
				}
			}
			return
		}

		var msg liveResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Ignoring undecodable transcription message", "error", err)
			continue
		}
		if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
			continue
		}
		text := msg.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}

		select {
		case s.results <- Result{Text: text, Final: msg.IsFinal}:
		case <-s.done:
			return
		}
	}
}
