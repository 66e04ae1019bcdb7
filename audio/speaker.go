package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// PlayFunc renders a WAV payload, returning early when ctx is cancelled.
type PlayFunc func(ctx context.Context, wav []byte) error

// Speaker reads interview questions aloud through a text-to-speech endpoint.
// A new utterance cancels the one in progress.
type Speaker struct {
	url    string
	client *http.Client
	play   PlayFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSpeaker returns a speaker posting to url. A nil play uses PlayWAV.
func NewSpeaker(url string, play PlayFunc) *Speaker {
	if play == nil {
		play = PlayWAV
	}
	return &Speaker{url: url, client: &http.Client{}, play: play}
}

// Enabled is false when no endpoint is configured.
func (s *Speaker) Enabled() bool {
	return s != nil && s.url != ""
}

// Say cancels any utterance in progress and starts speaking text.
func (s *Speaker) Say(text string) {
	if !s.Enabled() || text == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.speak(ctx, text); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Text to speech failed", "error", err)
		}
	}()
}

func (s *Speaker) speak(ctx context.Context, text string) error {
	data, err := s.fetch(ctx, text)
	if err != nil {
		return err
	}
	return s.play(ctx, data)
}

func (s *Speaker) fetch(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tts failed (%d): %s", resp.StatusCode, string(data))
	}
	return data, nil
}

// Stop cancels the current utterance and waits for it to unwind.
// Safe to call repeatedly.
func (s *Speaker) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}
