package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var ErrToken = errors.New("failed to get transcription token")

// HTTPTokenSource fetches a short-lived transcription token per activation.
type HTTPTokenSource struct {
	url    string
	client *http.Client
}

func NewHTTPTokenSource(url string) *HTTPTokenSource {
	return &HTTPTokenSource{url: url, client: &http.Client{}}
}

type tokenResponse struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

func (s *HTTPTokenSource) Token(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrToken, err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("%w: status %d", ErrToken, resp.StatusCode)
	}
	if tr.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrToken, tr.Error)
	}
	if resp.StatusCode >= 300 || tr.Token == "" {
		return "", fmt.Errorf("%w: status %d", ErrToken, resp.StatusCode)
	}
	return tr.Token, nil
}
