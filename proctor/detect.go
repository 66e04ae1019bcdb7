package proctor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var ErrUnhealthy = errors.New("face detection service unhealthy")

// Frame is one encoded camera image.
type Frame struct {
	JPEG       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// Result is the detection service's verdict for one frame.
type Result struct {
	FaceCount        int       `json:"face_count"`
	HasMultipleFaces bool      `json:"has_multiple_faces"`
	CapturedAt       time.Time `json:"capturedAt"`
}

type detectRequest struct {
	Frame     string `json:"frame"`
	FrameID   string `json:"frame_id"`
	Timestamp int64  `json:"timestamp"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// DetectionClient talks to the face-detection HTTP service.
type DetectionClient struct {
	detectURL string
	healthURL string
	client    *http.Client
}

func NewDetectionClient(detectURL, healthURL string) *DetectionClient {
	return &DetectionClient{
		detectURL: detectURL,
		healthURL: healthURL,
		client:    &http.Client{},
	}
}

// Health succeeds only when the service reports status "healthy".
func (c *DetectionClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()

	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, resp.StatusCode)
	}
	if resp.StatusCode >= 300 || h.Status != "healthy" {
		return fmt.Errorf("%w: status %d %q", ErrUnhealthy, resp.StatusCode, h.Status)
	}
	return nil
}

// Detect submits one frame and returns the face count.
func (c *DetectionClient) Detect(ctx context.Context, frame Frame) (Result, error) {
	body, err := json.Marshal(detectRequest{
		Frame:     EncodeDataURL(frame.JPEG),
		FrameID:   uuid.NewString(),
		Timestamp: frame.CapturedAt.UnixMilli(),
	})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.detectURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("detect request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("detect failed (%d): %s", resp.StatusCode, string(msg))
	}

	var r Result
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Result{}, fmt.Errorf("decode detect response: %w", err)
	}
	r.CapturedAt = frame.CapturedAt
	return r, nil
}

// EncodeDataURL frames a JPEG the way a browser canvas export would.
func EncodeDataURL(jpeg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
}
