// Package inference talks to an HTTP face inference service.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

const defaultURL = "http://localhost:8000"

// Client implements detection and embedding over the inference service API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client. A zero timeout leaves requests bounded only by their context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// faceBox is a single detection in the /detect response
type faceBox struct {
	BBox     []float64 `json:"bbox"` // [x1, y1, x2, y2] in pixels
	DetScore float64   `json:"det_score"`
}

type detectResponse struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Faces  []faceBox `json:"faces"`
}

type embedResponse struct {
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
}

// Name identifies the backend in logs.
func (c *Client) Name() string { return "http" }

// Available probes GET /health.
func (c *Client) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Detect posts the frame to /detect and normalizes the returned boxes.
func (c *Client) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	body, err := c.postImage(ctx, "/detect", frame.Data)
	if err != nil {
		return nil, err
	}

	var dr detectResponse
	if err := json.Unmarshal(body, &dr); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	width, height := dr.Width, dr.Height
	if width == 0 || height == 0 {
		width, height = frame.Width, frame.Height
	}

	dets := make([]types.Detection, 0, len(dr.Faces))
	for i, f := range dr.Faces {
		if len(f.BBox) != 4 {
			return nil, fmt.Errorf("face %d: bbox has %d values, want 4", i, len(f.BBox))
		}
		dets = append(dets, types.Detection{
			Box:   types.BoxFromPixels(f.BBox[0], f.BBox[1], f.BBox[2], f.BBox[3], width, height),
			Score: f.DetScore,
		})
	}
	return dets, nil
}

// Embed posts a face crop to /embed.
func (c *Client) Embed(ctx context.Context, crop []byte) (types.Embedding, error) {
	body, err := c.postImage(ctx, "/embed", crop)
	if err != nil {
		return nil, err
	}

	var er embedResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(er.Embedding) == 0 {
		return nil, errors.New("empty embedding returned")
	}
	if er.Dim != 0 && er.Dim != len(er.Embedding) {
		return nil, fmt.Errorf("embedding has %d values, service reported dim %d", len(er.Embedding), er.Dim)
	}
	return types.Embedding(er.Embedding), nil
}

// postImage sends imageData as a multipart "file" field and returns the body of a 200 response.
func (c *Client) postImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// Prefer the service's {"error": "..."} message over the raw body
		var er types.ErrorResult
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, er.Error)
		}
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
