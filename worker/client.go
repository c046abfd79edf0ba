// Package worker is the client for the accelerator sidecar that hosts the
// diffusion transformer, the safety classifier and the super-resolution
// model when SD_BACKEND=worker.
//
// Every call is a JSON POST. Images travel as base64 encoded PNG.
package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"flux_backend/logging"
	"flux_backend/vision"
)

// Endpoint paths served by the sidecar.
const (
	PathLoad           = "/v1/load"
	PathAdaptersLoad   = "/v1/adapters/load"
	PathAdaptersUnload = "/v1/adapters/unload"
	PathAdaptersActive = "/v1/adapters/activate"
	PathGenerate       = "/v1/generate"
	PathSafety         = "/v1/safety"
	PathUpscale        = "/v1/upscale"
)

const maxErrorBodyPreview = 512

var (
	ErrEmptyBaseURL  = errors.New("worker: base URL cannot be empty")
	ErrNilLogger     = errors.New("worker: logger cannot be nil")
	ErrBadResponse   = errors.New("worker: malformed response")
	ErrImageEncoding = errors.New("worker: image encoding failed")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("worker: %s returned %d: %s", e.Path, e.StatusCode, e.Message)
}

// Config holds sidecar connection settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns a Config with a 10 minute timeout; large batches
// on slow accelerators can take minutes.
func DefaultConfig(baseURL string) Config {
	return Config{BaseURL: baseURL, Timeout: 10 * time.Minute}
}

// Client talks to the sidecar. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrEmptyBaseURL
	}
	if logger == nil {
		return nil, ErrNilLogger
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig(cfg.BaseURL).Timeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("worker"),
	}, nil
}

// LoadRequest asks the sidecar to load the base weights bundle.
type LoadRequest struct {
	ModelPath string `json:"model_path"`
}

// AdapterLoadRequest loads one adapter under a handle.
type AdapterLoadRequest struct {
	Handle string `json:"adapter_name"`
	Path   string `json:"path"`
}

// ActiveAdapter is one entry of the batched activation call.
type ActiveAdapter struct {
	Handle string  `json:"adapter_name"`
	Scale  float64 `json:"scale"`
}

type activateRequest struct {
	Adapters []ActiveAdapter `json:"adapters"`
}

// Conditioning carries a seed image for conditioned synthesis.
type Conditioning struct {
	Image    string  `json:"image"`
	Strength float64 `json:"strength"`
}

// GenerateRequest mirrors one batched diffusion call.
type GenerateRequest struct {
	Prompt              string        `json:"prompt"`
	NumOutputs          int           `json:"num_outputs"`
	Width               int           `json:"width"`
	Height              int           `json:"height"`
	Steps               int           `json:"num_inference_steps"`
	Guidance            float64       `json:"guidance_scale"`
	Seed                int64         `json:"seed"`
	MaxSequenceLength   int           `json:"max_sequence_length"`
	JointAttentionScale *float64      `json:"joint_attention_scale,omitempty"`
	Conditioning        *Conditioning `json:"conditioning,omitempty"`
}

type imagesResponse struct {
	Images []string `json:"images"`
}

type safetyRequest struct {
	Images      []string    `json:"images"`
	PixelValues [][]float32 `json:"clip_input,omitempty"`
}

type safetyResponse struct {
	Unsafe []bool `json:"has_nsfw_concept"`
}

type upscaleRequest struct {
	Images []string `json:"images"`
	Scale  int      `json:"scale"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Load loads the base weights.
func (c *Client) Load(ctx context.Context, req LoadRequest) error {
	return c.post(ctx, PathLoad, req, nil)
}

// LoadAdapter loads one adapter file.
func (c *Client) LoadAdapter(ctx context.Context, req AdapterLoadRequest) error {
	return c.post(ctx, PathAdaptersLoad, req, nil)
}

// UnloadAdapters detaches every adapter.
func (c *Client) UnloadAdapters(ctx context.Context) error {
	return c.post(ctx, PathAdaptersUnload, struct{}{}, nil)
}

// ActivateAdapters sets the active adapters and their scales in one call.
func (c *Client) ActivateAdapters(ctx context.Context, adapters []ActiveAdapter) error {
	return c.post(ctx, PathAdaptersActive, activateRequest{Adapters: adapters}, nil)
}

// Generate runs one batched diffusion call.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) ([]image.Image, error) {
	var resp imagesResponse
	if err := c.post(ctx, PathGenerate, req, &resp); err != nil {
		return nil, err
	}
	return decodeImages(resp.Images)
}

// ClassifySafety returns one unsafe flag per image. pixelValues may be nil.
func (c *Client) ClassifySafety(ctx context.Context, images []image.Image, pixelValues [][]float32) ([]bool, error) {
	encoded, err := EncodeImages(images)
	if err != nil {
		return nil, err
	}
	var resp safetyResponse
	if err := c.post(ctx, PathSafety, safetyRequest{Images: encoded, PixelValues: pixelValues}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Unsafe) != len(images) {
		return nil, fmt.Errorf("%w: %d verdicts for %d images", ErrBadResponse, len(resp.Unsafe), len(images))
	}
	return resp.Unsafe, nil
}

// Upscale runs the super-resolution model at the given integer scale.
func (c *Client) Upscale(ctx context.Context, images []image.Image, scale int) ([]image.Image, error) {
	encoded, err := EncodeImages(images)
	if err != nil {
		return nil, err
	}
	var resp imagesResponse
	if err := c.post(ctx, PathUpscale, upscaleRequest{Images: encoded, Scale: scale}, &resp); err != nil {
		return nil, err
	}
	out, err := decodeImages(resp.Images)
	if err != nil {
		return nil, err
	}
	if len(out) != len(images) {
		return nil, fmt.Errorf("%w: %d upscaled images for %d inputs", ErrBadResponse, len(out), len(images))
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	start := time.Now()

	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("worker: failed to marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("worker: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("worker: %s: %w", path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("worker: failed to read %s response: %w", path, err)
	}

	c.logger.Debug("worker call",
		zap.String("path", path),
		zap.Int("status_code", resp.StatusCode),
		zap.Int("request_bytes", len(jsonData)),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Path: path, StatusCode: resp.StatusCode, Message: errorMessage(bodyBytes)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadResponse, path, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e errorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBodyPreview {
		msg = msg[:maxErrorBodyPreview] + "..."
	}
	return msg
}

// EncodeImage returns img as base64 PNG.
func EncodeImage(img image.Image) (string, error) {
	data, err := vision.EncodePNG(img)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrImageEncoding, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// EncodeImages encodes every image with EncodeImage.
func EncodeImages(images []image.Image) ([]string, error) {
	out := make([]string, len(images))
	for i, img := range images {
		s, err := EncodeImage(img)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

// DecodeImage parses one base64 PNG.
func DecodeImage(s string) (image.Image, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	img, err := vision.DecodePNG(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return img, nil
}

func decodeImages(encoded []string) ([]image.Image, error) {
	out := make([]image.Image, len(encoded))
	for i, s := range encoded {
		img, err := DecodeImage(s)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out[i] = img
	}
	return out, nil
}
