// Package genclient invokes the external generative image service.
//
// The adapter owns transport concerns only: bounded retries with exponential
// backoff for transient failures, immediate propagation of permanent ones,
// response decoding and dimension verification, and the shared rate limiter.
// It never touches the artifact store or the version history.
package genclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/atelier/imgcmp"
	"github.com/hazyhaar/atelier/reqbuild"
)

// Config configures the client.
type Config struct {
	// BaseURL of the generation service (e.g. "http://sdserver:7860").
	BaseURL string `yaml:"base_url"`
	// Timeout per HTTP call. Default: 120s, diffusion renders are slow.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries bounds transient-failure retries. Default: 3.
	MaxRetries int `yaml:"max_retries"`
	// Backoff is the initial retry delay, doubled per attempt. Default: 500ms.
	Backoff time.Duration `yaml:"backoff"`
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
}

// RasterImage is a decoded generation result.
type RasterImage struct {
	Bytes  []byte
	Image  image.Image
	Width  int
	Height int
}

// wire types for the service's JSON API.
type generateBody struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Seed           int64   `json:"seed"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	InitImage      []byte  `json:"init_image,omitempty"` // base64 via encoding/json
	EditStrength   float64 `json:"edit_strength,omitempty"`
	Steps          int     `json:"steps"`
	GuidanceScale  float64 `json:"guidance_scale"`
}

type generateResponse struct {
	Image  []byte `json:"image"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Client is the generation service adapter.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter RateLimiter
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// New creates a Client. The limiter is required and shared process-wide;
// pass NopLimiter{} where throughput limits don't apply (tests).
func New(cfg Config, limiter RateLimiter, opts ...Option) *Client {
	cfg.Defaults()
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Generate sends the request and returns the decoded result.
//
// Transient failures (timeout, 429, 5xx) are retried up to MaxRetries with
// exponential backoff; exhaustion surfaces as ErrExhausted. Permanent
// failures propagate immediately wrapped in ErrPermanent. A response whose
// pixel dimensions differ from the request is ErrDimensionMismatch.
func (c *Client) Generate(ctx context.Context, req *reqbuild.GenerationRequest) (*RasterImage, error) {
	var lastErr error
	backoff := c.cfg.Backoff

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("generation retry",
				"attempt", attempt, "backoff", backoff, "error", lastErr)
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		img, err := c.generateOnce(ctx, req)
		if err == nil {
			return img, nil
		}
		var retryable *RetryableError
		if !errors.As(err, &retryable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, c.cfg.MaxRetries, lastErr)
}

func (c *Client) generateOnce(ctx context.Context, req *reqbuild.GenerationRequest) (*RasterImage, error) {
	body := generateBody{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Seed:           req.Seed,
		Width:          req.Width,
		Height:         req.Height,
		InitImage:      req.ReferenceImage,
		EditStrength:   req.EditStrength,
		Steps:          req.Steps,
		GuidanceScale:  req.GuidanceScale,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("genclient: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("genclient: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if transientNetErr(err) {
			return nil, &RetryableError{Err: err}
		}
		return nil, fmt.Errorf("genclient: request failed: %w", err)
	}
	defer resp.Body.Close()
	duration := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if transientStatus(resp.StatusCode) {
			return nil, &RetryableError{
				Status: resp.StatusCode,
				Err:    fmt.Errorf("%s", bytes.TrimSpace(detail)),
			}
		}
		return nil, fmt.Errorf("%w: http %d: %s", ErrPermanent, resp.StatusCode, bytes.TrimSpace(detail))
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("decode response: %w", err)}
	}

	decoded, err := imgcmp.Decode(genResp.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	w := decoded.Bounds().Dx()
	h := decoded.Bounds().Dy()

	c.logger.Debug("generation response",
		"duration", duration, "seed", req.Seed,
		"width", w, "height", h, "payload_size", len(genResp.Image))

	if w != req.Width || h != req.Height {
		return nil, fmt.Errorf("%w: got %dx%d, want %dx%d",
			ErrDimensionMismatch, w, h, req.Width, req.Height)
	}

	return &RasterImage{
		Bytes:  genResp.Image,
		Image:  decoded,
		Width:  w,
		Height: h,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
