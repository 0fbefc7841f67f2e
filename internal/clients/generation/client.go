package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/httpx"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
)

type Request struct {
	OutputID      uuid.UUID `json:"output_id"`
	ShotType      string    `json:"shot_type"`
	PoseTemplate  string    `json:"pose_template,omitempty"`
	ReferenceURLs []string  `json:"reference_urls"`
}

type Result struct {
	ResultRef string `json:"result_ref"`
}

// Service generates one output. Failures are *jobs.TransientServiceError or
// *jobs.TerminalServiceError so callers can decide whether to retry.
type Service interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

type Config struct {
	BaseURL string
	APIKey  string
	// RateLimit is requests per second; 0 disables pacing.
	RateLimit float64
	Timeout   time.Duration
	// MaxRetryAfter caps the server's Retry-After hint.
	MaxRetryAfter time.Duration
}

type Client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetry   time.Duration
}

func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing generation base url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	maxRetry := cfg.MaxRetryAfter
	if maxRetry <= 0 {
		maxRetry = 30 * time.Second
	}
	c := &Client{
		log:        log.With("service", "GenerationClient"),
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
		maxRetry:   maxRetry,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Generate makes exactly one call. Retrying is the caller's policy.
func (c *Client) Generate(ctx context.Context, req Request) (Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return Result{}, &jobs.TerminalServiceError{Message: "encode request: " + err.Error()}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generations", &buf)
	if err != nil {
		return Result{}, &jobs.TerminalServiceError{Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		if httpx.IsRetryableError(err) {
			return Result{}, &jobs.TransientServiceError{Err: err}
		}
		return Result{}, &jobs.TerminalServiceError{Message: err.Error()}
	}
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return Result{}, &jobs.TransientServiceError{StatusCode: resp.StatusCode, Err: readErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := errorMessage(raw)
		if httpx.IsRetryableHTTPStatus(resp.StatusCode) {
			retryAfter := httpx.RetryAfterDuration(resp, time.Now(), c.maxRetry)
			c.log.Debug("generation call transient failure",
				"output_id", req.OutputID,
				"status", resp.StatusCode,
				"retry_after", retryAfter,
			)
			return Result{}, &jobs.TransientServiceError{
				StatusCode: resp.StatusCode,
				RetryAfter: retryAfter,
				Err:        errors.New(msg),
			}
		}
		return Result{}, &jobs.TerminalServiceError{StatusCode: resp.StatusCode, Message: msg}
	}

	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, &jobs.TerminalServiceError{StatusCode: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	if strings.TrimSpace(out.ResultRef) == "" {
		return Result{}, &jobs.TerminalServiceError{StatusCode: resp.StatusCode, Message: "response missing result_ref"}
	}
	return out, nil
}

func errorMessage(raw []byte) string {
	var ae apiError
	if err := json.Unmarshal(raw, &ae); err == nil {
		if ae.Message != "" {
			return ae.Message
		}
		if ae.Error != "" {
			return ae.Error
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 300 {
		s = s[:300]
	}
	if s == "" {
		return "empty response body"
	}
	return s
}
