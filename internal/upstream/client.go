// Package upstream is the client for the inference API that performs face
// lookups and generates roasts.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nuwa/skyeye-bot/internal/config"
	"github.com/sirupsen/logrus"
)

// Kind classifies the outcome of an upstream call
type Kind int

const (
	Success Kind = iota
	NotFound
	TransientError
	FatalError
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case NotFound:
		return "not_found"
	case TransientError:
		return "transient_error"
	case FatalError:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// Match is one face lookup hit
type Match struct {
	URL   string  `json:"url"`
	Score float64 `json:"score,omitempty"`
}

// Result is the structured outcome of an upstream call. Calls never return
// an error; failures are described by Kind and Error.
type Result struct {
	Kind    Kind
	Matches []Match // image lookup only
	Text    string  // insult only
	Error   string  // last error after retries were exhausted
}

// OK reports whether the call succeeded
func (r Result) OK() bool {
	return r.Kind == Success
}

// API is the inference API consumed by the action handlers
type API interface {
	ImageLookup(ctx context.Context, image []byte, limit int) Result
	Insult(ctx context.Context, handle string) Result
}

// Client implements API over HTTP
type Client struct {
	client     *resty.Client
	maxRetries int
	retryBase  time.Duration
}

var _ API = (*Client)(nil)

// NewClient creates a new upstream API client
func NewClient(cfg *config.Config) *Client {
	return &Client{
		client: resty.New().
			SetBaseURL(strings.TrimRight(cfg.UpstreamAPIBaseURL, "/")).
			SetAuthToken(cfg.UpstreamAPIKey).
			SetTimeout(120*time.Second).
			SetHeader("User-Agent", "Skyeye-Bot/1.0"),
		maxRetries: cfg.UpstreamMaxRetries,
		retryBase:  cfg.UpstreamRetryBase,
	}
}

type lookupResponse struct {
	Results []Match `json:"results"`
}

type insultResponse struct {
	Roast string `json:"roast"`
}

// ImageLookup posts the image to /face-search as multipart form data
func (c *Client) ImageLookup(ctx context.Context, image []byte, limit int) Result {
	var matches []Match

	errMsg := c.withRetry(ctx, "Face Search", func() error {
		resp, err := c.client.R().
			SetContext(ctx).
			SetMultipartField("image", "image.jpg", "image/jpeg", bytes.NewReader(image)).
			SetMultipartFormData(map[string]string{"limit": strconv.Itoa(limit)}).
			Post("/face-search")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode(), truncate(resp.String(), 500))
		}

		var parsed lookupResponse
		if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
			return fmt.Errorf("failed to parse face search response: %w", err)
		}
		matches = parsed.Results
		return nil
	})
	if errMsg != "" {
		return Result{Kind: Translate(errMsg), Error: errMsg}
	}

	if matches == nil {
		matches = []Match{}
	}
	return Result{Kind: Success, Matches: matches}
}

// Insult asks /x-roast for a roast of handle
func (c *Client) Insult(ctx context.Context, handle string) Result {
	var roast string

	errMsg := c.withRetry(ctx, "X Roast", func() error {
		resp, err := c.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(map[string]string{"handle": handle}).
			Post("/x-roast")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("HTTP %d", resp.StatusCode())
		}

		var parsed insultResponse
		if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
			return fmt.Errorf("failed to parse roast response: %w", err)
		}
		roast = parsed.Roast
		return nil
	})
	if errMsg != "" {
		return Result{Kind: Translate(errMsg), Error: errMsg}
	}

	return Result{Kind: Success, Text: roast}
}

// withRetry runs call up to maxRetries times with exponential backoff
// (base, 2*base, 4*base...). It returns the last error message, or "" on
// success.
func (c *Client) withRetry(ctx context.Context, name string, call func() error) string {
	attempts := c.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr string
	for attempt := 0; attempt < attempts; attempt++ {
		err := call()
		if err == nil {
			return ""
		}
		lastErr = err.Error()
		logrus.Warnf("%s API attempt %d/%d failed: %s", name, attempt+1, attempts, lastErr)

		if attempt < attempts-1 {
			wait := c.retryBase * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err().Error()
				logrus.Errorf("%s API retries abandoned: %s", name, lastErr)
				return lastErr
			case <-time.After(wait):
			}
		}
	}

	logrus.Errorf("%s API failed after %d attempts: %s", name, attempts, lastErr)
	return lastErr
}

// Translate maps a failure message onto a result kind. A "not found" text
// or a 404 status means the requested entity does not exist; client errors
// other than rate limiting are fatal; everything else is transient.
func Translate(errMsg string) Kind {
	lower := strings.ToLower(errMsg)
	if strings.Contains(lower, "not found") || strings.Contains(lower, "404") {
		return NotFound
	}
	if strings.HasPrefix(lower, "http 4") && !strings.HasPrefix(lower, "http 429") && !strings.HasPrefix(lower, "http 408") {
		return FatalError
	}
	return TransientError
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
