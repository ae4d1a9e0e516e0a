package reasoning

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
)

// Client is the reasoning engine: prompt in, completion text out.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Request carries one prompt to the engine. Tag identifies the calling
// component ("docs.suggest", "agent.strategist", ...) so scripted engines can
// route responses without parsing prompt text.
type Request struct {
	Tag    string
	Prompt string
}

// Failure classes for engine calls. RateLimited, Timeout and ServiceError are
// transient; callers retry them with bounded backoff.
var (
	ErrRateLimited  = errors.New("reasoning engine rate limited")
	ErrTimeout      = errors.New("reasoning engine timeout")
	ErrServiceError = errors.New("reasoning engine service error")
)

// Transient reports whether an engine error is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrServiceError)
}

// HTTPClient posts prompts to a completions endpoint.
type HTTPClient struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
	HTTP    *http.Client
}

type completionRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
}

type completionResponse struct {
	Completion string `json:"completion"`
}

func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(completionRequest{Model: c.Model, Prompt: req.Prompt})
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrServiceError, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrServiceError, err)
	}
	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: status %d", ErrRateLimited, res.StatusCode)
	case res.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d: %s", ErrServiceError, res.StatusCode, truncate(data, 200))
	case res.StatusCode >= 400:
		return "", fmt.Errorf("reasoning engine rejected request: status %d: %s", res.StatusCode, truncate(data, 200))
	}
	var parsed completionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	return parsed.Completion, nil
}

func truncate(data []byte, n int) string {
	s := string(data)
	if len(s) > n {
		return s[:n]
	}
	return s
}
