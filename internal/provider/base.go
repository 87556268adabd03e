package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"codectx/internal/core"
)

// BaseClient provides the plumbing shared by all provider adapters: an HTTP
// client with timeout, JSON round-tripping, and failure classification into
// the gateway error taxonomy.
type BaseClient struct {
	HTTPClient *http.Client
	Logger     core.Logger
}

// NewBaseClient creates a base client with the given request timeout.
func NewBaseClient(timeout time.Duration, logger core.Logger) *BaseClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &BaseClient{
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     logger,
	}
}

// PostJSON sends body as JSON and decodes the response into out. Errors come
// back pre-classified (timeout, unavailable, rate_limited, model_not_found,
// auth, other).
func (b *BaseClient) PostJSON(ctx context.Context, provider, url string, headers map[string]string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshaling request: %w", provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		classified := ClassifyTransport(provider, err)
		b.Logger.Warn("Provider request failed", map[string]interface{}{
			"operation":   "provider_request",
			"provider":    provider,
			"error":       err.Error(),
			"class":       string(core.Classify(classified)),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return classified
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: reading response: %w", provider, core.ErrUnavailable)
	}

	if resp.StatusCode != http.StatusOK {
		classified := ClassifyStatus(provider, resp.StatusCode, raw)
		b.Logger.Warn("Provider returned error status", map[string]interface{}{
			"operation":   "provider_request",
			"provider":    provider,
			"status_code": resp.StatusCode,
			"class":       string(core.Classify(classified)),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return classified
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: parsing response: %w", provider, err)
		}
	}

	b.Logger.Debug("Provider request completed", map[string]interface{}{
		"operation":   "provider_request",
		"provider":    provider,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// ClassifyStatus maps an HTTP status to the failure taxonomy.
func ClassifyStatus(provider string, status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: invalid or missing credentials: %w", provider, core.ErrAuth)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: rate limit exceeded: %w", provider, core.ErrRateLimited)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: model or endpoint not found: %s: %w", provider, snippet, core.ErrModelNotFound)
	case status >= 500:
		return fmt.Errorf("%s: server error %d: %w", provider, status, core.ErrUnavailable)
	default:
		return fmt.Errorf("%s: unexpected status %d: %s", provider, status, snippet)
	}
}

// ClassifyTransport maps a transport-level failure to the taxonomy.
func ClassifyTransport(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", provider, core.ErrTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w", provider, core.ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", provider, context.Canceled)
	}
	// Connection refused, DNS failure, reset: the dependency is unreachable.
	return fmt.Errorf("%s: %v: %w", provider, err, core.ErrUnavailable)
}
