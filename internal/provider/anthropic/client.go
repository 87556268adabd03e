// Package anthropic implements synthesis against an Anthropic-style messages
// API. It does not provide embeddings; pair it with a separate embedder.
package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codectx/internal/core"
	"codectx/internal/provider"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

// Client talks to one Anthropic-style endpoint.
type Client struct {
	base    *provider.BaseClient
	baseURL string
	apiKey  string
	model   string
}

// NewClient creates a client. An empty baseURL falls back to the public API.
func NewClient(baseURL, apiKey, model string, timeout time.Duration, logger core.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		base:    provider.NewBaseClient(timeout, logger),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

// Name identifies this provider in chain bookkeeping and logs.
func (c *Client) Name() string { return "anthropic-style" }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Synthesize runs one messages call and concatenates the text blocks.
func (c *Client) Synthesize(ctx context.Context, system, user string, opts *provider.SynthesisOptions) (string, error) {
	if opts == nil {
		opts = provider.DefaultSynthesisOptions()
	}
	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	req := messagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		System:      system,
		Messages:    []message{{Role: "user", Content: user}},
	}
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": apiVersion,
	}

	var resp messagesResponse
	if err := c.base.PostJSON(ctx, c.Name(), c.baseURL+"/messages", headers, req, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic-style: response contained no text blocks")
	}
	return sb.String(), nil
}
