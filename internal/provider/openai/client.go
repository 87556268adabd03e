// Package openai implements embedding and synthesis against any
// OpenAI-compatible HTTP endpoint, which covers most hosted providers and
// several self-hosted gateways.
package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codectx/internal/core"
	"codectx/internal/provider"
)

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	base    *provider.BaseClient
	baseURL string
	apiKey  string
	model   string
}

// NewClient creates a client. baseURL is the API root, e.g.
// "https://api.openai.com/v1".
func NewClient(baseURL, apiKey, model string, timeout time.Duration, logger core.Logger) *Client {
	return &Client{
		base:    provider.NewBaseClient(timeout, logger),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

// Name identifies this provider in chain bookkeeping and logs.
func (c *Client) Name() string { return "openai-compatible" }

func (c *Client) headers() map[string]string {
	h := map[string]string{}
	if c.apiKey != "" {
		h["Authorization"] = "Bearer " + c.apiKey
	}
	return h
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the dense vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embedResponse
	err := c.base.PostJSON(ctx, c.Name(), c.baseURL+"/embeddings", c.headers(),
		embedRequest{Model: c.model, Input: text}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai-compatible: empty embedding for model %s", c.model)
	}
	return resp.Data[0].Embedding, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Seed        int           `json:"seed,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Synthesize runs one chat completion.
func (c *Client) Synthesize(ctx context.Context, system, user string, opts *provider.SynthesisOptions) (string, error) {
	if opts == nil {
		opts = provider.DefaultSynthesisOptions()
	}
	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}

	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	req := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Seed:        opts.Seed,
	}

	var resp chatResponse
	if err := c.base.PostJSON(ctx, c.Name(), c.baseURL+"/chat/completions", c.headers(), req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai-compatible: response contained no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
