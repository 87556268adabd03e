// Package ollama implements embedding and synthesis against a local Ollama
// server using its native API.
package ollama

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codectx/internal/core"
	"codectx/internal/provider"
)

const defaultBaseURL = "http://localhost:11434"

// Client talks to one Ollama instance.
type Client struct {
	base    *provider.BaseClient
	baseURL string
	model   string
}

// NewClient creates an Ollama client for the given model. An empty baseURL
// falls back to the conventional local address.
func NewClient(baseURL, model string, timeout time.Duration, logger core.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		base:    provider.NewBaseClient(timeout, logger),
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
	}
}

// Name identifies this provider in chain bookkeeping and logs.
func (c *Client) Name() string { return "ollama" }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the dense vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embedResponse
	err := c.base.PostJSON(ctx, c.Name(), c.baseURL+"/api/embeddings", nil,
		embedRequest{Model: c.model, Prompt: text}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama: empty embedding for model %s", c.model)
	}
	return resp.Embedding, nil
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	Seed        int     `json:"seed,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Synthesize runs a non-streaming generation.
func (c *Client) Synthesize(ctx context.Context, system, user string, opts *provider.SynthesisOptions) (string, error) {
	if opts == nil {
		opts = provider.DefaultSynthesisOptions()
	}
	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}

	req := generateRequest{
		Model:  model,
		Prompt: user,
		System: system,
		Stream: false,
		Options: generateOptions{
			Temperature: opts.Temperature,
			Seed:        opts.Seed,
			NumPredict:  opts.MaxTokens,
		},
	}

	var resp generateResponse
	if err := c.base.PostJSON(ctx, c.Name(), c.baseURL+"/api/generate", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}
