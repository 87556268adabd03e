// Package provider defines the uniform call surface for embedding and
// synthesis backends, plus the fallback chains that make an ordered provider
// list behave like a single logical provider.
package provider

import (
	"context"
	"time"
)

// Embedder turns text into a fixed-dimension dense vector. Implementations
// must be deterministic for identical (model, input).
type Embedder interface {
	// Name identifies the provider for logging and chain bookkeeping.
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SynthesisOptions shapes one synthesis call. Zero values defer to the
// provider's configured defaults.
type SynthesisOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Seed        int
	Deadline    time.Duration
}

// Synthesizer produces text from a system prompt and a user prompt.
// With temperature 0 and a fixed seed, implementations return identical text
// for identical inputs where the backend supports it.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, system, user string, opts *SynthesisOptions) (string, error)
}

// DefaultSynthesisOptions are the gateway-wide defaults.
func DefaultSynthesisOptions() *SynthesisOptions {
	return &SynthesisOptions{
		Temperature: 0.3,
		MaxTokens:   1024,
		Seed:        42,
	}
}
