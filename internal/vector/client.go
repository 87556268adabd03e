// Package vector implements semantic retrieval against a Qdrant-style vector
// store over its REST API.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"codectx/internal/core"
	"codectx/internal/model"
	"codectx/internal/provider"
)

// SearchFilter narrows a search by indexed payload fields. Empty fields are
// not filtered on.
type SearchFilter struct {
	Project  string
	Type     model.ContentType
	Language string
}

// Hit is one raw store result before normalization.
type Hit struct {
	ID        string
	Score     float64
	Content   string
	Source    string
	StartLine int
	EndLine   int
	Type      model.ContentType
	Language  string
}

// Store is the vector-store contract the retriever depends on.
type Store interface {
	Search(ctx context.Context, vec []float32, limit int, filter SearchFilter) ([]Hit, error)
	Ping(ctx context.Context) error
}

// Client is a Qdrant REST client scoped to one collection.
type Client struct {
	httpClient *http.Client
	baseURL    string
	collection string
	logger     core.Logger
}

// NewClient creates a client for the given collection.
func NewClient(baseURL, collection string, timeout time.Duration, logger core.Logger) *Client {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		logger:     logger,
	}
}

type qdrantEnvelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("qdrant: marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("qdrant: creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.ClassifyTransport("qdrant", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("qdrant: reading response: %w", core.ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return provider.ClassifyStatus("qdrant", resp.StatusCode, raw)
	}

	if out != nil {
		var env qdrantEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("qdrant: parsing envelope: %w", err)
		}
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("qdrant: parsing result: %w", err)
		}
	}
	return nil
}

// Ping verifies the collection exists and is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/collections/"+c.collection, nil, &struct{}{})
}

// EnsureCollection creates the collection with cosine distance if it does not
// already exist.
func (c *Client) EnsureCollection(ctx context.Context, dim int) error {
	err := c.Ping(ctx)
	if err == nil {
		return nil
	}
	if !core.IsNotFound(err) {
		return err
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     dim,
			"distance": "Cosine",
		},
	}
	if err := c.do(ctx, http.MethodPut, "/collections/"+c.collection, body, nil); err != nil {
		return fmt.Errorf("creating collection %s: %w", c.collection, err)
	}
	c.logger.Info("Created vector collection", map[string]interface{}{
		"collection": c.collection,
		"dimension":  dim,
	})
	return nil
}

// Point is one chunk to index.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// Upsert writes points into the collection.
func (c *Client) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	wire := make([]map[string]interface{}, len(points))
	for i, p := range points {
		wire[i] = map[string]interface{}{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": p.Payload,
		}
	}
	body := map[string]interface{}{"points": wire}
	return c.do(ctx, http.MethodPut, "/collections/"+c.collection+"/points?wait=true", body, nil)
}

type searchHit struct {
	ID      json.RawMessage        `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// Search runs a cosine similarity search with an optional payload filter.
func (c *Client) Search(ctx context.Context, vec []float32, limit int, filter SearchFilter) ([]Hit, error) {
	body := map[string]interface{}{
		"vector":       vec,
		"limit":        limit,
		"with_payload": true,
	}
	if must := buildFilter(filter); len(must) > 0 {
		body["filter"] = map[string]interface{}{"must": must}
	}

	var raw []searchHit
	if err := c.do(ctx, http.MethodPost, "/collections/"+c.collection+"/points/search", body, &raw); err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(raw))
	for _, r := range raw {
		hits = append(hits, hitFromPayload(r))
	}
	return hits, nil
}

func buildFilter(f SearchFilter) []map[string]interface{} {
	var must []map[string]interface{}
	add := func(key, value string) {
		must = append(must, map[string]interface{}{
			"key":   key,
			"match": map[string]interface{}{"value": value},
		})
	}
	if f.Project != "" {
		add("project", f.Project)
	}
	if f.Type != "" {
		add("type", string(f.Type))
	}
	if f.Language != "" {
		add("language", f.Language)
	}
	return must
}

func hitFromPayload(r searchHit) Hit {
	h := Hit{
		ID:    strings.Trim(string(r.ID), `"`),
		Score: r.Score,
	}
	if v, ok := r.Payload["content"].(string); ok {
		h.Content = v
	}
	if v, ok := r.Payload["source"].(string); ok {
		h.Source = v
	}
	if v, ok := r.Payload["type"].(string); ok {
		h.Type = model.ContentType(v)
	}
	if v, ok := r.Payload["language"].(string); ok {
		h.Language = v
	}
	if v, ok := r.Payload["start_line"].(float64); ok {
		h.StartLine = int(v)
	}
	if v, ok := r.Payload["end_line"].(float64); ok {
		h.EndLine = int(v)
	}
	return h
}
