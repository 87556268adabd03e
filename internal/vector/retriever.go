package vector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"codectx/internal/core"
	"codectx/internal/model"
)

// ScoreMetric says whether the store reports similarity or distance.
type ScoreMetric string

const (
	MetricSimilarity ScoreMetric = "similarity"
	MetricDistance   ScoreMetric = "distance"
)

// Retriever turns raw store hits into ranked, normalized semantic matches.
type Retriever struct {
	store  Store
	metric ScoreMetric
	topK   int
	logger core.Logger
}

// NewRetriever creates a retriever over store. topK bounds the result count.
func NewRetriever(store Store, metric ScoreMetric, topK int, logger core.Logger) *Retriever {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if metric == "" {
		metric = MetricSimilarity
	}
	return &Retriever{store: store, metric: metric, topK: topK, logger: logger}
}

// Retrieve searches the store and returns at most topK normalized matches,
// ordered by score descending with deterministic tie-breaking by source path
// then start line.
func (r *Retriever) Retrieve(ctx context.Context, vec []float32, filter SearchFilter) ([]model.SemanticMatch, error) {
	start := time.Now()
	hits, err := r.store.Search(ctx, vec, r.topK, filter)
	if err != nil {
		r.logger.Warn("Semantic search failed", map[string]interface{}{
			"operation":   "vector_search",
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	matches := make([]model.SemanticMatch, 0, len(hits))
	for _, h := range hits {
		matches = append(matches, model.SemanticMatch{
			ID:        h.ID,
			Score:     r.normalize(h.Score),
			Content:   h.Content,
			Source:    h.Source,
			StartLine: h.StartLine,
			EndLine:   h.EndLine,
			Type:      h.Type,
			Language:  h.Language,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Source != matches[j].Source {
			return matches[i].Source < matches[j].Source
		}
		return matches[i].StartLine < matches[j].StartLine
	})

	if len(matches) > r.topK {
		matches = matches[:r.topK]
	}
	for i := range matches {
		matches[i].Rank = i + 1
	}

	r.logger.Debug("Semantic search completed", map[string]interface{}{
		"operation":   "vector_search",
		"matches":     len(matches),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return matches, nil
}

// normalize maps a raw store score into [0,1]. Cosine similarity passes
// through clamped; distance metrics invert as 1-d before clamping.
func (r *Retriever) normalize(score float64) float64 {
	if r.metric == MetricDistance {
		score = 1 - score
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
