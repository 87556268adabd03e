package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"codectx/internal/core"
	"codectx/internal/model"
	"codectx/internal/vector"
)

var tracer = otel.Tracer("codectx/orchestrator")

// Dependency names used for breaker gating.
const (
	depVector = "vector"
	depGraph  = "graph"
)

// cachedResult is what the short-TTL response cache stores.
type cachedResult struct {
	response model.QueryResponse
}

// execute runs retrieval, optional synthesis, and persistence, and always
// returns a fixed-shape query response.
func (o *Orchestrator) execute(ctx context.Context, queryID string, req Request, cls model.Classification, submitted time.Time, rounds int) *model.QueryResponse {
	cacheKey := req.Project + "\x00" + req.Query + "\x00" + string(req.SynthesisMode)
	if o.cfg.CacheTTL > 0 {
		if v, ok := o.cache.Get(cacheKey); ok {
			cached := v.(cachedResult).response
			cached.RequestID = queryID
			cached.Meta.CacheHit = true
			cached.Meta.ConversationRounds = rounds
			if cached.Answer != nil {
				answer := *cached.Answer
				if cfg, err := o.readTuning(ctx, req.Project); err == nil {
					answer.Confidence = clamp01(answer.Confidence + cfg.StalenessPenalty)
				}
				cached.Answer = &answer
			}
			o.persistRecord(ctx, o.record(queryID, req, cls, &cached, submitted, true))
			return &cached
		}
	}

	ctx, span := tracer.Start(ctx, "query.execute")
	span.SetAttributes(
		attribute.String("query.id", queryID),
		attribute.String("query.project", req.Project),
	)
	defer span.End()

	matches, rels, latencies, warnings := o.retrieve(ctx, req)

	resp := &model.QueryResponse{
		RequestID: queryID,
		Results: model.QueryResults{
			Semantic:   model.SemanticResults{Matches: matches},
			Structural: model.StructuralResults{Relationships: rels},
		},
		Meta: model.ResponseMeta{
			BackendLatencies:   latencies,
			ConversationRounds: rounds,
		},
		Warnings: warnings,
	}

	semanticFailed := containsWarning(warnings, model.WarnSemanticUnavailable)
	structuralFailed := containsWarning(warnings, model.WarnStructuralUnavailable)
	switch {
	case semanticFailed && structuralFailed:
		resp.Status = model.StatusUnavailable
		resp.Message = "Both retrieval backends are currently unavailable. Please retry shortly."
	case len(matches) == 0 && len(rels) == 0 && req.SynthesisMode == model.SynthesisSynthesized:
		// No evidence to synthesize from, even though the backends answered.
		resp.Status = model.StatusUnavailable
	case semanticFailed || structuralFailed:
		resp.Status = model.StatusPartial
	default:
		resp.Status = model.StatusSuccess
	}

	if req.SynthesisMode == model.SynthesisSynthesized {
		o.synthesize(ctx, req, resp, matches, rels, &latencies)
		resp.Meta.BackendLatencies = latencies
	}

	if resp.Status == model.StatusUnavailable && resp.Answer != nil {
		// No evidence at all: surface the designated fallback answer.
		resp.Answer.Confidence = 0
		resp.Answer.Citations = []model.Citation{}
	}

	o.persistRecord(ctx, o.record(queryID, req, cls, resp, submitted, false))

	if o.cfg.CacheTTL > 0 && resp.Status == model.StatusSuccess {
		o.cache.Set(cacheKey, cachedResult{response: *resp}, o.cfg.CacheTTL)
	}
	return resp
}

// retrieve fans out to the vector and graph backends with independent
// deadlines, each gated by its circuit breaker. Failures degrade to warnings
// rather than aborting the response.
func (o *Orchestrator) retrieve(ctx context.Context, req Request) ([]model.SemanticMatch, []model.Relationship, model.BackendLatencies, []string) {
	ctx, span := tracer.Start(ctx, "query.retrieve")
	defer span.End()

	var (
		matches   []model.SemanticMatch
		rels      []model.Relationship
		latencies model.BackendLatencies
	)
	warningsCh := make(chan string, 8)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vb := o.breakers.Get(depVector)
		if err := vb.Allow(); err != nil {
			warningsCh <- model.WarnSemanticUnavailable
			return nil
		}

		vctx, cancel := context.WithTimeout(gctx, o.cfg.VectorTimeout)
		defer cancel()

		vec, chainWarnings, err := o.embedder.EmbedWithWarnings(vctx, req.Query)
		for _, w := range chainWarnings {
			warningsCh <- w
		}
		if err != nil {
			vb.RecordFailure()
			warningsCh <- model.WarnSemanticUnavailable
			o.logger.Warn("Semantic retrieval degraded", map[string]interface{}{
				"stage": "embedding",
				"error": err.Error(),
			})
			return nil
		}

		start := time.Now()
		found, err := o.vectorStore.Retrieve(vctx, vec, vector.SearchFilter{Project: req.Project})
		elapsed := time.Since(start).Milliseconds()
		if err != nil {
			vb.RecordFailure()
			warningsCh <- model.WarnSemanticUnavailable
			o.logger.Warn("Semantic retrieval degraded", map[string]interface{}{
				"stage": "search",
				"error": err.Error(),
			})
			return nil
		}
		vb.RecordSuccess()
		matches = found
		latencies.Vector = &elapsed
		return nil
	})

	g.Go(func() error {
		gb := o.breakers.Get(depGraph)
		if err := gb.Allow(); err != nil {
			warningsCh <- model.WarnStructuralUnavailable
			return nil
		}

		gtx, cancel := context.WithTimeout(gctx, o.cfg.GraphTimeout)
		defer cancel()

		start := time.Now()
		found, err := o.graphStore.Retrieve(gtx, req.Query, req.Project, nil)
		elapsed := time.Since(start).Milliseconds()
		if err != nil {
			gb.RecordFailure()
			warningsCh <- model.WarnStructuralUnavailable
			o.logger.Warn("Structural retrieval degraded", map[string]interface{}{
				"error": err.Error(),
			})
			return nil
		}
		gb.RecordSuccess()
		rels = found
		latencies.Graph = &elapsed
		return nil
	})

	_ = g.Wait()
	close(warningsCh)

	var warnings []string
	seen := map[string]bool{}
	for w := range warningsCh {
		if !seen[w] {
			seen[w] = true
			warnings = append(warnings, w)
		}
	}
	if matches == nil {
		matches = []model.SemanticMatch{}
	}
	if rels == nil {
		rels = []model.Relationship{}
	}
	return matches, rels, latencies, warnings
}

// synthesize attaches the answer and insights, applying the per-project
// tuning deltas to the final confidence.
func (o *Orchestrator) synthesize(ctx context.Context, req Request, resp *model.QueryResponse, matches []model.SemanticMatch, rels []model.Relationship, latencies *model.BackendLatencies) {
	ctx, span := tracer.Start(ctx, "query.synthesize")
	defer span.End()

	start := time.Now()
	answer, insights, warnings, err := o.synthesizer.Synthesize(ctx, req.Query, matches, rels, o.cfg.Synthesis)
	elapsed := time.Since(start).Milliseconds()

	resp.Warnings = mergeWarnings(resp.Warnings, warnings)
	if err != nil {
		o.logger.Warn("Synthesis unavailable; returning evidence only", map[string]interface{}{
			"request_id": resp.RequestID,
			"error":      err.Error(),
		})
		if resp.Status == model.StatusSuccess {
			resp.Status = model.StatusPartial
		}
		resp.Warnings = mergeWarnings(resp.Warnings, []string{"synthesis_unavailable"})
		return
	}

	if len(matches) > 0 || len(rels) > 0 {
		latencies.Synthesis = &elapsed
	}
	answer.Confidence = o.tunedConfidence(ctx, req.Project, answer.Confidence, len(rels))
	resp.Answer = answer
	resp.Insights = insights
}

// tunedConfidence applies the current tuning deltas: orphan when no
// structural evidence, connectivity when present. The staleness delta is
// applied separately on cache hits.
func (o *Orchestrator) tunedConfidence(ctx context.Context, project string, base float64, structuralCount int) float64 {
	cfg, err := o.readTuning(ctx, project)
	if err != nil {
		return clamp01(base)
	}

	adjusted := base
	if structuralCount == 0 {
		adjusted += cfg.OrphanPenalty
	} else {
		adjusted += cfg.ConnectivityBonus
	}
	return clamp01(adjusted)
}

func (o *Orchestrator) readTuning(ctx context.Context, project string) (model.TuningConfig, error) {
	if o.tuning == nil {
		return model.TuningConfig{}, core.ErrMissingConfiguration
	}
	cfg, err := o.tuning.GetTuning(ctx, project)
	if err != nil {
		o.logger.Debug("Tuning configuration unavailable", map[string]interface{}{
			"project": project,
			"error":   err.Error(),
		})
		return model.TuningConfig{}, err
	}
	return cfg, nil
}

func (o *Orchestrator) record(queryID string, req Request, cls model.Classification, resp *model.QueryResponse, submitted time.Time, cacheHit bool) model.QueryRecord {
	rec := model.QueryRecord{
		ID:              queryID,
		Project:         req.Project,
		Query:           req.Query,
		Classification:  cls,
		Status:          resp.Status,
		SubmittedAt:     submitted,
		CompletedAt:     time.Now().UTC(),
		Latencies:       resp.Meta.BackendLatencies,
		SemanticCount:   len(resp.Results.Semantic.Matches),
		StructuralCount: len(resp.Results.Structural.Relationships),
		CacheHit:        cacheHit,
	}
	if resp.Answer != nil {
		rec.Confidence = resp.Answer.Confidence
	}
	return rec
}

// persistRecord writes the query record; persistence failure is logged, not
// surfaced, so a telemetry outage never breaks query serving.
func (o *Orchestrator) persistRecord(ctx context.Context, rec model.QueryRecord) {
	if o.records == nil {
		return
	}
	if err := o.records.RecordQuery(ctx, rec); err != nil {
		o.logger.Error("Failed to persist query record", map[string]interface{}{
			"query_id": rec.ID,
			"error":    err.Error(),
		})
	}
}

func containsWarning(warnings []string, w string) bool {
	for _, x := range warnings {
		if x == w {
			return true
		}
	}
	return false
}

func mergeWarnings(existing, extra []string) []string {
	for _, w := range extra {
		if !containsWarning(existing, w) {
			existing = append(existing, w)
		}
	}
	return existing
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
