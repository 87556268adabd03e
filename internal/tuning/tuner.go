// Package tuning closes the feedback loop: it correlates retrieval features
// of past queries with user feedback and turns the correlations into bounded
// deltas on the per-project scoring weights.
package tuning

import (
	"context"
	"fmt"
	"math"
	"time"

	"codectx/internal/core"
	"codectx/internal/graph"
	"codectx/internal/model"
)

// Source is the record-store contract the tuner reads from and writes to.
type Source interface {
	QueriesInWindow(ctx context.Context, project string, since time.Time) ([]graph.QueryWithFeedback, error)
	GetTuning(ctx context.Context, project string) (model.TuningConfig, error)
	SaveTuning(ctx context.Context, cfg model.TuningConfig) error
}

// Config bounds a tuning run.
type Config struct {
	WindowDays   int
	MinSamples   int
	MaxStep      float64
	LearningRate float64
	DeltaBound   float64
}

// DefaultConfig returns the standard tuner guardrails.
func DefaultConfig() Config {
	return Config{
		WindowDays:   7,
		MinSamples:   20,
		MaxStep:      0.1,
		LearningRate: 0.5,
		DeltaBound:   0.25,
	}
}

// Result is the outcome of one tuning run.
type Result struct {
	Proposed model.TuningConfig
	Applied  bool
	Samples  int
	// Correlations per weight, for observability.
	Correlations map[string]float64
}

// Tuner computes and persists scoring-weight deltas.
type Tuner struct {
	source Source
	cfg    Config
	logger core.Logger
	now    func() time.Time
}

// NewTuner creates a tuner over the record store.
func NewTuner(source Source, cfg Config, logger core.Logger) *Tuner {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 7
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 20
	}
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = 0.1
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.5
	}
	if cfg.DeltaBound <= 0 {
		cfg.DeltaBound = 0.25
	}
	return &Tuner{source: source, cfg: cfg, logger: logger, now: time.Now}
}

// SetGuardrails replaces the step and bound limits at runtime.
func (t *Tuner) SetGuardrails(maxStep, deltaBound float64, minSamples int) {
	if maxStep > 0 {
		t.cfg.MaxStep = maxStep
	}
	if deltaBound > 0 {
		t.cfg.DeltaBound = deltaBound
	}
	if minSamples > 0 {
		t.cfg.MinSamples = minSamples
	}
}

// Run executes one tuning pass for project. With dryRun the proposal is
// returned without persisting. Fewer than MinSamples feedback records in the
// window abstains: no mutation, Applied=false.
func (t *Tuner) Run(ctx context.Context, project string, dryRun bool) (*Result, error) {
	since := t.now().Add(-time.Duration(t.cfg.WindowDays) * 24 * time.Hour)
	records, err := t.source.QueriesInWindow(ctx, project, since)
	if err != nil {
		return nil, fmt.Errorf("tuning: %w", err)
	}

	var samples []graph.QueryWithFeedback
	for _, r := range records {
		if r.Feedback != nil {
			samples = append(samples, r)
		}
	}

	result := &Result{Samples: len(samples), Correlations: map[string]float64{}}
	if len(samples) < t.cfg.MinSamples {
		t.logger.Info("Tuning abstained: insufficient samples", map[string]interface{}{
			"project":     project,
			"samples":     len(samples),
			"min_samples": t.cfg.MinSamples,
		})
		return result, nil
	}

	usefulness := make([]float64, len(samples))
	staleness := make([]float64, len(samples))
	orphan := make([]float64, len(samples))
	connectivity := make([]float64, len(samples))
	for i, s := range samples {
		usefulness[i] = s.Feedback.Usefulness()
		if s.Record.CacheHit {
			staleness[i] = 1
		}
		if s.Record.StructuralCount == 0 {
			orphan[i] = 1
		}
		connectivity[i] = float64(s.Record.StructuralCount)
	}

	rStale := Pearson(staleness, usefulness)
	rOrphan := Pearson(orphan, usefulness)
	rConn := Pearson(connectivity, usefulness)
	result.Correlations["staleness_penalty"] = rStale
	result.Correlations["orphan_penalty"] = rOrphan
	result.Correlations["connectivity_bonus"] = rConn

	prior, err := t.source.GetTuning(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("tuning: %w", err)
	}

	proposed := model.TuningConfig{
		Project:           project,
		StalenessPenalty:  t.clip(t.delta(rStale)),
		OrphanPenalty:     t.clip(t.delta(rOrphan)),
		ConnectivityBonus: t.clip(t.delta(rConn)),
		LastTuned:         t.now().UTC(),
		TuningCount:       prior.TuningCount + 1,
	}
	result.Proposed = proposed

	if dryRun {
		return result, nil
	}
	if err := t.source.SaveTuning(ctx, proposed); err != nil {
		return nil, fmt.Errorf("tuning: %w", err)
	}
	result.Applied = true
	t.logger.Info("Tuning applied", map[string]interface{}{
		"project":            project,
		"samples":            len(samples),
		"staleness_penalty":  proposed.StalenessPenalty,
		"orphan_penalty":     proposed.OrphanPenalty,
		"connectivity_bonus": proposed.ConnectivityBonus,
	})
	return result, nil
}

// delta converts a correlation into a bounded step.
func (t *Tuner) delta(r float64) float64 {
	step := math.Min(math.Abs(r), t.cfg.MaxStep) * t.cfg.LearningRate
	if r < 0 {
		return -step
	}
	return step
}

func (t *Tuner) clip(d float64) float64 {
	if d > t.cfg.DeltaBound {
		return t.cfg.DeltaBound
	}
	if d < -t.cfg.DeltaBound {
		return -t.cfg.DeltaBound
	}
	return d
}

// Pearson computes the sample correlation coefficient. Degenerate inputs
// (mismatched or constant series) return 0.
func Pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n == 0 || n != len(ys) {
		return 0
	}
	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}
