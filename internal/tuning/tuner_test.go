package tuning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codectx/internal/graph"
	"codectx/internal/model"
)

type fakeSource struct {
	records []graph.QueryWithFeedback
	tuning  model.TuningConfig
	saved   *model.TuningConfig
}

func (f *fakeSource) QueriesInWindow(ctx context.Context, project string, since time.Time) ([]graph.QueryWithFeedback, error) {
	return f.records, nil
}

func (f *fakeSource) GetTuning(ctx context.Context, project string) (model.TuningConfig, error) {
	return f.tuning, nil
}

func (f *fakeSource) SaveTuning(ctx context.Context, cfg model.TuningConfig) error {
	f.saved = &cfg
	return nil
}

// sampleSet builds n records where structural evidence perfectly predicts a
// useful rating.
func sampleSet(n int) []graph.QueryWithFeedback {
	out := make([]graph.QueryWithFeedback, n)
	for i := range out {
		rating := model.RatingNotUseful
		structural := 0
		if i%2 == 0 {
			rating = model.RatingUseful
			structural = 5
		}
		out[i] = graph.QueryWithFeedback{
			Record:   model.QueryRecord{ID: "q", StructuralCount: structural},
			Feedback: &model.Feedback{QueryID: "q", Rating: rating},
		}
	}
	return out
}

func testTunerConfig() Config {
	return Config{WindowDays: 7, MinSamples: 4, MaxStep: 0.1, LearningRate: 0.5, DeltaBound: 0.25}
}

func TestRunAbstainsBelowMinSamples(t *testing.T) {
	src := &fakeSource{records: sampleSet(3)}
	tuner := NewTuner(src, testTunerConfig(), nil)

	result, err := tuner.Run(context.Background(), "gateway", false)
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, 3, result.Samples)
	assert.Nil(t, src.saved, "no mutation below min samples")
}

func TestRunIgnoresRecordsWithoutFeedback(t *testing.T) {
	records := sampleSet(3)
	records = append(records, graph.QueryWithFeedback{Record: model.QueryRecord{ID: "nofb"}})
	src := &fakeSource{records: records}
	tuner := NewTuner(src, testTunerConfig(), nil)

	result, err := tuner.Run(context.Background(), "gateway", false)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Samples)
	assert.False(t, result.Applied)
}

func TestRunProposesBoundedDeltas(t *testing.T) {
	src := &fakeSource{records: sampleSet(20)}
	tuner := NewTuner(src, testTunerConfig(), nil)

	result, err := tuner.Run(context.Background(), "gateway", false)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	require.NotNil(t, src.saved)

	// Structural evidence predicts usefulness, so the bonus steps up by the
	// capped amount: min(|r|, 0.1) * 0.5.
	assert.InDelta(t, 0.05, src.saved.ConnectivityBonus, 1e-9)
	// Orphan results predict not-useful: negative delta.
	assert.InDelta(t, -0.05, src.saved.OrphanPenalty, 1e-9)
	assert.Equal(t, 1, src.saved.TuningCount)
	assert.False(t, src.saved.LastTuned.IsZero())
}

func TestRunReplacesPriorConfiguration(t *testing.T) {
	src := &fakeSource{
		records: sampleSet(20),
		tuning:  model.TuningConfig{Project: "gateway", ConnectivityBonus: 0.2, TuningCount: 4},
	}
	tuner := NewTuner(src, testTunerConfig(), nil)

	_, err := tuner.Run(context.Background(), "gateway", false)
	require.NoError(t, err)
	require.NotNil(t, src.saved)
	assert.InDelta(t, 0.05, src.saved.ConnectivityBonus, 1e-9, "deltas replace, not accumulate")
	assert.Equal(t, 5, src.saved.TuningCount)
}

func TestDryRunDoesNotPersist(t *testing.T) {
	src := &fakeSource{records: sampleSet(20)}
	tuner := NewTuner(src, testTunerConfig(), nil)

	result, err := tuner.Run(context.Background(), "gateway", true)
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.NotZero(t, result.Proposed.ConnectivityBonus)
	assert.Nil(t, src.saved)
}

func TestPearson(t *testing.T) {
	assert.InDelta(t, 1.0, Pearson([]float64{1, 2, 3}, []float64{2, 4, 6}), 1e-9)
	assert.InDelta(t, -1.0, Pearson([]float64{1, 2, 3}, []float64{6, 4, 2}), 1e-9)
	assert.Equal(t, 0.0, Pearson([]float64{1, 1, 1}, []float64{1, 2, 3}), "constant series")
	assert.Equal(t, 0.0, Pearson([]float64{1, 2}, []float64{1}), "mismatched lengths")
	assert.Equal(t, 0.0, Pearson(nil, nil))
}

func TestDeltaClipping(t *testing.T) {
	cfg := testTunerConfig()
	cfg.MaxStep = 1
	cfg.LearningRate = 1
	cfg.DeltaBound = 0.25
	tuner := NewTuner(&fakeSource{records: sampleSet(20)}, cfg, nil)

	result, err := tuner.Run(context.Background(), "gateway", true)
	require.NoError(t, err)
	assert.LessOrEqual(t, result.Proposed.ConnectivityBonus, 0.25)
	assert.GreaterOrEqual(t, result.Proposed.OrphanPenalty, -0.25)
}
