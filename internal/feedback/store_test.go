package feedback

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codectx/internal/core"
	"codectx/internal/graph"
	"codectx/internal/model"
)

type fakeRecords struct {
	queries  map[string]model.QueryRecord
	feedback map[string]model.Feedback
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		queries:  map[string]model.QueryRecord{},
		feedback: map[string]model.Feedback{},
	}
}

func (f *fakeRecords) InsertQuery(ctx context.Context, rec model.QueryRecord) error {
	f.queries[rec.ID] = rec
	return nil
}

func (f *fakeRecords) AttachFeedback(ctx context.Context, fb model.Feedback) error {
	if _, ok := f.queries[fb.QueryID]; !ok {
		return fmt.Errorf("query %s: %w", fb.QueryID, core.ErrNotFound)
	}
	if _, ok := f.feedback[fb.QueryID]; ok {
		return fmt.Errorf("query %s: %w", fb.QueryID, core.ErrConflict)
	}
	f.feedback[fb.QueryID] = fb
	return nil
}

func (f *fakeRecords) QueriesInWindow(ctx context.Context, project string, since time.Time) ([]graph.QueryWithFeedback, error) {
	var out []graph.QueryWithFeedback
	for id, q := range f.queries {
		qf := graph.QueryWithFeedback{Record: q}
		if fb, ok := f.feedback[id]; ok {
			fbCopy := fb
			qf.Feedback = &fbCopy
		}
		out = append(out, qf)
	}
	return out, nil
}

func record(id string, status model.QueryStatus) model.QueryRecord {
	now := time.Now()
	return model.QueryRecord{
		ID:          id,
		Project:     "gateway",
		Status:      status,
		SubmittedAt: now.Add(-100 * time.Millisecond),
		CompletedAt: now,
		Confidence:  0.8,
	}
}

func TestRecordQueryValidatesID(t *testing.T) {
	s := NewStore(newFakeRecords(), prometheus.NewRegistry(), nil)
	err := s.RecordQuery(context.Background(), model.QueryRecord{})
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

func TestFeedbackRoundTrip(t *testing.T) {
	records := newFakeRecords()
	s := NewStore(records, prometheus.NewRegistry(), nil)

	require.NoError(t, s.RecordQuery(context.Background(), record("qry-1", model.StatusSuccess)))
	require.NoError(t, s.SubmitFeedback(context.Background(), "qry-1", model.RatingUseful, "nice"))

	err := s.SubmitFeedback(context.Background(), "qry-1", model.RatingUseful, "again")
	require.Error(t, err)
	assert.True(t, core.IsConflict(err), "second submission conflicts")
}

func TestFeedbackUnknownQuery(t *testing.T) {
	s := NewStore(newFakeRecords(), prometheus.NewRegistry(), nil)
	err := s.SubmitFeedback(context.Background(), "qry-missing", model.RatingUseful, "")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestFeedbackValidatesRating(t *testing.T) {
	s := NewStore(newFakeRecords(), prometheus.NewRegistry(), nil)
	err := s.SubmitFeedback(context.Background(), "qry-1", "amazing", "")
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

func TestWindowStats(t *testing.T) {
	records := newFakeRecords()
	s := NewStore(records, prometheus.NewRegistry(), nil)
	ctx := context.Background()

	for i, rating := range []model.FeedbackRating{model.RatingUseful, model.RatingNotUseful, model.RatingPartial} {
		id := fmt.Sprintf("qry-%d", i)
		require.NoError(t, s.RecordQuery(ctx, record(id, model.StatusSuccess)))
		require.NoError(t, s.SubmitFeedback(ctx, id, rating, ""))
	}
	require.NoError(t, s.RecordQuery(ctx, record("qry-nofb", model.StatusPartial)))

	stats, err := s.WindowStats(ctx, "gateway", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Queries)
	assert.Equal(t, 3, stats.WithFeedback)
	assert.Equal(t, 1, stats.Useful)
	assert.Equal(t, 1, stats.NotUseful)
	assert.Equal(t, 1, stats.Partial)
	assert.InDelta(t, 0.5, stats.UsefulnessAvg, 1e-9)
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewStore(newFakeRecords(), reg, nil)
	require.NoError(t, s.RecordQuery(context.Background(), record("qry-1", model.StatusSuccess)))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["codectx_queries_total"])
	assert.True(t, names["codectx_query_duration_seconds"])
}
