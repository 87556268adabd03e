// Package feedback persists per-query telemetry records and user feedback,
// and exposes the aggregate metrics the tuner and operators consume.
package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"codectx/internal/core"
	"codectx/internal/graph"
	"codectx/internal/model"
)

// Records is the persistence contract, satisfied by the graph record store.
type Records interface {
	InsertQuery(ctx context.Context, rec model.QueryRecord) error
	AttachFeedback(ctx context.Context, fb model.Feedback) error
	QueriesInWindow(ctx context.Context, project string, since time.Time) ([]graph.QueryWithFeedback, error)
}

// Stats aggregates feedback over a window.
type Stats struct {
	Queries       int     `json:"queries"`
	WithFeedback  int     `json:"with_feedback"`
	Useful        int     `json:"useful"`
	NotUseful     int     `json:"not_useful"`
	Partial       int     `json:"partial"`
	UsefulnessAvg float64 `json:"usefulness_avg"`
}

// Store wraps the record store with validation and metrics.
type Store struct {
	records Records
	logger  core.Logger

	queriesTotal  *prometheus.CounterVec
	feedbackTotal *prometheus.CounterVec
	queryLatency  *prometheus.HistogramVec
	confidence    prometheus.Histogram
}

// NewStore creates a store and registers its metrics with reg.
func NewStore(records Records, reg prometheus.Registerer, logger core.Logger) *Store {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &Store{
		records: records,
		logger:  logger,
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codectx_queries_total",
			Help: "Completed queries by terminal status.",
		}, []string{"status"}),
		feedbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codectx_feedback_total",
			Help: "Feedback submissions by rating.",
		}, []string{"rating"}),
		queryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codectx_query_duration_seconds",
			Help:    "End-to-end query latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "codectx_answer_confidence",
			Help:    "Confidence of synthesized answers.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
	}
	if reg != nil {
		reg.MustRegister(s.queriesTotal, s.feedbackTotal, s.queryLatency, s.confidence)
	}
	return s
}

// RecordQuery persists the terminal record for one query and updates the
// counters. Exactly one record exists per completed or failed query.
func (s *Store) RecordQuery(ctx context.Context, rec model.QueryRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("query record missing id: %w", core.ErrValidation)
	}
	if err := s.records.InsertQuery(ctx, rec); err != nil {
		return err
	}
	s.queriesTotal.WithLabelValues(string(rec.Status)).Inc()
	s.queryLatency.WithLabelValues(string(rec.Status)).
		Observe(rec.CompletedAt.Sub(rec.SubmittedAt).Seconds())
	if rec.Status == model.StatusSuccess || rec.Status == model.StatusPartial {
		s.confidence.Observe(rec.Confidence)
	}
	return nil
}

// SubmitFeedback attaches feedback to a query. A second submission for the
// same query returns ErrConflict; an unknown query id returns ErrNotFound.
func (s *Store) SubmitFeedback(ctx context.Context, queryID string, rating model.FeedbackRating, comment string) error {
	switch rating {
	case model.RatingUseful, model.RatingNotUseful, model.RatingPartial:
	default:
		return fmt.Errorf("rating %q: %w", rating, core.ErrValidation)
	}

	fb := model.Feedback{
		QueryID:   queryID,
		Rating:    rating,
		Comment:   comment,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.records.AttachFeedback(ctx, fb); err != nil {
		return err
	}
	s.feedbackTotal.WithLabelValues(string(rating)).Inc()
	s.logger.Info("Feedback recorded", map[string]interface{}{
		"query_id": queryID,
		"rating":   string(rating),
	})
	return nil
}

// WindowStats aggregates feedback for project since the given time.
func (s *Store) WindowStats(ctx context.Context, project string, since time.Time) (Stats, error) {
	records, err := s.records.QueriesInWindow(ctx, project, since)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	var usefulnessSum float64
	stats.Queries = len(records)
	for _, r := range records {
		if r.Feedback == nil {
			continue
		}
		stats.WithFeedback++
		usefulnessSum += r.Feedback.Usefulness()
		switch r.Feedback.Rating {
		case model.RatingUseful:
			stats.Useful++
		case model.RatingNotUseful:
			stats.NotUseful++
		case model.RatingPartial:
			stats.Partial++
		}
	}
	if stats.WithFeedback > 0 {
		stats.UsefulnessAvg = usefulnessSum / float64(stats.WithFeedback)
	}
	return stats, nil
}
