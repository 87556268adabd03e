package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"codectx/internal/core"
	"codectx/internal/model"
)

// QueryWithFeedback pairs a persisted query record with its feedback, if any.
type QueryWithFeedback struct {
	Record   model.QueryRecord
	Feedback *model.Feedback
}

// RecordStore persists the three gateway-owned node types in the graph
// store: Query, Feedback, and TuningConfig. The gateway is their only writer.
type RecordStore struct {
	store  *Neo4jStore
	logger core.Logger
}

// NewRecordStore creates a record store over an open graph connection.
func NewRecordStore(store *Neo4jStore, logger core.Logger) *RecordStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RecordStore{store: store, logger: logger}
}

// InsertQuery writes the terminal record for one query. MERGE keeps the
// write idempotent for a given query id.
func (r *RecordStore) InsertQuery(ctx context.Context, rec model.QueryRecord) error {
	session := r.store.writeSession(ctx)
	defer func() {
		_ = session.Close(ctx)
	}()

	query := `
		MERGE (q:Query {id: $id})
		SET q.project = $project,
		    q.text = $text,
		    q.intent = $intent,
		    q.clarity = $clarity,
		    q.status = $status,
		    q.submitted_at = $submitted_at,
		    q.completed_at = $completed_at,
		    q.semantic_count = $semantic_count,
		    q.structural_count = $structural_count,
		    q.confidence = $confidence,
		    q.cache_hit = $cache_hit`

	_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, map[string]any{
			"id":               rec.ID,
			"project":          rec.Project,
			"text":             rec.Query,
			"intent":           string(rec.Classification.Intent),
			"clarity":          string(rec.Classification.Clarity),
			"status":           string(rec.Status),
			"submitted_at":     rec.SubmittedAt.UTC().Format(time.RFC3339Nano),
			"completed_at":     rec.CompletedAt.UTC().Format(time.RFC3339Nano),
			"semantic_count":   rec.SemanticCount,
			"structural_count": rec.StructuralCount,
			"confidence":       rec.Confidence,
			"cache_hit":        rec.CacheHit,
		})
	})
	if err != nil {
		return fmt.Errorf("persisting query record: %v: %w", err, core.ErrUnavailable)
	}
	return nil
}

// AttachFeedback links feedback to an existing query. Returns ErrNotFound if
// the query id is unknown and ErrConflict if feedback is already attached.
func (r *RecordStore) AttachFeedback(ctx context.Context, fb model.Feedback) error {
	session := r.store.writeSession(ctx)
	defer func() {
		_ = session.Close(ctx)
	}()

	_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (q:Query {id: $id})
			OPTIONAL MATCH (q)-[:HAS_FEEDBACK]->(f:Feedback)
			RETURN q.id AS id, f IS NOT NULL AS has_feedback`,
			map[string]any{"id": fb.QueryID})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, core.ErrNotFound
		}
		if has, ok := rec.Get("has_feedback"); ok {
			if b, isBool := has.(bool); isBool && b {
				return nil, core.ErrConflict
			}
		}

		_, err = tx.Run(ctx, `
			MATCH (q:Query {id: $id})
			CREATE (q)-[:HAS_FEEDBACK]->(:Feedback {
				rating: $rating,
				comment: $comment,
				created_at: $created_at
			})`,
			map[string]any{
				"id":         fb.QueryID,
				"rating":     string(fb.Rating),
				"comment":    fb.Comment,
				"created_at": fb.CreatedAt.UTC().Format(time.RFC3339Nano),
			})
		return nil, err
	})
	if err != nil {
		if core.IsNotFound(err) || core.IsConflict(err) {
			return err
		}
		return fmt.Errorf("attaching feedback: %v: %w", err, core.ErrUnavailable)
	}
	return nil
}

// QueriesInWindow returns query records completed after since, with any
// attached feedback, optionally filtered by project.
func (r *RecordStore) QueriesInWindow(ctx context.Context, project string, since time.Time) ([]QueryWithFeedback, error) {
	session := r.store.readSession(ctx)
	defer func() {
		_ = session.Close(ctx)
	}()

	query := `
		MATCH (q:Query)
		WHERE q.completed_at >= $since
		  AND ($project = '' OR q.project = $project)
		OPTIONAL MATCH (q)-[:HAS_FEEDBACK]->(f:Feedback)
		RETURN q.id AS id, q.project AS project, q.status AS status,
		       q.confidence AS confidence, q.completed_at AS completed_at,
		       q.semantic_count AS semantic_count,
		       q.structural_count AS structural_count,
		       f.rating AS rating, f.created_at AS feedback_at
		ORDER BY q.completed_at`

	result, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]QueryWithFeedback, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"since":   since.UTC().Format(time.RFC3339Nano),
			"project": project,
		})
		if err != nil {
			return nil, err
		}
		var out []QueryWithFeedback
		for res.Next(ctx) {
			rec := res.Record()
			qf := QueryWithFeedback{Record: model.QueryRecord{
				ID:      stringValue(rec, "id"),
				Project: stringValue(rec, "project"),
				Status:  model.QueryStatus(stringValue(rec, "status")),
			}}
			if v, ok := rec.Get("confidence"); ok {
				if f, isFloat := v.(float64); isFloat {
					qf.Record.Confidence = f
				}
			}
			if v, ok := rec.Get("completed_at"); ok {
				qf.Record.CompletedAt = timeValue(v)
			}
			if v, ok := rec.Get("semantic_count"); ok {
				if i, isInt := v.(int64); isInt {
					qf.Record.SemanticCount = int(i)
				}
			}
			if v, ok := rec.Get("structural_count"); ok {
				if i, isInt := v.(int64); isInt {
					qf.Record.StructuralCount = int(i)
				}
			}
			if rating := stringValue(rec, "rating"); rating != "" {
				fb := &model.Feedback{
					QueryID: qf.Record.ID,
					Rating:  model.FeedbackRating(rating),
				}
				if v, ok := rec.Get("feedback_at"); ok {
					fb.CreatedAt = timeValue(v)
				}
				qf.Feedback = fb
			}
			out = append(out, qf)
		}
		return out, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("reading query window: %v: %w", err, core.ErrUnavailable)
	}
	return result, nil
}

// GetTuning reads the per-project tuning configuration. A project with no
// prior tuning returns the zero configuration without error.
func (r *RecordStore) GetTuning(ctx context.Context, project string) (model.TuningConfig, error) {
	session := r.store.readSession(ctx)
	defer func() {
		_ = session.Close(ctx)
	}()

	result, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) (model.TuningConfig, error) {
		res, err := tx.Run(ctx, `
			MATCH (t:TuningConfig {project: $project})
			RETURN t.staleness_penalty AS staleness, t.orphan_penalty AS orphan,
			       t.connectivity_bonus AS connectivity,
			       t.last_tuned AS last_tuned, t.tuning_count AS count`,
			map[string]any{"project": project})
		if err != nil {
			return model.TuningConfig{}, err
		}
		cfg := model.TuningConfig{Project: project}
		if res.Next(ctx) {
			rec := res.Record()
			if v, ok := rec.Get("staleness"); ok {
				if f, isFloat := v.(float64); isFloat {
					cfg.StalenessPenalty = f
				}
			}
			if v, ok := rec.Get("orphan"); ok {
				if f, isFloat := v.(float64); isFloat {
					cfg.OrphanPenalty = f
				}
			}
			if v, ok := rec.Get("connectivity"); ok {
				if f, isFloat := v.(float64); isFloat {
					cfg.ConnectivityBonus = f
				}
			}
			if v, ok := rec.Get("last_tuned"); ok {
				cfg.LastTuned = timeValue(v)
			}
			if v, ok := rec.Get("count"); ok {
				if i, isInt := v.(int64); isInt {
					cfg.TuningCount = int(i)
				}
			}
		}
		return cfg, res.Err()
	})
	if err != nil {
		return model.TuningConfig{}, fmt.Errorf("reading tuning config: %v: %w", err, core.ErrUnavailable)
	}
	return result, nil
}

// SaveTuning replaces the per-project tuning configuration.
func (r *RecordStore) SaveTuning(ctx context.Context, cfg model.TuningConfig) error {
	session := r.store.writeSession(ctx)
	defer func() {
		_ = session.Close(ctx)
	}()

	_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
			MERGE (t:TuningConfig {project: $project})
			SET t.staleness_penalty = $staleness,
			    t.orphan_penalty = $orphan,
			    t.connectivity_bonus = $connectivity,
			    t.last_tuned = $last_tuned,
			    t.tuning_count = $count`,
			map[string]any{
				"project":      cfg.Project,
				"staleness":    cfg.StalenessPenalty,
				"orphan":       cfg.OrphanPenalty,
				"connectivity": cfg.ConnectivityBonus,
				"last_tuned":   cfg.LastTuned.UTC().Format(time.RFC3339Nano),
				"count":        cfg.TuningCount,
			})
	})
	if err != nil {
		return fmt.Errorf("persisting tuning config: %v: %w", err, core.ErrUnavailable)
	}
	r.logger.Info("Tuning configuration saved", map[string]interface{}{
		"project":      cfg.Project,
		"tuning_count": cfg.TuningCount,
	})
	return nil
}
