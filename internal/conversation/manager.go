// Package conversation manages the lifecycle and persistence of multi-round
// clarification dialogues. The shared cache is the store of record; a
// process-local map serves as a write-through read cache so single-process
// deployments survive cache outages.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"codectx/internal/core"
	"codectx/internal/model"
)

const keyPrefix = "conversation:"

// Cache is the shared-cache contract the manager needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Manager owns conversation state. Within one conversation id, callers
// serialize operations; the manager locks only to protect its local map.
type Manager struct {
	cache     Cache
	ttl       time.Duration
	maxRounds int
	logger    core.Logger

	mu    sync.RWMutex
	local map[string]*model.ConversationState
}

// NewManager creates a manager. cache may be nil, in which case state is
// process-local only.
func NewManager(cache Cache, maxRounds int, ttl time.Duration, logger core.Logger) *Manager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if maxRounds <= 0 {
		maxRounds = 3
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{
		cache:     cache,
		ttl:       ttl,
		maxRounds: maxRounds,
		logger:    logger,
		local:     make(map[string]*model.ConversationState),
	}
}

// Start creates and persists a new conversation for query.
func (m *Manager) Start(ctx context.Context, query string) (*model.ConversationState, error) {
	now := time.Now().UTC()
	state := &model.ConversationState{
		ID:            core.NewConversationID(),
		OriginalQuery: query,
		Round:         1,
		MaxRounds:     m.maxRounds,
		Phase:         model.PhaseAnalyzing,
		Context:       map[string]string{},
		History: []model.HistoryEntry{
			{Round: 1, Kind: model.HistoryQuery, Content: query, Timestamp: now},
		},
		StartedAt: now,
	}

	m.persist(ctx, state)
	m.logger.Info("Conversation started", map[string]interface{}{
		"conversation_id": state.ID,
		"max_rounds":      state.MaxRounds,
	})
	return state.Clone(), nil
}

// Get returns the conversation, reading through the local cache to the
// shared cache. Unknown ids return ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*model.ConversationState, error) {
	m.mu.RLock()
	state, ok := m.local[id]
	m.mu.RUnlock()
	if ok {
		return state.Clone(), nil
	}

	if m.cache == nil {
		return nil, fmt.Errorf("conversation %s: %w", id, core.ErrNotFound)
	}
	raw, err := m.cache.Get(ctx, keyPrefix+id)
	if err != nil {
		if core.IsNotFound(err) {
			return nil, fmt.Errorf("conversation %s: %w", id, core.ErrNotFound)
		}
		return nil, err
	}

	var loaded model.ConversationState
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		return nil, fmt.Errorf("conversation %s: corrupt state: %w", id, err)
	}

	m.mu.Lock()
	m.local[id] = &loaded
	m.mu.Unlock()
	return loaded.Clone(), nil
}

// AddContext records one collected clarification answer and refreshes the
// persisted TTL. Last writer wins per key.
func (m *Manager) AddContext(ctx context.Context, id, key, value string) (*model.ConversationState, error) {
	state, err := m.mutable(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.Completed() {
		return nil, fmt.Errorf("conversation %s already completed: %w", id, core.ErrConflict)
	}

	state.Context[key] = value
	state.History = append(state.History, model.HistoryEntry{
		Round:     state.Round,
		Kind:      model.HistoryResponse,
		Content:   key + "=" + value,
		Timestamp: time.Now().UTC(),
	})
	m.persist(ctx, state)
	return state.Clone(), nil
}

// Advance moves to the next round, or completes the conversation when the
// round cap is reached.
func (m *Manager) Advance(ctx context.Context, id string) (*model.ConversationState, error) {
	state, err := m.mutable(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.Completed() {
		return nil, fmt.Errorf("conversation %s already completed: %w", id, core.ErrConflict)
	}

	if state.Round >= state.MaxRounds {
		state.Phase = model.PhaseCompleted
	} else {
		state.Round++
	}
	m.persist(ctx, state)
	return state.Clone(), nil
}

// End completes the conversation, removes it from both caches, and returns
// the final snapshot. A second End for the same id returns ErrNotFound.
func (m *Manager) End(ctx context.Context, id string) (*model.ConversationState, error) {
	state, err := m.mutable(ctx, id)
	if err != nil {
		return nil, err
	}
	state.Phase = model.PhaseCompleted
	final := state.Clone()

	m.mu.Lock()
	delete(m.local, id)
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.Delete(ctx, keyPrefix+id); err != nil {
			m.logger.Warn("Failed to delete conversation from shared cache", map[string]interface{}{
				"conversation_id": id,
				"error":           err.Error(),
			})
		}
	}
	m.logger.Info("Conversation ended", map[string]interface{}{
		"conversation_id": id,
		"rounds":          final.Round,
	})
	return final, nil
}

// RecordClarification appends the questions asked this round to the history.
func (m *Manager) RecordClarification(ctx context.Context, id string, questions []model.ClarifyingQuestion) error {
	state, err := m.mutable(ctx, id)
	if err != nil {
		return err
	}
	for _, q := range questions {
		state.History = append(state.History, model.HistoryEntry{
			Round:     state.Round,
			Kind:      model.HistoryClarification,
			Content:   q.Question,
			Timestamp: time.Now().UTC(),
		})
	}
	m.persist(ctx, state)
	return nil
}

// mutable returns the live local state, loading from the shared cache on a
// local miss.
func (m *Manager) mutable(ctx context.Context, id string) (*model.ConversationState, error) {
	m.mu.RLock()
	state, ok := m.local[id]
	m.mu.RUnlock()
	if ok {
		return state, nil
	}

	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok = m.local[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, core.ErrNotFound)
	}
	return state, nil
}

// persist writes through to the local map and best-effort to the shared
// cache. Shared-cache failures degrade to local-only operation.
func (m *Manager) persist(ctx context.Context, state *model.ConversationState) {
	m.mu.Lock()
	m.local[state.ID] = state
	m.mu.Unlock()

	if m.cache == nil {
		return
	}
	raw, err := json.Marshal(state)
	if err != nil {
		m.logger.Error("Failed to serialize conversation", map[string]interface{}{
			"conversation_id": state.ID,
			"error":           err.Error(),
		})
		return
	}
	if err := m.cache.Set(ctx, keyPrefix+state.ID, string(raw), m.ttl); err != nil {
		m.logger.Warn("Shared cache write failed; continuing local-only", map[string]interface{}{
			"conversation_id": state.ID,
			"error":           err.Error(),
		})
	}
}
