package model

import "time"

// Phase is the conversation lifecycle phase. Transitions are forward-only;
// clarifying and executing are overlays on analyzing and do not affect round
// accounting.
type Phase string

const (
	PhaseAnalyzing  Phase = "analyzing"
	PhaseClarifying Phase = "clarifying"
	PhaseExecuting  Phase = "executing"
	PhaseCompleted  Phase = "completed"
)

// HistoryKind tags a conversation history entry.
type HistoryKind string

const (
	HistoryQuery         HistoryKind = "query"
	HistoryClarification HistoryKind = "clarification"
	HistoryAnswer        HistoryKind = "answer"
	HistoryResponse      HistoryKind = "response"
)

// HistoryEntry is one entry in the ordered conversation transcript.
type HistoryEntry struct {
	Round     int         `json:"round"`
	Kind      HistoryKind `json:"kind"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// ConversationState is the persisted state of a clarification dialogue.
type ConversationState struct {
	ID            string            `json:"id"`
	OriginalQuery string            `json:"original_query"`
	Round         int               `json:"round"`
	MaxRounds     int               `json:"max_rounds"`
	Phase         Phase             `json:"phase"`
	Context       map[string]string `json:"context"`
	History       []HistoryEntry    `json:"history"`
	StartedAt     time.Time         `json:"started_at"`
}

// Completed reports whether the conversation reached its terminal phase.
func (s *ConversationState) Completed() bool {
	return s.Phase == PhaseCompleted
}

// Clone returns a deep copy so callers can mutate snapshots freely.
func (s *ConversationState) Clone() *ConversationState {
	cp := *s
	cp.Context = make(map[string]string, len(s.Context))
	for k, v := range s.Context {
		cp.Context[k] = v
	}
	cp.History = append([]HistoryEntry(nil), s.History...)
	return &cp
}
