package model

// Response shapes for the inbound HTTP surface. The query and conversation
// variants share a wire envelope discriminated by the "type" field: absent
// for query responses, "conversation" for clarification rounds.

// Warning codes attached to partial responses.
const (
	WarnSemanticUnavailable   = "semantic_unavailable"
	WarnStructuralUnavailable = "structural_unavailable"
)

// InsufficientEvidence is the designated answer text when retrieval produced
// no evidence to synthesize from.
const InsufficientEvidence = "Insufficient information in the indexed codebase to answer this question."

// SemanticResults wraps the vector-retrieval half of a query response.
type SemanticResults struct {
	Matches []SemanticMatch `json:"matches"`
}

// StructuralResults wraps the graph-retrieval half of a query response.
type StructuralResults struct {
	Relationships []Relationship `json:"relationships"`
}

// QueryResults is the evidence section of a query response. Both halves are
// always present regardless of which backends answered.
type QueryResults struct {
	Semantic   SemanticResults   `json:"semantic"`
	Structural StructuralResults `json:"structural"`
}

// ResponseMeta carries per-request operational detail.
type ResponseMeta struct {
	BackendLatencies   BackendLatencies `json:"backend_latencies"`
	CacheHit           bool             `json:"cache_hit"`
	ConversationRounds int              `json:"conversation_rounds,omitempty"`
}

// QueryResponse is the fixed-shape answer envelope for one-shot and
// continued queries.
type QueryResponse struct {
	RequestID string       `json:"request_id"`
	Status    QueryStatus  `json:"status"`
	Answer    *Answer      `json:"answer,omitempty"`
	Insights  *Insights    `json:"insights,omitempty"`
	Results   QueryResults `json:"results"`
	Meta      ResponseMeta `json:"meta"`
	Warnings  []string     `json:"warnings,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// Clarifications is the question block of a conversation response.
type Clarifications struct {
	Questions []ClarifyingQuestion `json:"questions"`
	Message   string               `json:"message"`
}

// ConversationMeta describes why the gateway chose to clarify.
type ConversationMeta struct {
	OriginalQuery  string  `json:"original_query"`
	DetectedIntent Intent  `json:"detected_intent"`
	Confidence     float64 `json:"confidence"`
}

// ConversationResponse is returned when a query needs clarification before
// retrieval can run. Type is always "conversation".
type ConversationResponse struct {
	Type           string           `json:"type"`
	RequestID      string           `json:"request_id"`
	ConversationID string           `json:"conversation_id"`
	Round          int              `json:"round"`
	MaxRounds      int              `json:"max_rounds"`
	Phase          Phase            `json:"phase"`
	Clarifications Clarifications   `json:"clarifications"`
	Meta           ConversationMeta `json:"meta"`
}
