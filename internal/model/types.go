// Package model holds the domain types shared across the gateway: retrieval
// results, classifications, conversation state, health snapshots, and the
// persisted query/feedback/tuning records.
package model

import "time"

// ContentType tags an indexed chunk.
type ContentType string

const (
	ContentCode    ContentType = "code"
	ContentDoc     ContentType = "doc"
	ContentComment ContentType = "comment"
)

// SemanticMatch is one vector-store hit, score normalized to [0,1].
type SemanticMatch struct {
	ID        string      `json:"id"`
	Score     float64     `json:"score"`
	Content   string      `json:"content"`
	Source    string      `json:"source"`
	StartLine int         `json:"start_line,omitempty"`
	EndLine   int         `json:"end_line,omitempty"`
	Type      ContentType `json:"type"`
	Language  string      `json:"language,omitempty"`
	Rank      int         `json:"rank"`
}

// NodeKind is the type of a structural graph node.
type NodeKind string

const (
	NodeFile       NodeKind = "File"
	NodeClass      NodeKind = "Class"
	NodeFunction   NodeKind = "Function"
	NodeDocument   NodeKind = "Document"
	NodeComponent  NodeKind = "Component"
	NodeCapability NodeKind = "Capability"
	NodeFeature    NodeKind = "Feature"
)

// RelationKind is the type of a directed graph edge.
type RelationKind string

const (
	RelDefines      RelationKind = "DEFINES"
	RelCalls        RelationKind = "CALLS"
	RelImports      RelationKind = "IMPORTS"
	RelDependsOn    RelationKind = "DEPENDS_ON"
	RelHasComponent RelationKind = "HAS_COMPONENT"
	RelExtends      RelationKind = "EXTENDS"
	RelImplements   RelationKind = "IMPLEMENTS"
)

// GraphNode is a typed entity from the structural store. Read-only.
type GraphNode struct {
	Kind      NodeKind `json:"kind"`
	Name      string   `json:"name"`
	Path      string   `json:"path,omitempty"`
	StartLine int      `json:"start_line,omitempty"`
	EndLine   int      `json:"end_line,omitempty"`
	Project   string   `json:"project"`
	Degree    int      `json:"-"`
}

// Relationship is a derived structural relationship between two nodes,
// including the node names traversed to connect them.
type Relationship struct {
	Source      string       `json:"source"`
	Target      string       `json:"target"`
	Kind        RelationKind `json:"kind"`
	Path        []string     `json:"path"`
	Explanation string       `json:"explanation,omitempty"`
	SourcePath  string       `json:"source_path,omitempty"`
}

// CitationType distinguishes evidence pointers.
type CitationType string

const (
	CitationCode  CitationType = "code"
	CitationDoc   CitationType = "doc"
	CitationGraph CitationType = "graph"
)

// Citation is an evidence pointer carried in a synthesized answer.
type Citation struct {
	Source    string       `json:"source"`
	StartLine int          `json:"start_line,omitempty"`
	EndLine   int          `json:"end_line,omitempty"`
	Relevance float64      `json:"relevance"`
	Type      CitationType `json:"type"`
}

// Answer is the synthesized answer with evidence citations.
type Answer struct {
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Citations  []Citation `json:"citations"`
}

// Insights is the compact companion record produced alongside an answer.
type Insights struct {
	Summary         string   `json:"summary"`
	KeyFindings     []string `json:"key_findings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Intent is what the query asks for.
type Intent string

const (
	IntentCode         Intent = "code"
	IntentExplanation  Intent = "explanation"
	IntentBoth         Intent = "both"
	IntentLocation     Intent = "location"
	IntentRelationship Intent = "relationship"
	IntentUnknown      Intent = "unknown"
)

// Clarity grades how answerable the query is as written.
type Clarity string

const (
	ClarityClear           Clarity = "clear"
	ClarityAmbiguous       Clarity = "ambiguous"
	ClarityRequiresContext Clarity = "requires_context"
)

// Mode selects one-shot vs conversational handling.
type Mode string

const (
	ModeOneShot        Mode = "one-shot"
	ModeConversational Mode = "conversational"
	ModeAuto           Mode = "auto"
)

// SynthesisMode selects whether the LLM synthesis step runs.
type SynthesisMode string

const (
	SynthesisSynthesized SynthesisMode = "synthesized"
	SynthesisRaw         SynthesisMode = "raw"
)

// Classification is the classifier's verdict on a query.
type Classification struct {
	Intent           Intent   `json:"intent"`
	Clarity          Clarity  `json:"clarity"`
	Confidence       float64  `json:"confidence"`
	SuggestedMode    Mode     `json:"suggested_mode"`
	AmbiguityReasons []string `json:"ambiguity_reasons,omitempty"`
}

// ClarifyingQuestion is one question in a clarification round.
type ClarifyingQuestion struct {
	Key            string   `json:"key"`
	Question       string   `json:"question"`
	Options        []string `json:"options,omitempty"`
	MultipleChoice bool     `json:"multiple_choice"`
	Required       bool     `json:"required"`
}

// QueryStatus is the terminal (or pending) state of a query.
type QueryStatus string

const (
	StatusSuccess              QueryStatus = "success"
	StatusPartial              QueryStatus = "partial"
	StatusUnavailable          QueryStatus = "unavailable"
	StatusPendingClarification QueryStatus = "pending_clarification"
)

// BackendLatencies records per-backend call durations in milliseconds.
// Nil means the backend was not called (gated or skipped).
type BackendLatencies struct {
	Vector    *int64 `json:"vector,omitempty"`
	Graph     *int64 `json:"graph,omitempty"`
	Synthesis *int64 `json:"synthesis,omitempty"`
}

// QueryRecord is the persisted per-query telemetry record. Exactly one exists
// per completed or failed query.
type QueryRecord struct {
	ID              string           `json:"id"`
	Project         string           `json:"project"`
	Query           string           `json:"query"`
	Classification  Classification   `json:"classification"`
	Status          QueryStatus      `json:"status"`
	SubmittedAt     time.Time        `json:"submitted_at"`
	CompletedAt     time.Time        `json:"completed_at"`
	Latencies       BackendLatencies `json:"latencies"`
	SemanticCount   int              `json:"semantic_count"`
	StructuralCount int              `json:"structural_count"`
	Confidence      float64          `json:"confidence"`
	CacheHit        bool             `json:"cache_hit"`
}

// FeedbackRating grades a delivered answer.
type FeedbackRating string

const (
	RatingUseful    FeedbackRating = "useful"
	RatingNotUseful FeedbackRating = "not_useful"
	RatingPartial   FeedbackRating = "partial"
)

// Feedback is user feedback linked to a query record. At most one per query.
type Feedback struct {
	QueryID   string         `json:"query_id"`
	Rating    FeedbackRating `json:"rating"`
	Comment   string         `json:"comment,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Usefulness maps the rating to the binary-ish signal the tuner correlates
// against: useful=1, partial=0.5, not_useful=0.
func (f Feedback) Usefulness() float64 {
	switch f.Rating {
	case RatingUseful:
		return 1
	case RatingPartial:
		return 0.5
	default:
		return 0
	}
}

// TuningConfig holds per-project deltas applied to scoring weights.
type TuningConfig struct {
	Project           string    `json:"project"`
	StalenessPenalty  float64   `json:"staleness_penalty"`
	OrphanPenalty     float64   `json:"orphan_penalty"`
	ConnectivityBonus float64   `json:"connectivity_bonus"`
	LastTuned         time.Time `json:"last_tuned"`
	TuningCount       int       `json:"tuning_count"`
}
