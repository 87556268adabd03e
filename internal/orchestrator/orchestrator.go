// Package orchestrator composes classification, retrieval, synthesis, and
// persistence into the request lifecycle behind /query and /query/continue.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"codectx/internal/breaker"
	"codectx/internal/core"
	"codectx/internal/model"
	"codectx/internal/provider"
	"codectx/internal/vector"
)

// Embedder is the embedding chain surface the orchestrator needs.
type Embedder interface {
	EmbedWithWarnings(ctx context.Context, text string) ([]float32, []string, error)
}

// VectorRetriever produces ranked semantic matches for a query vector.
type VectorRetriever interface {
	Retrieve(ctx context.Context, vec []float32, filter vector.SearchFilter) ([]model.SemanticMatch, error)
}

// GraphRetriever produces ranked structural relationships for a query.
type GraphRetriever interface {
	Retrieve(ctx context.Context, queryText, project string, kinds []model.RelationKind) ([]model.Relationship, error)
}

// Synthesizer turns evidence into a cited answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, matches []model.SemanticMatch, rels []model.Relationship, opts *provider.SynthesisOptions) (*model.Answer, *model.Insights, []string, error)
}

// Classifier grades queries and generates clarification questions.
type Classifier interface {
	Classify(queryText string) model.Classification
	Questions(queryText string, cls model.Classification) []model.ClarifyingQuestion
}

// Conversations is the conversation-manager surface used here.
type Conversations interface {
	Start(ctx context.Context, query string) (*model.ConversationState, error)
	Get(ctx context.Context, id string) (*model.ConversationState, error)
	AddContext(ctx context.Context, id, key, value string) (*model.ConversationState, error)
	Advance(ctx context.Context, id string) (*model.ConversationState, error)
	End(ctx context.Context, id string) (*model.ConversationState, error)
	RecordClarification(ctx context.Context, id string, questions []model.ClarifyingQuestion) error
}

// RecordSink persists terminal query records.
type RecordSink interface {
	RecordQuery(ctx context.Context, rec model.QueryRecord) error
}

// TuningReader supplies the current per-project scoring deltas.
type TuningReader interface {
	GetTuning(ctx context.Context, project string) (model.TuningConfig, error)
}

// Request is one inbound query. RequestID is optional; when the caller
// supplies one it is honored as the query identifier, otherwise one is
// generated.
type Request struct {
	Query         string
	Project       string
	Mode          model.Mode
	SynthesisMode model.SynthesisMode
	RequestID     string
}

// Response is the tagged variant returned to the transport layer: exactly
// one of Query or Conversation is set.
type Response struct {
	Query        *model.QueryResponse
	Conversation *model.ConversationResponse
}

// Config bounds the retrieval fan-out.
type Config struct {
	VectorTimeout time.Duration
	GraphTimeout  time.Duration
	CacheTTL      time.Duration
	Synthesis     *provider.SynthesisOptions
}

// DefaultConfig returns standard lifecycle bounds.
func DefaultConfig() Config {
	return Config{
		VectorTimeout: 2 * time.Second,
		GraphTimeout:  2 * time.Second,
		CacheTTL:      time.Minute,
		Synthesis:     provider.DefaultSynthesisOptions(),
	}
}

// Orchestrator wires the pipeline together. All collaborators are injected
// at construction; there are no lazy globals.
type Orchestrator struct {
	embedder      Embedder
	vectorStore   VectorRetriever
	graphStore    GraphRetriever
	synthesizer   Synthesizer
	classifier    Classifier
	conversations Conversations
	records       RecordSink
	tuning        TuningReader
	breakers      *breaker.Registry
	cache         *core.MemoryStore
	cfg           Config
	logger        core.Logger
}

// New creates an orchestrator.
func New(
	embedder Embedder,
	vectorStore VectorRetriever,
	graphStore GraphRetriever,
	synthesizer Synthesizer,
	classifier Classifier,
	conversations Conversations,
	records RecordSink,
	tuning TuningReader,
	breakers *breaker.Registry,
	cfg Config,
	logger core.Logger,
) *Orchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.VectorTimeout <= 0 {
		cfg.VectorTimeout = 2 * time.Second
	}
	if cfg.GraphTimeout <= 0 {
		cfg.GraphTimeout = 2 * time.Second
	}
	if cfg.Synthesis == nil {
		cfg.Synthesis = provider.DefaultSynthesisOptions()
	}
	return &Orchestrator{
		embedder:      embedder,
		vectorStore:   vectorStore,
		graphStore:    graphStore,
		synthesizer:   synthesizer,
		classifier:    classifier,
		conversations: conversations,
		records:       records,
		tuning:        tuning,
		breakers:      breakers,
		cache:         core.NewMemoryStore(),
		cfg:           cfg,
		logger:        logger,
	}
}

// Query runs the full lifecycle for one inbound query.
func (o *Orchestrator) Query(ctx context.Context, req Request) (*Response, error) {
	queryID := strings.TrimSpace(req.RequestID)
	if queryID == "" {
		queryID = core.NewQueryID()
	}
	submitted := time.Now().UTC()

	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("empty query: %w", core.ErrValidation)
	}
	if req.Mode == "" {
		req.Mode = model.ModeAuto
	}
	if req.SynthesisMode == "" {
		req.SynthesisMode = model.SynthesisSynthesized
	}

	_, clsSpan := tracer.Start(ctx, "query.classify")
	cls := o.classifier.Classify(req.Query)
	clsSpan.End()
	o.logger.Info("Query classified", map[string]interface{}{
		"query_id": queryID,
		"intent":   string(cls.Intent),
		"clarity":  string(cls.Clarity),
		"mode":     string(req.Mode),
	})

	needsClarification := req.Mode == model.ModeConversational ||
		(req.Mode == model.ModeAuto && cls.Clarity != model.ClarityClear)
	if needsClarification {
		return o.startConversation(ctx, queryID, req, cls, submitted)
	}

	resp := o.execute(ctx, queryID, req, cls, submitted, 0)
	return &Response{Query: resp}, nil
}

// Continue merges clarification answers into a conversation and either runs
// retrieval or asks a follow-up round.
func (o *Orchestrator) Continue(ctx context.Context, conversationID string, answers map[string]string) (*Response, error) {
	state, err := o.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if state.Completed() {
		return nil, fmt.Errorf("conversation %s already completed: %w", conversationID, core.ErrConflict)
	}

	for _, key := range sortedKeys(answers) {
		if strings.TrimSpace(answers[key]) == "" {
			continue
		}
		if state, err = o.conversations.AddContext(ctx, conversationID, key, answers[key]); err != nil {
			return nil, err
		}
	}

	state, err = o.conversations.Advance(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if o.sufficient(state) || state.Completed() {
		rewritten := RewriteQuery(state.OriginalQuery, state.Context)
		rounds := state.Round
		if _, err := o.conversations.End(ctx, conversationID); err != nil && !core.IsNotFound(err) {
			o.logger.Warn("Failed to end conversation", map[string]interface{}{
				"conversation_id": conversationID,
				"error":           err.Error(),
			})
		}

		queryID := core.NewQueryID()
		cls := o.classifier.Classify(rewritten)
		req := Request{
			Query:         rewritten,
			Mode:          model.ModeOneShot,
			SynthesisMode: model.SynthesisSynthesized,
		}
		resp := o.execute(ctx, queryID, req, cls, time.Now().UTC(), rounds)
		return &Response{Query: resp}, nil
	}

	cls := o.classifier.Classify(state.OriginalQuery)
	questions := o.classifier.Questions(state.OriginalQuery, cls)
	questions = o.filterAnswered(questions, state.Context)
	if err := o.conversations.RecordClarification(ctx, conversationID, questions); err != nil {
		o.logger.Warn("Failed to record clarifications", map[string]interface{}{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
	}

	return &Response{Conversation: conversationResponse(core.NewQueryID(), state, cls, questions)}, nil
}

// Abort ends a conversation without running the query.
func (o *Orchestrator) Abort(ctx context.Context, conversationID string) (*model.ConversationState, error) {
	return o.conversations.End(ctx, conversationID)
}

// Conversation returns the current conversation state.
func (o *Orchestrator) Conversation(ctx context.Context, conversationID string) (*model.ConversationState, error) {
	return o.conversations.Get(ctx, conversationID)
}

// sufficient applies the context-collection policy: at least two non-empty
// context keys. Anything less waits for another round, up to the round cap.
func (o *Orchestrator) sufficient(state *model.ConversationState) bool {
	answered := 0
	for _, value := range state.Context {
		if strings.TrimSpace(value) != "" {
			answered++
		}
	}
	return answered >= 2
}

func (o *Orchestrator) filterAnswered(questions []model.ClarifyingQuestion, collected map[string]string) []model.ClarifyingQuestion {
	out := questions[:0]
	for _, q := range questions {
		if _, ok := collected[q.Key]; !ok {
			out = append(out, q)
		}
	}
	return out
}

func (o *Orchestrator) startConversation(ctx context.Context, queryID string, req Request, cls model.Classification, submitted time.Time) (*Response, error) {
	state, err := o.conversations.Start(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	questions := o.classifier.Questions(req.Query, cls)
	if err := o.conversations.RecordClarification(ctx, state.ID, questions); err != nil {
		o.logger.Warn("Failed to record clarifications", map[string]interface{}{
			"conversation_id": state.ID,
			"error":           err.Error(),
		})
	}

	o.persistRecord(ctx, model.QueryRecord{
		ID:             queryID,
		Project:        req.Project,
		Query:          req.Query,
		Classification: cls,
		Status:         model.StatusPendingClarification,
		SubmittedAt:    submitted,
		CompletedAt:    time.Now().UTC(),
	})

	return &Response{Conversation: conversationResponse(queryID, state, cls, questions)}, nil
}

func conversationResponse(queryID string, state *model.ConversationState, cls model.Classification, questions []model.ClarifyingQuestion) *model.ConversationResponse {
	return &model.ConversationResponse{
		Type:           "conversation",
		RequestID:      queryID,
		ConversationID: state.ID,
		Round:          state.Round,
		MaxRounds:      state.MaxRounds,
		Phase:          model.PhaseClarifying,
		Clarifications: model.Clarifications{
			Questions: questions,
			Message:   "I need a little more detail to answer this well.",
		},
		Meta: model.ConversationMeta{
			OriginalQuery:  state.OriginalQuery,
			DetectedIntent: cls.Intent,
			Confidence:     cls.Confidence,
		},
	}
}

// RewriteQuery appends a compact descriptor of collected context to the
// original query, keys in sorted order for determinism.
func RewriteQuery(original string, collected map[string]string) string {
	if len(collected) == 0 {
		return original
	}
	parts := make([]string, 0, len(collected))
	for _, k := range sortedKeys(collected) {
		if strings.TrimSpace(collected[k]) == "" {
			continue
		}
		parts = append(parts, k+": "+collected[k])
	}
	if len(parts) == 0 {
		return original
	}
	return original + " (context: " + strings.Join(parts, "; ") + ")"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
