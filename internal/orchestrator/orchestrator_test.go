package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codectx/internal/breaker"
	"codectx/internal/classify"
	"codectx/internal/conversation"
	"codectx/internal/core"
	"codectx/internal/model"
	"codectx/internal/provider"
	"codectx/internal/vector"
)

type fakeEmbedder struct {
	vec   []float32
	warns []string
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedWithWarnings(ctx context.Context, text string) ([]float32, []string, error) {
	f.calls++
	return f.vec, f.warns, f.err
}

type fakeVector struct {
	matches []model.SemanticMatch
	err     error
	calls   int
	filter  vector.SearchFilter
}

func (f *fakeVector) Retrieve(ctx context.Context, vec []float32, filter vector.SearchFilter) ([]model.SemanticMatch, error) {
	f.calls++
	f.filter = filter
	return f.matches, f.err
}

type fakeGraph struct {
	rels  []model.Relationship
	err   error
	calls int
}

func (f *fakeGraph) Retrieve(ctx context.Context, queryText, project string, kinds []model.RelationKind) ([]model.Relationship, error) {
	f.calls++
	return f.rels, f.err
}

type fakeSynth struct {
	answer *model.Answer
	err    error
	calls  int
}

func (f *fakeSynth) Synthesize(ctx context.Context, query string, matches []model.SemanticMatch, rels []model.Relationship, opts *provider.SynthesisOptions) (*model.Answer, *model.Insights, []string, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, nil, f.err
	}
	if f.answer != nil {
		answer := *f.answer
		return &answer, &model.Insights{Summary: "summary"}, nil, nil
	}
	if len(matches) == 0 && len(rels) == 0 {
		return &model.Answer{Text: model.InsufficientEvidence, Citations: []model.Citation{}}, nil, nil, nil
	}
	return &model.Answer{Text: "answer", Confidence: 0.8, Citations: []model.Citation{{Source: "a.go", Type: model.CitationCode}}}, &model.Insights{Summary: "summary"}, nil, nil
}

type fakeSink struct {
	mu      sync.Mutex
	records []model.QueryRecord
}

func (f *fakeSink) RecordQuery(ctx context.Context, rec model.QueryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeSink) last(t *testing.T) model.QueryRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.records)
	return f.records[len(f.records)-1]
}

type fakeTuning struct {
	cfg model.TuningConfig
}

func (f *fakeTuning) GetTuning(ctx context.Context, project string) (model.TuningConfig, error) {
	return f.cfg, nil
}

type harness struct {
	embedder *fakeEmbedder
	vec      *fakeVector
	graph    *fakeGraph
	synth    *fakeSynth
	sink     *fakeSink
	tuning   *fakeTuning
	breakers *breaker.Registry
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		embedder: &fakeEmbedder{vec: []float32{0.1, 0.2}},
		vec: &fakeVector{matches: []model.SemanticMatch{
			{ID: "m1", Score: 0.9, Content: "func Validate()", Source: "auth/token.go", Rank: 1, Type: model.ContentCode},
		}},
		graph: &fakeGraph{rels: []model.Relationship{
			{Source: "token.go", Target: "Validate", Kind: model.RelDefines, Path: []string{"token.go", "Validate"}},
		}},
		synth:    &fakeSynth{},
		sink:     &fakeSink{},
		tuning:   &fakeTuning{},
		breakers: breaker.NewRegistry(breaker.DefaultConfig(), nil),
	}
	conversations := conversation.NewManager(nil, 2, time.Minute, nil)
	h.orch = New(
		h.embedder, h.vec, h.graph, h.synth,
		classify.NewEngine(), conversations,
		h.sink, h.tuning, h.breakers,
		DefaultConfig(), nil,
	)
	return h
}

func TestClearQueryRunsOneShot(t *testing.T) {
	h := newHarness(t)

	resp, err := h.orch.Query(context.Background(), Request{
		Query:   "How does JWT token validation work in the auth module?",
		Project: "gateway",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Query)
	assert.Nil(t, resp.Conversation)

	qr := resp.Query
	assert.Equal(t, model.StatusSuccess, qr.Status)
	require.NotNil(t, qr.Answer)
	assert.NotEmpty(t, qr.Answer.Citations)
	assert.Len(t, qr.Results.Semantic.Matches, 1)
	assert.Len(t, qr.Results.Structural.Relationships, 1)
	require.NotNil(t, qr.Meta.BackendLatencies.Vector)
	require.NotNil(t, qr.Meta.BackendLatencies.Graph)
	assert.False(t, qr.Meta.CacheHit)
	assert.Equal(t, "gateway", h.vec.filter.Project)

	rec := h.sink.last(t)
	assert.Equal(t, model.StatusSuccess, rec.Status)
	assert.Equal(t, 1, rec.SemanticCount)
	assert.Equal(t, 1, rec.StructuralCount)
}

func TestAmbiguousQueryStartsConversation(t *testing.T) {
	h := newHarness(t)

	resp, err := h.orch.Query(context.Background(), Request{Query: "how does the auth stuff work"})
	require.NoError(t, err)
	require.NotNil(t, resp.Conversation)
	assert.Nil(t, resp.Query)

	cr := resp.Conversation
	assert.Equal(t, "conversation", cr.Type)
	assert.Equal(t, 1, cr.Round)
	assert.Equal(t, model.PhaseClarifying, cr.Phase)
	require.NotEmpty(t, cr.Clarifications.Questions)
	assert.LessOrEqual(t, len(cr.Clarifications.Questions), 3)
	assert.Equal(t, "aspect", cr.Clarifications.Questions[0].Key)

	assert.Equal(t, 0, h.embedder.calls, "no retrieval before clarification")
	rec := h.sink.last(t)
	assert.Equal(t, model.StatusPendingClarification, rec.Status)
}

func TestConversationalModeForcesConversation(t *testing.T) {
	h := newHarness(t)

	resp, err := h.orch.Query(context.Background(), Request{
		Query: "How does JWT token validation work in the auth module?",
		Mode:  model.ModeConversational,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Conversation)
}

func TestContinueConvergesAndReportsRounds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	start, err := h.orch.Query(ctx, Request{Query: "how does the auth stuff work"})
	require.NoError(t, err)
	convID := start.Conversation.ConversationID

	resp, err := h.orch.Continue(ctx, convID, map[string]string{
		"aspect": "How it works",
		"scope":  "All components",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Query)
	assert.Equal(t, model.StatusSuccess, resp.Query.Status)
	assert.Equal(t, 2, resp.Query.Meta.ConversationRounds)

	_, err = h.orch.Conversation(ctx, convID)
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err), "conversation deleted after completion")
}

func TestContinueInsufficientAsksFollowUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	start, err := h.orch.Query(ctx, Request{Query: "how does the auth stuff work"})
	require.NoError(t, err)
	convID := start.Conversation.ConversationID

	resp, err := h.orch.Continue(ctx, convID, map[string]string{"scope": "All components"})
	require.NoError(t, err)
	require.NotNil(t, resp.Conversation)
	assert.Equal(t, 2, resp.Conversation.Round)
	for _, q := range resp.Conversation.Clarifications.Questions {
		assert.NotEqual(t, "scope", q.Key, "answered questions are not re-asked")
	}
}

func TestContinueSingleAnswerStillInsufficient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	start, err := h.orch.Query(ctx, Request{Query: "how does the auth stuff work"})
	require.NoError(t, err)
	convID := start.Conversation.ConversationID

	// One answer, even to a required question, waits for another round.
	resp, err := h.orch.Continue(ctx, convID, map[string]string{"aspect": "How it works"})
	require.NoError(t, err)
	require.NotNil(t, resp.Conversation)
	assert.Nil(t, resp.Query)
	assert.Equal(t, 2, resp.Conversation.Round)
}

func TestContinueForcedCompletionAtMaxRounds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	start, err := h.orch.Query(ctx, Request{Query: "how does the auth stuff work"})
	require.NoError(t, err)
	convID := start.Conversation.ConversationID

	// One weak answer per round; round cap forces execution regardless.
	resp, err := h.orch.Continue(ctx, convID, map[string]string{"scope": "All components"})
	require.NoError(t, err)
	require.NotNil(t, resp.Conversation)

	resp, err = h.orch.Continue(ctx, convID, map[string]string{})
	require.NoError(t, err)
	require.NotNil(t, resp.Query, "max rounds reached runs the query as-is")
}

func TestContinueUnknownConversation(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Continue(context.Background(), "conv-missing", nil)
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestRewriteQueryDeterministic(t *testing.T) {
	out := RewriteQuery("how does auth work", map[string]string{
		"scope":  "All components",
		"aspect": "How it works",
	})
	assert.Equal(t, "how does auth work (context: aspect: How it works; scope: All components)", out)
	assert.Equal(t, "bare", RewriteQuery("bare", nil))
}

func TestGraphBreakerOpenYieldsPartial(t *testing.T) {
	h := newHarness(t)
	h.breakers.Get(depGraph).ForceOpen()

	resp, err := h.orch.Query(context.Background(), Request{
		Query:   "How does JWT token validation work in the auth module?",
		Project: "gateway",
	})
	require.NoError(t, err)
	qr := resp.Query

	assert.Equal(t, model.StatusPartial, qr.Status)
	assert.Contains(t, qr.Warnings, model.WarnStructuralUnavailable)
	assert.Empty(t, qr.Results.Structural.Relationships)
	assert.NotNil(t, qr.Results.Structural.Relationships, "structural section present even when empty")
	assert.Nil(t, qr.Meta.BackendLatencies.Graph, "no latency when the backend was not called")
	require.NotNil(t, qr.Meta.BackendLatencies.Vector)
	assert.Equal(t, 0, h.graph.calls)
}

func TestBothBackendsDownYieldsUnavailable(t *testing.T) {
	h := newHarness(t)
	h.embedder.err = fmt.Errorf("embed: %w", core.ErrUnavailable)
	h.graph.err = fmt.Errorf("graph: %w", core.ErrTimeout)

	resp, err := h.orch.Query(context.Background(), Request{
		Query: "How does JWT token validation work in the auth module?",
	})
	require.NoError(t, err)
	qr := resp.Query

	assert.Equal(t, model.StatusUnavailable, qr.Status)
	assert.NotEmpty(t, qr.Message)
	assert.Contains(t, qr.Warnings, model.WarnSemanticUnavailable)
	assert.Contains(t, qr.Warnings, model.WarnStructuralUnavailable)
	require.NotNil(t, qr.Answer)
	assert.Equal(t, model.InsufficientEvidence, qr.Answer.Text)
	assert.Zero(t, qr.Answer.Confidence)
	assert.Empty(t, qr.Answer.Citations)
}

func TestNoEvidenceYieldsUnavailable(t *testing.T) {
	h := newHarness(t)
	h.vec.matches = nil
	h.graph.rels = nil

	resp, err := h.orch.Query(context.Background(), Request{
		Query: "How does JWT token validation work in the auth module?",
	})
	require.NoError(t, err)
	qr := resp.Query

	assert.Equal(t, model.StatusUnavailable, qr.Status, "healthy backends with zero evidence cannot claim success")
	require.NotNil(t, qr.Answer)
	assert.Equal(t, model.InsufficientEvidence, qr.Answer.Text)
	assert.Zero(t, qr.Answer.Confidence)
	assert.Empty(t, qr.Answer.Citations)
	assert.Empty(t, qr.Warnings, "no backend failed, so no degradation warnings")
	require.NotNil(t, qr.Meta.BackendLatencies.Vector)
	require.NotNil(t, qr.Meta.BackendLatencies.Graph)
}

func TestNoEvidenceRawModeStaysSuccess(t *testing.T) {
	h := newHarness(t)
	h.vec.matches = nil
	h.graph.rels = nil

	resp, err := h.orch.Query(context.Background(), Request{
		Query:         "How does JWT token validation work in the auth module?",
		SynthesisMode: model.SynthesisRaw,
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusSuccess, resp.Query.Status, "raw mode returns empty sections as-is")
	assert.Nil(t, resp.Query.Answer)
}

func TestCallerRequestIDHonored(t *testing.T) {
	h := newHarness(t)

	resp, err := h.orch.Query(context.Background(), Request{
		Query:     "How does JWT token validation work in the auth module?",
		RequestID: "req-caller-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "req-caller-1", resp.Query.RequestID)
	assert.Equal(t, "req-caller-1", h.sink.last(t).ID)
}

func TestRawModeSkipsSynthesis(t *testing.T) {
	h := newHarness(t)

	resp, err := h.orch.Query(context.Background(), Request{
		Query:         "How does JWT token validation work in the auth module?",
		SynthesisMode: model.SynthesisRaw,
	})
	require.NoError(t, err)
	qr := resp.Query

	assert.Equal(t, 0, h.synth.calls)
	assert.Nil(t, qr.Answer)
	assert.Nil(t, qr.Insights)
	assert.Len(t, qr.Results.Semantic.Matches, 1)
}

func TestSynthesisFailureDegradesToPartial(t *testing.T) {
	h := newHarness(t)
	h.synth.err = fmt.Errorf("synthesize: %w", core.ErrRetryExhausted)

	resp, err := h.orch.Query(context.Background(), Request{
		Query: "How does JWT token validation work in the auth module?",
	})
	require.NoError(t, err)
	qr := resp.Query

	assert.Equal(t, model.StatusPartial, qr.Status)
	assert.Nil(t, qr.Answer)
	assert.Len(t, qr.Results.Semantic.Matches, 1, "evidence still returned")
	assert.Contains(t, qr.Warnings, "synthesis_unavailable")
}

func TestTuningDeltasAdjustConfidence(t *testing.T) {
	h := newHarness(t)
	h.tuning.cfg = model.TuningConfig{Project: "gateway", ConnectivityBonus: 0.1}

	resp, err := h.orch.Query(context.Background(), Request{
		Query:   "How does JWT token validation work in the auth module?",
		Project: "gateway",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Query.Answer)
	assert.InDelta(t, 0.9, resp.Query.Answer.Confidence, 1e-9)
}

func TestOrphanPenaltyWhenNoStructuralEvidence(t *testing.T) {
	h := newHarness(t)
	h.graph.rels = nil
	h.tuning.cfg = model.TuningConfig{OrphanPenalty: -0.2}

	resp, err := h.orch.Query(context.Background(), Request{
		Query: "How does JWT token validation work in the auth module?",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Query.Answer)
	assert.InDelta(t, 0.6, resp.Query.Answer.Confidence, 1e-9)
}

func TestRepeatedQueryServedFromCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := Request{
		Query:   "How does JWT token validation work in the auth module?",
		Project: "gateway",
	}

	first, err := h.orch.Query(ctx, req)
	require.NoError(t, err)
	second, err := h.orch.Query(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 1, h.embedder.calls, "second request does not hit the backends")
	assert.True(t, second.Query.Meta.CacheHit)
	assert.False(t, first.Query.Meta.CacheHit)
	assert.NotEqual(t, first.Query.RequestID, second.Query.RequestID)

	rec := h.sink.last(t)
	assert.True(t, rec.CacheHit)
}

func TestCacheHitAppliesStalenessPenalty(t *testing.T) {
	h := newHarness(t)
	h.tuning.cfg = model.TuningConfig{StalenessPenalty: -0.1}
	ctx := context.Background()
	req := Request{Query: "How does JWT token validation work in the auth module?"}

	first, err := h.orch.Query(ctx, req)
	require.NoError(t, err)
	second, err := h.orch.Query(ctx, req)
	require.NoError(t, err)

	assert.InDelta(t, first.Query.Answer.Confidence-0.1, second.Query.Answer.Confidence, 1e-9)
}

func TestUnavailableResponsesAreNotCached(t *testing.T) {
	h := newHarness(t)
	h.embedder.err = errors.New("down")
	h.graph.err = errors.New("down")
	ctx := context.Background()
	req := Request{Query: "How does JWT token validation work in the auth module?"}

	_, err := h.orch.Query(ctx, req)
	require.NoError(t, err)

	h.embedder.err = nil
	h.graph.err = nil
	resp, err := h.orch.Query(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, resp.Query.Status)
	assert.False(t, resp.Query.Meta.CacheHit)
}

func TestEmptyQueryRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Query(context.Background(), Request{Query: "   "})
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}
