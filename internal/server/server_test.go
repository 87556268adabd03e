package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codectx/internal/breaker"
	"codectx/internal/core"
	"codectx/internal/model"
	"codectx/internal/orchestrator"
)

type fakePipeline struct {
	queryResp    *orchestrator.Response
	queryErr     error
	continueResp *orchestrator.Response
	continueErr  error
	state        *model.ConversationState
	stateErr     error
	lastRequest  orchestrator.Request
}

func (f *fakePipeline) Query(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	f.lastRequest = req
	return f.queryResp, f.queryErr
}

func (f *fakePipeline) Continue(ctx context.Context, id string, answers map[string]string) (*orchestrator.Response, error) {
	return f.continueResp, f.continueErr
}

func (f *fakePipeline) Abort(ctx context.Context, id string) (*model.ConversationState, error) {
	return f.state, f.stateErr
}

func (f *fakePipeline) Conversation(ctx context.Context, id string) (*model.ConversationState, error) {
	return f.state, f.stateErr
}

type fakeFeedback struct {
	err       error
	submitted []string
}

func (f *fakeFeedback) SubmitFeedback(ctx context.Context, queryID string, rating model.FeedbackRating, comment string) error {
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, queryID)
	return nil
}

type fakeHealth struct {
	overall  model.ServiceStatus
	services map[string]model.ServiceHealth
}

func (f *fakeHealth) Snapshot() map[string]model.ServiceHealth { return f.services }
func (f *fakeHealth) Overall() model.ServiceStatus             { return f.overall }

func queryResponse() *orchestrator.Response {
	return &orchestrator.Response{Query: &model.QueryResponse{
		RequestID: "qry-abc",
		Status:    model.StatusSuccess,
		Results: model.QueryResults{
			Semantic:   model.SemanticResults{Matches: []model.SemanticMatch{}},
			Structural: model.StructuralResults{Relationships: []model.Relationship{}},
		},
	}}
}

func conversationResponse() *orchestrator.Response {
	return &orchestrator.Response{Conversation: &model.ConversationResponse{
		Type:           "conversation",
		RequestID:      "qry-def",
		ConversationID: "conv-123",
		Round:          1,
		MaxRounds:      3,
		Phase:          model.PhaseClarifying,
		Clarifications: model.Clarifications{
			Questions: []model.ClarifyingQuestion{{Key: "aspect", Question: "Which aspect?", Required: true}},
			Message:   "I need a little more detail to answer this well.",
		},
	}}
}

func newTestServer(p *fakePipeline, fb *fakeFeedback, h HealthSource) *httptest.Server {
	srv := New(p, fb, h, breaker.NewRegistry(breaker.DefaultConfig(), nil), ProviderChains{}, nil, nil)
	return httptest.NewServer(srv.Router())
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestQueryReturnsAnswerEnvelope(t *testing.T) {
	p := &fakePipeline{queryResp: queryResponse()}
	ts := newTestServer(p, &fakeFeedback{}, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/query", map[string]string{
		"query":   "How does token validation work?",
		"project": "gateway",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "qry-abc", body["request_id"])
	assert.Equal(t, "success", body["status"])
	results := body["results"].(map[string]interface{})
	assert.Contains(t, results, "semantic")
	assert.Contains(t, results, "structural")
	assert.Equal(t, "gateway", p.lastRequest.Project)
}

func TestQueryReturnsConversationEnvelope(t *testing.T) {
	p := &fakePipeline{queryResp: conversationResponse()}
	ts := newTestServer(p, &fakeFeedback{}, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/query", map[string]string{"query": "how does it work"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "conversation", body["type"])
	assert.Equal(t, "conv-123", body["conversation_id"])
	clar := body["clarifications"].(map[string]interface{})
	assert.NotEmpty(t, clar["questions"])
}

func TestQueryAcceptsFullRequestBody(t *testing.T) {
	p := &fakePipeline{queryResp: queryResponse()}
	ts := newTestServer(p, &fakeFeedback{}, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/query", map[string]string{
		"query":          "Show me the AuthService class",
		"mode":           "one-shot",
		"synthesis_mode": "raw",
		"request_id":     "req-123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, model.SynthesisRaw, p.lastRequest.SynthesisMode)
	assert.Equal(t, "req-123", p.lastRequest.RequestID)
}

func TestQueryValidation(t *testing.T) {
	ts := newTestServer(&fakePipeline{}, &fakeFeedback{}, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/query", map[string]string{"project": "gateway"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/query", map[string]string{"query": "x", "mode": "bogus"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestContinueUnknownConversation(t *testing.T) {
	p := &fakePipeline{continueErr: fmt.Errorf("conversation conv-x: %w", core.ErrNotFound)}
	ts := newTestServer(p, &fakeFeedback{}, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/query/continue", map[string]interface{}{
		"conversation_id": "conv-x",
		"answers":         map[string]string{"scope": "all"},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "not_found", body["error"])
}

func TestContinueCompletedConversationConflicts(t *testing.T) {
	p := &fakePipeline{continueErr: fmt.Errorf("conversation conv-x already completed: %w", core.ErrConflict)}
	ts := newTestServer(p, &fakeFeedback{}, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/query/continue", map[string]interface{}{"conversation_id": "conv-x"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestAbortConversation(t *testing.T) {
	p := &fakePipeline{state: &model.ConversationState{ID: "conv-123", Round: 2, MaxRounds: 3}}
	ts := newTestServer(p, &fakeFeedback{}, nil)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/query/conversation/conv-123", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["success"])
	abortedAt, err := time.Parse(time.RFC3339, body["aborted_at"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), abortedAt, time.Minute)
	assert.Equal(t, float64(2), body["round"])
	assert.Equal(t, float64(3), body["max_rounds"])
}

func TestFeedbackAccepted(t *testing.T) {
	fb := &fakeFeedback{}
	ts := newTestServer(&fakePipeline{}, fb, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/feedback", map[string]string{
		"request_id": "qry-abc",
		"feedback":   "useful",
		"comment":    "answered my question",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, []string{"qry-abc"}, fb.submitted)
}

func TestFeedbackDuplicateConflicts(t *testing.T) {
	fb := &fakeFeedback{err: fmt.Errorf("query qry-abc: %w", core.ErrConflict)}
	ts := newTestServer(&fakePipeline{}, fb, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/feedback", map[string]string{
		"request_id": "qry-abc",
		"feedback":   "useful",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestFeedbackRejectsBadRating(t *testing.T) {
	ts := newTestServer(&fakePipeline{}, &fakeFeedback{}, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/feedback", map[string]string{
		"request_id": "qry-abc",
		"feedback":   "amazing",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthReflectsOverallStatus(t *testing.T) {
	h := &fakeHealth{
		overall: model.StatusDegraded,
		services: map[string]model.ServiceHealth{
			"vector": {Service: "vector", Status: model.StatusDegraded, LatencyMS: 900},
		},
	}
	ts := newTestServer(&fakePipeline{}, &fakeFeedback{}, h)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "degraded still serves 200")
	body := decodeBody(t, resp)
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, body, "services")
	assert.Contains(t, body, "breakers")
}

func TestHealthUnhealthyReturns503(t *testing.T) {
	h := &fakeHealth{overall: model.StatusUnhealthy}
	ts := newTestServer(&fakePipeline{}, &fakeFeedback{}, h)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestRequestIDAssignedAndEchoed(t *testing.T) {
	ts := newTestServer(&fakePipeline{queryResp: queryResponse()}, &fakeFeedback{}, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/query", map[string]string{"query": "hello world"})
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-fixed")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "req-fixed", resp2.Header.Get("X-Request-ID"))
	resp2.Body.Close()
}
