package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"codectx/internal/core"
	"codectx/internal/model"
	"codectx/internal/orchestrator"
	"codectx/internal/provider"
)

type queryRequest struct {
	Query     string `json:"query" validate:"required,min=1,max=4096"`
	Project   string `json:"project" validate:"max=256"`
	Mode      string `json:"mode" validate:"omitempty,oneof=one-shot conversational auto"`
	Synthesis string `json:"synthesis_mode" validate:"omitempty,oneof=synthesized raw"`
	RequestID string `json:"request_id" validate:"max=128"`
}

type continueRequest struct {
	ConversationID string            `json:"conversation_id" validate:"required"`
	Answers        map[string]string `json:"answers"`
}

type feedbackRequest struct {
	RequestID string `json:"request_id" validate:"required"`
	Feedback  string `json:"feedback" validate:"required,oneof=useful not_useful partial"`
	Comment   string `json:"comment" validate:"max=2048"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !s.decode(w, r, &req) {
		return
	}

	resp, err := s.pipeline.Query(r.Context(), orchestrator.Request{
		Query:         req.Query,
		Project:       req.Project,
		Mode:          model.Mode(req.Mode),
		SynthesisMode: model.SynthesisMode(req.Synthesis),
		RequestID:     req.RequestID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePipelineResponse(w, resp)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if !s.decode(w, r, &req) {
		return
	}

	resp, err := s.pipeline.Continue(r.Context(), req.ConversationID, req.Answers)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePipelineResponse(w, resp)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	state, err := s.pipeline.Conversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAbortConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := s.pipeline.Abort(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"conversation_id": state.ID,
		"aborted_at":      time.Now().UTC().Format(time.RFC3339),
		"round":           state.Round,
		"max_rounds":      state.MaxRounds,
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !s.decode(w, r, &req) {
		return
	}

	err := s.feedback.SubmitFeedback(r.Context(), req.RequestID, model.FeedbackRating(req.Feedback), req.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"request_id": req.RequestID,
	})
}

type healthResponse struct {
	Status    model.ServiceStatus            `json:"status"`
	Timestamp time.Time                      `json:"timestamp"`
	Services  map[string]model.ServiceHealth `json:"services,omitempty"`
	Breakers  map[string]string              `json:"breakers"`
	Providers map[string][]providerEntry     `json:"providers,omitempty"`
}

type providerEntry struct {
	Name     string `json:"name"`
	Position int    `json:"position"`
	Demoted  bool   `json:"demoted"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    model.StatusHealthy,
		Timestamp: time.Now().UTC(),
	}
	if s.health != nil {
		resp.Status = s.health.Overall()
		resp.Services = s.health.Snapshot()
	}
	if s.breakers != nil {
		resp.Breakers = map[string]string{}
		for service, state := range s.breakers.States() {
			resp.Breakers[service] = string(state)
		}
	}
	resp.Providers = map[string][]providerEntry{}
	if s.chains.Embedding != nil {
		resp.Providers["embedding"] = providerEntries(s.chains.Embedding.Snapshot())
	}
	if s.chains.Synthesis != nil {
		resp.Providers["synthesis"] = providerEntries(s.chains.Synthesis.Snapshot())
	}

	status := http.StatusOK
	if resp.Status == model.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func providerEntries(states []provider.ProviderState) []providerEntry {
	out := make([]providerEntry, 0, len(states))
	for _, st := range states {
		out = append(out, providerEntry{Name: st.Name, Position: st.Position, Demoted: st.Demoted})
	}
	return out
}

func (s *Server) writePipelineResponse(w http.ResponseWriter, resp *orchestrator.Response) {
	switch {
	case resp.Conversation != nil:
		s.writeJSON(w, http.StatusOK, resp.Conversation)
	case resp.Query != nil:
		s.writeJSON(w, http.StatusOK, resp.Query)
	default:
		s.writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:   "internal",
			Message: "empty pipeline response",
		})
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "validation",
			Message: "malformed request body: " + err.Error(),
		})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "validation",
			Message: err.Error(),
		})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case core.IsValidation(err):
		status = http.StatusBadRequest
	case core.IsNotFound(err):
		status = http.StatusNotFound
	case core.IsConflict(err):
		status = http.StatusConflict
	case core.IsUnavailable(err), errors.Is(err, core.ErrCircuitOpen), errors.Is(err, core.ErrTimeout):
		status = http.StatusServiceUnavailable
	case errors.Is(err, core.ErrRateLimited):
		status = http.StatusTooManyRequests
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", map[string]interface{}{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
	}
	s.writeJSON(w, status, errorBody{Error: core.Code(err), Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}
