package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/otherjamesbrown/vcmatrix/pkg/agent"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations/fx"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations/tavily"
	"github.com/otherjamesbrown/vcmatrix/pkg/rl"
)

// Query limits for the experience endpoints.
const (
	defaultSimilarK  = 5
	maxSimilarK      = 50
	maxSearchResults = 20
)

func (s *Server) handleAgentQuery(w http.ResponseWriter, r *http.Request) {
	var req agent.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.Agent.Query(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAgentFeedback(w http.ResponseWriter, r *http.Request) {
	var req agent.FeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	exp, err := s.deps.Agent.Feedback(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.deps.Agent.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleSimilar returns past experiences similar to ?q=, best first.
func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.writeError(w, r, fmt.Errorf("q is required: %w", vcerrors.ErrValidation))
		return
	}
	k, err := queryInt(r, "k", defaultSimilarK)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if k == 0 {
		k = defaultSimilarK
	}
	k = min(k, maxSimilarK)
	minScore, err := queryFloat(r, "min_score", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	matches, err := s.deps.Memory.Similar(r.Context(), q, k, minScore)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if matches == nil {
		matches = []rl.Match{}
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleIntentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Memory.IntentStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if stats == nil {
		stats = []rl.IntentStat{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		s.writeError(w, r, fmt.Errorf("q is required: %w", vcerrors.ErrValidation))
		return
	}
	maxResults, err := queryInt(r, "max_results", 5)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	answer, err := queryBool(r, "include_answer", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.Search.Search(r.Context(), query, tavily.Options{
		MaxResults:    min(maxResults, maxSearchResults),
		Depth:         q.Get("depth"),
		Topic:         q.Get("topic"),
		IncludeAnswer: answer,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFX converts ?amount= (default 1) ?from= into ?to=.
func (s *Server) handleFX(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := fx.NormalizeCode(q.Get("from"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := fx.NormalizeCode(q.Get("to"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := queryFloat(r, "amount", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conv, err := s.deps.FX.Convert(r.Context(), amount, from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}
