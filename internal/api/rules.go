package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"island/internal/filter"
	"island/internal/model"
)

type ruleRequest struct {
	Name            string            `json:"name"`
	Pattern         string            `json:"pattern"`
	IsRegex         bool              `json:"is_regex"`
	CaseInsensitive bool              `json:"case_insensitive"`
	MatchEntire     bool              `json:"match_entire"`
	Enabled         *bool             `json:"enabled"`
	Target          model.BlockTarget `json:"target"`
}

// ruleResponse carries a warning when a regex rule does not compile and
// will be matched as a literal.
type ruleResponse struct {
	model.BlockRule
	Warning string `json:"warning,omitempty"`
}

// toRule validates the request and fills in defaults: the rule is enabled,
// targets all fields and is named after its pattern.
func (req ruleRequest) toRule() (model.BlockRule, error) {
	if strings.TrimSpace(req.Pattern) == "" {
		return model.BlockRule{}, fmt.Errorf("pattern is required")
	}
	target := req.Target
	if target == "" {
		target = model.TargetAll
	}
	if !target.Valid() {
		return model.BlockRule{}, fmt.Errorf("invalid target %q", target)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.Pattern
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return model.BlockRule{
		Name:            name,
		Pattern:         req.Pattern,
		IsRegex:         req.IsRegex,
		CaseInsensitive: req.CaseInsensitive,
		MatchEntire:     req.MatchEntire,
		Enabled:         enabled,
		Target:          target,
	}, nil
}

func respondRule(r model.BlockRule) ruleResponse {
	resp := ruleResponse{BlockRule: r}
	if r.IsRegex {
		if err := filter.ValidateRegex(r.Pattern); err != nil {
			resp.Warning = err.Error() + "; pattern is matched literally"
		}
	}
	return resp
}

func ruleIndex(r *http.Request) int64 {
	// The route only matches digits.
	idx, _ := strconv.ParseInt(mux.Vars(r)["index"], 10, 64)
	return idx
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		resp = append(resp, respondRule(rule))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.store.GetRule(r.Context(), ruleIndex(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, respondRule(*rule))
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := req.toRule()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateRule(r.Context(), &rule); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logFor(r).Info("block rule created", "index", rule.Index, "target", rule.Target)
	writeJSON(w, http.StatusCreated, respondRule(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := req.toRule()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := s.store.GetRule(r.Context(), ruleIndex(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rule.Index = existing.Index
	rule.CreatedAt = existing.CreatedAt
	if err := s.store.UpdateRule(r.Context(), &rule); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logFor(r).Info("block rule updated", "index", rule.Index)
	writeJSON(w, http.StatusOK, respondRule(rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	idx := ruleIndex(r)
	if err := s.store.DeleteRule(r.Context(), idx); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logFor(r).Info("block rule deleted", "index", idx)
	w.WriteHeader(http.StatusNoContent)
}
