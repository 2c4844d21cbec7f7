package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"causeway/internal/hook"
	"causeway/internal/manage"
	"causeway/internal/rules"
	"causeway/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePreToolUse answers with the same JSON the command hook prints, or
// an empty object on allow.
func (s *Server) handlePreToolUse(w http.ResponseWriter, r *http.Request) {
	p, err := hook.DecodePreToolUse(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	v, err := s.cfg.Enforcer.Enforce(r.Context(), p.Call())
	if err != nil {
		s.logger.Error("enforce failed", zap.String("tool", p.ToolName), zap.Error(err))
		if s.cfg.FailClosed {
			respondJSON(w, http.StatusOK, hook.Output{HookSpecificOutput: hook.SpecificOutput{
				HookEventName:            "PreToolUse",
				PermissionDecision:       "deny",
				PermissionDecisionReason: "causeway: " + err.Error(),
			}})
			return
		}
		respondJSON(w, http.StatusOK, struct{}{})
		return
	}
	w.Header().Set("X-Causeway-Decision", string(v.Decision))
	if out := hook.Response(v); out != nil {
		respondJSON(w, http.StatusOK, out)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

type stopResponse struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id,omitempty"`
	Learning  bool   `json:"learning"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	p, err := hook.DecodeStop(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	id, err := hook.HandleStop(r.Context(), s.cfg.Sessions, p)
	if err != nil {
		s.logger.Error("record session failed", zap.String("session", p.SessionID), zap.Error(err))
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}
	resp := stopResponse{SessionID: id}
	if s.cfg.Learner != nil {
		task, err := s.cfg.Learner.Submit(id)
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
		resp.TaskID, resp.Learning = task.ID, true
		s.logger.Info("learning queued", zap.String("session", id), zap.String("task", task.ID))
	}
	respondJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := manage.ListOptions{
		ActiveOnly: q.Get("active_only") == "true",
		Kind:       q.Get("kind"),
		Tool:       q.Get("tool"),
	}
	rs, err := s.cfg.Manage.List(r.Context(), opts)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	out := make([]ruleView, 0, len(rs))
	for _, rule := range rs {
		out = append(out, viewRule(rule))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("rule id must be an integer"))
		return
	}
	rule, err := s.cfg.Manage.Get(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, viewRule(rule))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		respondError(w, http.StatusBadRequest, errors.New("q is required"))
		return
	}
	k, err := intParam(r, "k", manage.DefaultSearchK)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ms, err := s.cfg.Manage.Search(r.Context(), query, k)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	out := make([]matchView, 0, len(ms))
	for _, m := range ms {
		out = append(out, matchView{Rule: viewRule(m.Rule), Distance: m.Distance, Similarity: m.Similarity()})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	q := r.URL.Query()
	f := store.TraceFilter{
		Kind:      store.TraceKind(q.Get("kind")),
		SessionID: q.Get("session"),
		Decision:  store.Decision(q.Get("decision")),
		Limit:     limit,
	}
	if v := q.Get("rule"); v != "" {
		if f.RuleID, err = strconv.ParseInt(v, 10, 64); err != nil {
			respondError(w, http.StatusBadRequest, errors.New("rule must be an integer"))
			return
		}
	}
	ts, err := s.cfg.Traces.QueryTraces(r.Context(), f)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	out := make([]traceView, 0, len(ts))
	for _, t := range ts {
		out = append(out, viewTrace(t))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Manage.Stats(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, viewStats(st))
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return n, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, manage.ErrSearchUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
