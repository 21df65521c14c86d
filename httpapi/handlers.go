package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/c360studio/agentd/chat"
	"github.com/c360studio/agentd/lifecycle"
	"github.com/c360studio/agentd/runner"
	"github.com/c360studio/agentd/store"
	"github.com/c360studio/agentd/task"
)

// listResponse is the paginated task envelope.
type listResponse struct {
	Items []*task.Task `json:"tasks"`
	Total int          `json:"total"`
}

// countResponse aggregates the per-status counts.
type countResponse struct {
	Total    int            `json:"total"`
	ByStatus map[task.Status]int `json:"by_status"`
}

// runnersResponse is the runner listing envelope.
type runnersResponse struct {
	Runners []*runner.Runner `json:"runners"`
	Total   int              `json:"total"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req task.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	t, err := s.controller.CreateTask(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := listFilterFromQuery(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	items, total, err := s.controller.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total})
}

func (s *Server) handleAttention(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Statuses: []task.Status{task.StatusFailed, task.StatusNeedsDecision},
		Limit:    queryInt(r, "limit", store.DefaultListLimit),
		Offset:   queryInt(r, "offset", 0),
	}

	items, total, err := s.controller.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total})
}

func (s *Server) handleCountTasks(w http.ResponseWriter, r *http.Request) {
	counts, err := s.controller.CountByStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, countResponse{Total: total, ByStatus: counts})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.controller.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var patch task.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if patch.Empty() {
		writeBadRequest(w, "patch carries no fields")
		return
	}

	t, err := s.controller.UpdateTask(r.Context(), chi.URLParam(r, "id"), &patch, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// upsertActiveResponse is the adopt-or-reconcile envelope.
type upsertActiveResponse struct {
	Created bool       `json:"created"`
	Task    *task.Task `json:"task"`
}

func (s *Server) handleUpsertActive(w http.ResponseWriter, r *http.Request) {
	var req task.UpsertActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	created, t, err := s.controller.UpsertActive(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, upsertActiveResponse{Created: created, Task: t})
}

// executeRequest is the optional body of POST /agent/tasks/{id}/execute.
type executeRequest struct {
	WorkerID           string  `json:"worker_id"`
	ForcePaidProviders bool    `json:"force_paid_providers"`
	MaxCostUSD         float64 `json:"max_cost_usd"`
	EstimatedCostUSD   float64 `json:"estimated_cost_usd"`
	CostSlackRatio     float64 `json:"cost_slack_ratio"`
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req executeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body: "+err.Error())
			return
		}
	}
	if req.WorkerID == "" {
		req.WorkerID = "api"
	}

	// 404 now rather than from the background goroutine.
	if _, err := s.controller.GetTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	s.controller.ExecuteAsyncWithOptions(id, req.WorkerID, lifecycle.ExecOptions{
		ForcePaid:        req.ForcePaidProviders,
		MaxCostUSD:       req.MaxCostUSD,
		EstimatedCostUSD: req.EstimatedCostUSD,
		CostSlackRatio:   req.CostSlackRatio,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": id,
		"status":  "accepted",
	})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	kind := task.Kind(r.URL.Query().Get("task_type"))
	if !kind.Valid() {
		writeError(w, &task.ValidationError{Fields: []task.FieldError{
			{Field: "task_type", Detail: "must be one of spec, test, impl, review, heal"},
		}})
		return
	}
	direction := strings.TrimSpace(r.URL.Query().Get("direction"))

	tctx := task.Context{}
	if executor := r.URL.Query().Get("executor"); executor != "" {
		tctx[task.KeyExecutor] = executor
	}
	if scope := r.URL.Query().Get("question_scope"); scope != "" {
		tctx[task.KeyQuestionScope] = scope
	}

	decision := s.controller.Route(r.Context(), kind, direction, tctx)
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req runner.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	reg, err := s.controller.Heartbeat(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	includeStale := r.URL.Query().Get("include_stale") == "1" ||
		r.URL.Query().Get("include_stale") == "true"
	limit := queryInt(r, "limit", store.DefaultListLimit)

	runners, err := s.controller.ListRunners(r.Context(), includeStale, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runnersResponse{Runners: runners, Total: len(runners)})
}

// handleChatWebhook always answers 200 so the chat platform does not
// redeliver; processing errors are logged inside the adapter.
func (s *Server) handleChatWebhook(w http.ResponseWriter, r *http.Request) {
	if s.chatbot == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	var update chat.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.logger.Warn("Malformed chat update", "error", err)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	s.chatbot.HandleUpdate(r.Context(), &update)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// listFilterFromQuery parses status, task_type, limit and offset.
func listFilterFromQuery(r *http.Request) (store.ListFilter, error) {
	filter := store.ListFilter{
		Limit:  queryInt(r, "limit", store.DefaultListLimit),
		Offset: queryInt(r, "offset", 0),
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := task.Status(raw)
		if !status.Valid() {
			return filter, &task.ValidationError{Fields: []task.FieldError{
				{Field: "status", Detail: "unknown status " + strconv.Quote(raw)},
			}}
		}
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("task_type"); raw != "" {
		kind := task.Kind(raw)
		if !kind.Valid() {
			return filter, &task.ValidationError{Fields: []task.FieldError{
				{Field: "task_type", Detail: "unknown task_type " + strconv.Quote(raw)},
			}}
		}
		filter.Kind = &kind
	}
	return filter, nil
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
