package handler

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/auth"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
	"github.com/pesio-ai/be-erp-approvals/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	approvals   *service.ApprovalService
	definitions *service.DefinitionService
	adminRoles  []string
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler. Only callers holding one of
// adminRoles may create workflow definition versions.
func NewHTTPHandler(approvals *service.ApprovalService, definitions *service.DefinitionService, adminRoles []string, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		approvals:   approvals,
		definitions: definitions,
		adminRoles:  adminRoles,
		log:         log,
	}
}

// Routes mounts the API under r.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Route("/approvals", func(r chi.Router) {
		r.Post("/", h.Submit)
		r.Get("/status", h.GetStatus)
		r.Get("/entity", h.EntityHistory)
		r.Get("/pending", h.PendingForRole)
		r.Get("/history", h.History)
		r.Get("/mine", h.Mine)
		r.Get("/stats", h.Stats)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetInstance)
			r.Post("/actions", h.Act)
			r.Post("/resubmit", h.Resubmit)
			r.Get("/audit", h.AuditTrail)
		})
	})
	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", h.ListWorkflows)
		r.Post("/", h.CreateWorkflowVersion)
	})
}

type submitBody struct {
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	WorkflowName string `json:"workflow_name"`
	Priority     string `json:"priority"`
}

// Submit handles POST /approvals
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !decode(w, r, &body) {
		return
	}

	res, err := h.approvals.Submit(r.Context(), service.SubmitRequest{
		EntityType:   repository.EntityType(body.EntityType),
		EntityID:     body.EntityID,
		WorkflowName: body.WorkflowName,
		Priority:     repository.Priority(body.Priority),
		Actor:        actor(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultView(res))
}

// GetStatus handles GET /approvals/status?entity_type=&entity_id=
func (h *HTTPHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	inst, err := h.approvals.GetStatus(r.Context(), repository.EntityType(q.Get("entity_type")), q.Get("entity_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceView(inst))
}

// EntityHistory handles GET /approvals/entity?entity_type=&entity_id=&limit=
func (h *HTTPHandler) EntityHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	q := r.URL.Query()
	list, err := h.approvals.EntityHistory(r.Context(), repository.EntityType(q.Get("entity_type")), q.Get("entity_id"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": toInstanceViews(list)})
}

// GetInstance handles GET /approvals/{id}
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.approvals.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceView(inst))
}

type actBody struct {
	Action    string `json:"action"`
	Comments  string `json:"comments"`
	StepOrder int    `json:"step_order"`
}

// Act handles POST /approvals/{id}/actions
func (h *HTTPHandler) Act(w http.ResponseWriter, r *http.Request) {
	var body actBody
	if !decode(w, r, &body) {
		return
	}

	res, err := h.approvals.Act(r.Context(), service.ActRequest{
		InstanceID: chi.URLParam(r, "id"),
		Action:     service.Action(body.Action),
		Actor:      actor(r),
		Comments:   body.Comments,
		StepOrder:  body.StepOrder,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultView(res))
}

// Resubmit handles POST /approvals/{id}/resubmit
func (h *HTTPHandler) Resubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Comments string `json:"comments"`
	}
	if !decode(w, r, &body) {
		return
	}

	res, err := h.approvals.ResubmitStep(r.Context(), service.ResubmitRequest{
		InstanceID: chi.URLParam(r, "id"),
		Actor:      actor(r),
		Comments:   body.Comments,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultView(res))
}

// AuditTrail handles GET /approvals/{id}/audit
func (h *HTTPHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.approvals.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": toAuditViews(entries)})
}

// PendingForRole handles GET /approvals/pending?role=&limit=. The role
// defaults to the caller's.
func (h *HTTPHandler) PendingForRole(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	role := r.URL.Query().Get("role")
	if role == "" {
		role = actor(r).Role
	}

	list, err := h.approvals.PendingForRole(r.Context(), role, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "instances": toInstanceViews(list)})
}

// History handles GET /approvals/history?limit=
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	list, err := h.approvals.History(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": toInstanceViews(list)})
}

// Mine handles GET /approvals/mine?limit=
func (h *HTTPHandler) Mine(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	list, err := h.approvals.SubmissionsBy(r.Context(), actor(r).ID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": toInstanceViews(list)})
}

// Stats handles GET /approvals/stats?days=
func (h *HTTPHandler) Stats(w http.ResponseWriter, r *http.Request) {
	days, ok := queryInt(w, r, "days")
	if !ok {
		return
	}
	stats, err := h.approvals.Stats(r.Context(), days)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListWorkflows handles GET /workflows?entity_type=&all=true
func (h *HTTPHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	defs, err := h.definitions.List(r.Context(), repository.EntityType(q.Get("entity_type")), q.Get("all") != "true")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]definitionView, 0, len(defs))
	for _, d := range defs {
		out = append(out, toDefinitionView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

type definitionBody struct {
	Name        string                    `json:"name"`
	EntityType  string                    `json:"entity_type"`
	Description string                    `json:"description"`
	Steps       []repository.StepTemplate `json:"steps"`
}

// CreateWorkflowVersion handles POST /workflows
func (h *HTTPHandler) CreateWorkflowVersion(w http.ResponseWriter, r *http.Request) {
	if a := actor(r); !slices.Contains(h.adminRoles, a.Role) {
		h.fail(w, r, errors.Newf(errors.ErrCodeUnauthorizedRole, "role %s cannot manage workflow definitions", a.Role))
		return
	}

	var body definitionBody
	if !decode(w, r, &body) {
		return
	}

	def, err := h.definitions.CreateVersion(r.Context(), &repository.WorkflowDefinition{
		Name:        body.Name,
		EntityType:  repository.EntityType(body.EntityType),
		Description: body.Description,
		Steps:       body.Steps,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDefinitionView(def))
}

// ── helpers ──────────────────────────────────────────────────────────────────

func actor(r *http.Request) auth.Actor {
	a, _ := auth.ActorFrom(r.Context())
	return a
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, errors.InvalidInput(key, key+" must be a non-negative integer"))
		return 0, false
	}
	return n, true
}

func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	if errors.HTTPStatus(code) >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Str("code", string(code)).Msg("Request failed")
	}
	writeError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: errors.CodeOf(err), Message: "internal server error"}
	var e *errors.Error
	if errors.As(err, &e) && body.Code != errors.ErrCodeInternal {
		body.Message = e.Message
		body.Field = e.Field
	}
	writeJSON(w, errors.HTTPStatus(body.Code), map[string]errorBody{"error": body})
}
