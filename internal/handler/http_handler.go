package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/engine"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/template"
)

// HTTPHandler handles HTTP requests for templates, instances and actions.
type HTTPHandler struct {
	templates *template.Store
	engine    *engine.Engine
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(templates *template.Store, eng *engine.Engine, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		templates: templates,
		engine:    eng,
		log:       log,
	}
}

// Routes registers every endpoint on the mux.
func (h *HTTPHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/templates", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListTemplates(w, r)
		case http.MethodPost:
			h.CreateTemplate(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/templates/get", h.GetTemplate)
	mux.HandleFunc("/api/v1/templates/update", h.UpdateTemplate)
	mux.HandleFunc("/api/v1/templates/delete", h.DeleteTemplate)
	mux.HandleFunc("/api/v1/templates/validate", h.ValidateTemplate)
	mux.HandleFunc("/api/v1/templates/compile", h.CompileTemplate)
	mux.HandleFunc("/api/v1/templates/versions", h.ListTemplateVersions)
	mux.HandleFunc("/api/v1/templates/rollback", h.RollbackTemplate)
	mux.HandleFunc("/api/v1/templates/diff", h.DiffTemplateVersions)
	mux.HandleFunc("/api/v1/templates/impact", h.TemplateImpact)

	mux.HandleFunc("/api/v1/instances", h.CreateInstance)
	mux.HandleFunc("/api/v1/instances/get", h.GetInstance)
	mux.HandleFunc("/api/v1/instances/history", h.InstanceHistory)
	mux.HandleFunc("/api/v1/instances/actions", h.ExecuteAction)

	mux.HandleFunc("/api/v1/tasks/decide", h.DecideTask)
	mux.HandleFunc("/api/v1/tasks/pending", h.PendingApprovals)
}

// tenantID reads the tenant from the gateway-injected header.
func tenantID(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}

func (h *HTTPHandler) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			h.log.Warn().Err(err).Msg("Failed to encode response")
		}
	}
}

// writeError maps coded errors onto HTTP statuses.
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.CodeNotFound:
		status = http.StatusNotFound
	case apperrors.CodeInvalidInput, apperrors.CodeValidationFailed, apperrors.CodeUnknownAction:
		status = http.StatusBadRequest
	case apperrors.CodeConflict, apperrors.CodeConcurrencyConflict, apperrors.CodeTaskNotPending, apperrors.CodeActionNotAllowed:
		status = http.StatusConflict
	case apperrors.CodeLockUnavailable:
		status = http.StatusServiceUnavailable
	case apperrors.CodeUnauthorized:
		status = http.StatusForbidden
	}
	h.respond(w, status, map[string]any{
		"error": err.Error(),
		"code":  string(code),
	})
}

func (h *HTTPHandler) requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := tenantID(r)
	if tenant == "" {
		h.respond(w, http.StatusBadRequest, map[string]any{
			"error": "X-Tenant-ID header is required",
			"code":  string(apperrors.CodeInvalidInput),
		})
		return "", false
	}
	return tenant, true
}

// ── Templates ────────────────────────────────────────────────────────────────

// CreateTemplate handles create template HTTP requests.
func (h *HTTPHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	var req struct {
		Code        string                      `json:"code"`
		Name        string                      `json:"name"`
		Description *string                     `json:"description,omitempty"`
		CreatedBy   string                      `json:"created_by"`
		Stages      []*repository.TemplateStage `json:"stages"`
		Rules       []*repository.TemplateRule  `json:"rules"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	tpl, issues, err := h.templates.Create(r.Context(), template.CreateInput{
		TenantID:    tenant,
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
		Stages:      req.Stages,
		Rules:       req.Rules,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(issues) > 0 {
		h.respond(w, http.StatusUnprocessableEntity, map[string]any{"issues": issues})
		return
	}
	h.respond(w, http.StatusCreated, tpl)
}

// GetTemplate handles get template HTTP requests. Accepts an ID or a code.
func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	key := r.URL.Query().Get("id")
	if key == "" {
		key = r.URL.Query().Get("code")
	}
	if key == "" {
		http.Error(w, "Template ID or code is required", http.StatusBadRequest)
		return
	}

	tpl, err := h.templates.Get(r.Context(), tenant, key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, tpl)
}

// ListTemplates handles list templates HTTP requests.
func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	templates, total, err := h.templates.List(r.Context(), tenant, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{
		"templates": templates,
		"total":     total,
	})
}

// UpdateTemplate handles template update HTTP requests. Updates append a new
// version; prior versions are never mutated.
func (h *HTTPHandler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	var req struct {
		Code        string                      `json:"code"`
		Name        *string                     `json:"name,omitempty"`
		Description *string                     `json:"description,omitempty"`
		UpdatedBy   string                      `json:"updated_by"`
		Stages      []*repository.TemplateStage `json:"stages,omitempty"`
		Rules       []*repository.TemplateRule  `json:"rules,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, "Template code is required", http.StatusBadRequest)
		return
	}

	tpl, issues, err := h.templates.Update(r.Context(), tenant, req.Code, template.UpdateInput{
		Name:        req.Name,
		Description: req.Description,
		Stages:      req.Stages,
		Rules:       req.Rules,
		UpdatedBy:   req.UpdatedBy,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(issues) > 0 {
		h.respond(w, http.StatusUnprocessableEntity, map[string]any{"issues": issues})
		return
	}
	h.respond(w, http.StatusOK, tpl)
}

// DeleteTemplate handles delete template HTTP requests. Removes every
// version of the code.
func (h *HTTPHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Template code is required", http.StatusBadRequest)
		return
	}

	if err := h.templates.Delete(r.Context(), tenant, code); err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"deleted": true})
}

// ValidateTemplate handles validation HTTP requests against a stored
// template. The response lists the issues found, if any.
func (h *HTTPHandler) ValidateTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	key := r.URL.Query().Get("id")
	if key == "" {
		key = r.URL.Query().Get("code")
	}
	if key == "" {
		http.Error(w, "Template ID or code is required", http.StatusBadRequest)
		return
	}

	issues, err := h.templates.Validate(r.Context(), tenant, key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{
		"valid":  len(issues) == 0,
		"issues": issues,
	})
}

// CompileTemplate handles compile HTTP requests.
func (h *HTTPHandler) CompileTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	key := r.URL.Query().Get("id")
	if key == "" {
		key = r.URL.Query().Get("code")
	}
	if key == "" {
		http.Error(w, "Template ID or code is required", http.StatusBadRequest)
		return
	}

	compiled, err := h.templates.Compile(r.Context(), tenant, key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, compiled)
}

// ListTemplateVersions handles version listing HTTP requests.
func (h *HTTPHandler) ListTemplateVersions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Template code is required", http.StatusBadRequest)
		return
	}

	versions, err := h.templates.ListVersions(r.Context(), tenant, code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"versions": versions})
}

// RollbackTemplate handles rollback HTTP requests. Rolling back clones the
// target version as a new active version.
func (h *HTTPHandler) RollbackTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	var req struct {
		Code      string `json:"code"`
		VersionNo int    `json:"version_no"`
		ActorID   string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	tpl, err := h.templates.Rollback(r.Context(), tenant, req.Code, req.VersionNo, req.ActorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, tpl)
}

// DiffTemplateVersions handles diff HTTP requests between two versions.
func (h *HTTPHandler) DiffTemplateVersions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	code := r.URL.Query().Get("code")
	from, _ := strconv.Atoi(r.URL.Query().Get("from"))
	to, _ := strconv.Atoi(r.URL.Query().Get("to"))
	if code == "" || from < 1 || to < 1 {
		http.Error(w, "code, from and to are required", http.StatusBadRequest)
		return
	}

	diff, err := h.templates.Diff(r.Context(), tenant, code, from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, diff)
}

// TemplateImpact handles impact analysis HTTP requests: which lifecycle
// transitions reference the template.
func (h *HTTPHandler) TemplateImpact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Template code is required", http.StatusBadRequest)
		return
	}

	transitions, err := h.templates.ImpactAnalysis(r.Context(), tenant, code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"transitions": transitions})
}

// ── Instances ────────────────────────────────────────────────────────────────

// CreateInstance handles create instance HTTP requests. Expected failures
// come back as a structured body with success=false, not as errors.
func (h *HTTPHandler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	var req engine.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.TenantID = tenant

	result := h.engine.CreateInstance(r.Context(), req)
	status := http.StatusCreated
	if !result.Success {
		status = http.StatusOK
	}
	h.respond(w, status, result)
}

// GetInstance handles get instance HTTP requests, including its stages.
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Instance ID is required", http.StatusBadRequest)
		return
	}

	inst, stages, err := h.engine.GetInstance(r.Context(), tenant, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{
		"instance": inst,
		"stages":   stages,
	})
}

// InstanceHistory handles event trail HTTP requests.
func (h *HTTPHandler) InstanceHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Instance ID is required", http.StatusBadRequest)
		return
	}

	events, err := h.engine.History(r.Context(), tenant, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"events": events})
}

// ExecuteAction handles workflow action HTTP requests: approve, reject,
// delegate, escalate, hold, resume, recall, withdraw, bypass, reassign,
// comment, release, request_changes.
func (h *HTTPHandler) ExecuteAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	var req engine.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.TenantID = tenant

	result, err := h.engine.ExecuteAction(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, result)
}

// ── Tasks ────────────────────────────────────────────────────────────────────

// DecideTask handles direct decision HTTP requests. Thin alternative to the
// action endpoint for integrations that only approve and reject.
func (h *HTTPHandler) DecideTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	var req struct {
		TaskID    string  `json:"task_id"`
		Approve   bool    `json:"approve"`
		DecidedBy string  `json:"decided_by"`
		Note      *string `json:"note,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TaskID == "" || req.DecidedBy == "" {
		http.Error(w, "task_id and decided_by are required", http.StatusBadRequest)
		return
	}

	result, err := h.engine.MakeDecision(r.Context(), engine.DecisionRequest{
		TenantID:  tenant,
		TaskID:    req.TaskID,
		Approve:   req.Approve,
		DecidedBy: req.DecidedBy,
		Note:      req.Note,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, result)
}

// PendingApprovals handles worklist HTTP requests for one approver.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	approverID := r.URL.Query().Get("approver_id")
	if approverID == "" {
		http.Error(w, "Approver ID is required", http.StatusBadRequest)
		return
	}

	tasks, err := h.engine.PendingApprovals(r.Context(), tenant, approverID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"tasks": tasks})
}
