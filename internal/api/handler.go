package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/extract"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/reconcile"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/schema"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	extractor  domain.Extractor
	reconciler *reconcile.Engine
	rules      *rules.Engine
	assembler  *report.Assembler
	history    *history.Service
	schema     *schema.Schema
	version    string

	extractionTTL time.Duration
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, extractor domain.Extractor, reconciler *reconcile.Engine, rulesEngine *rules.Engine, assembler *report.Assembler, historySvc *history.Service, s *schema.Schema, version string) *Handler {
	return &Handler{
		repo:          repo,
		cache:         cache,
		bus:           bus,
		extractor:     extractor,
		reconciler:    reconciler,
		rules:         rulesEngine,
		assembler:     assembler,
		history:       historySvc,
		schema:        s,
		version:       version,
		extractionTTL: time.Hour,
	}
}

// SubmitRequest is the request body for POST /reports.
type SubmitRequest struct {
	Scenario string `json:"scenario"`
}

// SubmitResponse is the response for POST /reports and POST /validate.
type SubmitResponse struct {
	Report   *domain.Report `json:"report"`
	Metadata struct {
		TraceID   string `json:"traceId"`
		CacheHit  bool   `json:"cacheHit"`
		ExtractMs int64  `json:"extractMs"`
		TotalMs   int64  `json:"totalMs"`
		Version   string `json:"version"`
	} `json:"metadata"`
}

// SubmitReport handles POST /reports: extract a populated template from
// a free-text scenario, validate it, and persist the resulting report.
func (h *Handler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Scenario == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "scenario is required",
		})
		return
	}
	if h.extractor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "extraction is not configured",
		})
		return
	}

	// Extraction, served from cache when the scenario repeats
	extractStart := time.Now()
	cacheKey := extract.CacheKey(h.schema.TemplateID(), req.Scenario)
	cacheHit := false

	var tpl *domain.PopulatedTemplate
	if h.cache != nil {
		if cached, err := h.cache.GetExtraction(ctx, tenantID, cacheKey); err == nil && cached != nil {
			tpl = cached
			cacheHit = true
		}
	}

	if tpl == nil {
		var err error
		tpl, err = h.extractor.Extract(ctx, req.Scenario)
		if err != nil {
			slog.Error("extraction failed", "tenant_id", tenantID, "error", err)
			status := http.StatusBadGateway
			if errors.Is(err, domain.ErrInvalidInput) {
				status = http.StatusUnprocessableEntity
			}
			writeJSON(w, status, map[string]string{
				"error": "extraction failed: " + err.Error(),
			})
			return
		}

		if h.cache != nil {
			if err := h.cache.SetExtraction(ctx, tenantID, cacheKey, tpl, h.extractionTTL); err != nil {
				slog.Warn("failed to cache extraction", "error", err)
			}
		}
	}
	extractMs := time.Since(extractStart).Milliseconds()

	rpt, status, errMsg := h.validateAndAssemble(r, tpl, req.Scenario)
	if errMsg != "" {
		writeJSON(w, status, map[string]string{"error": errMsg})
		return
	}

	resp := SubmitResponse{Report: rpt}
	resp.Metadata.TraceID = traceID
	resp.Metadata.CacheHit = cacheHit
	resp.Metadata.ExtractMs = extractMs
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// Validate handles POST /validate: validate a pre-populated template
// without going through extraction.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	traceID := GetTraceID(r.Context())

	var tpl domain.PopulatedTemplate
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rpt, status, errMsg := h.validateAndAssemble(r, &tpl, "")
	if errMsg != "" {
		writeJSON(w, status, map[string]string{"error": errMsg})
		return
	}

	resp := SubmitResponse{Report: rpt}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// validateAndAssemble runs the shared tail of both submission paths:
// reconciliation, supplementary rules, report assembly, and pipeline
// event publication.
func (h *Handler) validateAndAssemble(r *http.Request, tpl *domain.PopulatedTemplate, userQuery string) (*domain.Report, int, string) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	verdict, err := h.reconciler.Validate(tpl)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			return nil, http.StatusUnprocessableEntity, err.Error()
		}
		slog.Error("validation failed", "tenant_id", tenantID, "error", err)
		return nil, http.StatusInternalServerError, "validation failed"
	}

	if h.rules != nil && h.rules.RulesCount() > 0 {
		findings := h.rules.Evaluate(ctx, tpl)
		rules.Merge(verdict, findings)
	}

	rpt, err := h.assembler.Assemble(ctx, &report.AssembleInput{
		TenantID:  tenantID,
		Template:  tpl,
		Verdict:   verdict,
		UserQuery: userQuery,
	})
	if err != nil {
		slog.Error("failed to assemble report", "tenant_id", tenantID, "error", err)
		return nil, http.StatusInternalServerError, "failed to assemble report"
	}

	if h.history != nil {
		h.history.Invalidate(ctx, tenantID)
	}

	if h.bus != nil {
		payload, _ := json.Marshal(rpt)
		if err := h.bus.Publish(ctx, tenantID, domain.TopicReportValidated, payload); err != nil {
			slog.Error("failed to publish report", "report_id", rpt.ID, "error", err)
		}
		if !verdict.IsValid {
			if err := h.bus.Publish(ctx, tenantID, domain.TopicReportInvalid, payload); err != nil {
				slog.Error("failed to publish invalid report", "report_id", rpt.ID, "error", err)
			}
		}
	}

	return rpt, http.StatusOK, ""
}

// ListReports handles GET /reports: recent report summaries for the tenant.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "history not available",
		})
		return
	}

	summaries, err := h.history.Recent(ctx, tenantID, limit)
	if err != nil {
		slog.Error("failed to list reports", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list reports",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": summaries,
		"count":   len(summaries),
	})
}

// GetReport handles GET /reports/{id}.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	reportID := chi.URLParam(r, "id")

	if reportID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "report id is required",
		})
		return
	}

	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "history not available",
		})
		return
	}

	rpt, err := h.history.Get(ctx, tenantID, reportID)
	if err != nil {
		slog.Error("failed to get report", "id", reportID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "report not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rpt)
}

// GetSchema handles GET /schema: the template definition in effect.
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"template": h.schema.TemplateID(),
		"fields":   h.schema.Fields(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns all loaded supplementary rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rules engine not available",
		})
		return
	}

	loadedRules := h.rules.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	if h.rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rules engine not available",
		})
		return
	}

	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	for _, rule := range h.rules.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Reference  string `json:"reference,omitempty"`
	Expression string `json:"expression"`
	Severity   string `json:"severity"`
	Message    string `json:"message,omitempty"`
	Enabled    bool   `json:"enabled"`
}

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// CreateRule creates a new supplementary rule and saves it to the database.
// Rules are saved globally (tenant_id = "*") so they apply to all tenants.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rules engine not available",
		})
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	severity := req.Severity
	if severity == "" {
		severity = domain.SeverityWarning
	}

	// Create rule config (global tenant)
	ruleConfig := &domain.RuleConfig{
		ID:         req.ID,
		TenantID:   GlobalTenantID,
		Name:       req.Name,
		Version:    "1.0.0",
		Reference:  req.Reference,
		Expression: req.Expression,
		Severity:   severity,
		Message:    req.Message,
		Enabled:    req.Enabled,
	}

	// Validate CEL expression by attempting to load
	if err := h.rules.LoadRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	// Persist to repository (global tenant ID)
	if h.repo != nil {
		if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, ruleConfig); err != nil {
			slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rules engine not available",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	// Load rules from database (global rules)
	dbRules, err := h.repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	// Reload into engine
	if err := h.rules.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
