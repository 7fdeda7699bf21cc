// Package worker provides async validation processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/extract"
	"github.com/opensource-finance/kestrel/internal/reconcile"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Worker processes validation requests asynchronously from the EventBus.
type Worker struct {
	bus        domain.EventBus
	cache      domain.Cache
	extractor  domain.Extractor
	reconciler *reconcile.Engine
	rules      *rules.Engine
	assembler  *report.Assembler

	templateID string
	cacheTTL   time.Duration

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process
	TenantIDs []string

	// TemplateID scopes the extraction cache to one template version
	TemplateID string

	// CacheTTL is how long extraction results stay cached
	CacheTTL time.Duration
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, cache domain.Cache, extractor domain.Extractor, reconciler *reconcile.Engine, rulesEngine *rules.Engine, assembler *report.Assembler) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:        bus,
		cache:      cache,
		extractor:  extractor,
		reconciler: reconciler,
		rules:      rulesEngine,
		assembler:  assembler,
		cacheTTL:   time.Hour,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	w.templateID = cfg.TemplateID
	if cfg.CacheTTL > 0 {
		w.cacheTTL = cfg.CacheTTL
	}

	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicReportSubmitted, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicReportSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.processRequest(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicReportSubmitted,
	)

	return nil
}

// handleMessage handles messages from global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processRequest(ctx, msg.TenantID, msg)
}

// ValidationRequest is the message payload for async validation.
type ValidationRequest struct {
	RequestID string `json:"requestId"`
	TenantID  string `json:"tenantId"`
	TraceID   string `json:"traceId"`
	Scenario  string `json:"scenario"`
}

// processRequest runs one request through the validation pipeline:
// extract, reconcile, supplementary rules, assemble, publish.
func (w *Worker) processRequest(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var req ValidationRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse validation request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if req.TenantID != "" {
		tenantID = req.TenantID
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing validation request",
		"request_id", req.RequestID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	// 1. Extract the populated template, serving repeats from cache
	tpl, err := w.extractTemplate(ctx, tenantID, req.Scenario)
	if err != nil {
		slog.Error("extraction failed",
			"request_id", req.RequestID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	// 2. Reconcile against the template schema
	verdict, err := w.reconciler.Validate(tpl)
	if err != nil {
		slog.Error("validation failed",
			"request_id", req.RequestID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	// 3. Apply supplementary rules
	if w.rules != nil && w.rules.RulesCount() > 0 {
		findings := w.rules.Evaluate(ctx, tpl)
		rules.Merge(verdict, findings)
	}

	// 4. Assemble and persist the report
	rpt, err := w.assembler.Assemble(ctx, &report.AssembleInput{
		TenantID:  tenantID,
		Template:  tpl,
		Verdict:   verdict,
		UserQuery: req.Scenario,
	})
	if err != nil {
		slog.Error("failed to assemble report",
			"request_id", req.RequestID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	// 5. Publish the outcome
	resultPayload, _ := json.Marshal(rpt)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicReportValidated, resultPayload); err != nil {
		slog.Error("failed to publish report",
			"report_id", rpt.ID,
			"error", err,
		)
	}

	// 6. Invalid reports also go to the dedicated topic for alerting
	if !verdict.IsValid {
		if err := w.bus.Publish(ctx, tenantID, domain.TopicReportInvalid, resultPayload); err != nil {
			slog.Error("failed to publish invalid report",
				"report_id", rpt.ID,
				"error", err,
			)
		}
	}

	slog.Info("validation request processed",
		"request_id", req.RequestID,
		"tenant_id", tenantID,
		"report_id", rpt.ID,
		"is_valid", verdict.IsValid,
		"errors", len(verdict.Errors),
		"warnings", len(verdict.Warnings),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// extractTemplate checks the cache before calling the extractor.
// Cache failures degrade to a direct extraction call.
func (w *Worker) extractTemplate(ctx context.Context, tenantID, scenario string) (*domain.PopulatedTemplate, error) {
	if scenario == "" {
		return nil, errors.New("scenario is required")
	}

	key := extract.CacheKey(w.templateID, scenario)

	if w.cache != nil {
		if tpl, err := w.cache.GetExtraction(ctx, tenantID, key); err == nil && tpl != nil {
			slog.Debug("extraction cache hit", "tenant_id", tenantID)
			return tpl, nil
		}
	}

	tpl, err := w.extractor.Extract(ctx, scenario)
	if err != nil {
		return nil, err
	}

	if w.cache != nil {
		if err := w.cache.SetExtraction(ctx, tenantID, key, tpl, w.cacheTTL); err != nil {
			slog.Warn("failed to cache extraction", "error", err)
		}
	}

	return tpl, nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
