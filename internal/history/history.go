// Package history serves the validation run history: the most recent
// report summaries per tenant, newest first.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const listCacheKey = "history:recent"

// Service reads report history from the repository with a short-lived
// cache in front. History is append-only, so a short TTL keeps the
// listing fresh without hitting the database on every request.
type Service struct {
	repo     domain.Repository
	cache    domain.Cache
	cacheTTL time.Duration
	limit    int
}

// NewService creates a history service. The cache may be nil.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:     repo,
		cache:    cache,
		cacheTTL: 30 * time.Second,
		limit:    50,
	}
}

// Recent returns up to limit report summaries for a tenant, newest
// first. limit <= 0 falls back to the service default.
func (s *Service) Recent(ctx context.Context, tenantID string, limit int) ([]domain.ReportSummary, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = s.limit
	}

	// One cached listing per tenant, held at the default depth. Smaller
	// requests are trims of it; deeper ones bypass the cache so a stale
	// shallow entry can never mask rows.
	if s.cache != nil && limit <= s.limit {
		if data, err := s.cache.Get(ctx, tenantID, listCacheKey); err == nil && data != nil {
			var summaries []domain.ReportSummary
			if err := json.Unmarshal(data, &summaries); err == nil {
				return trim(summaries, limit), nil
			}
		}
	}

	fetch := limit
	if fetch < s.limit {
		fetch = s.limit
	}

	summaries, err := s.repo.ListReports(ctx, tenantID, fetch)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	if s.cache != nil && fetch == s.limit {
		if data, err := json.Marshal(summaries); err == nil {
			if err := s.cache.Set(ctx, tenantID, listCacheKey, data, s.cacheTTL); err != nil {
				slog.Warn("failed to cache history listing", "error", err)
			}
		}
	}

	return trim(summaries, limit), nil
}

func trim(summaries []domain.ReportSummary, limit int) []domain.ReportSummary {
	if len(summaries) > limit {
		return summaries[:limit]
	}
	return summaries
}

// Get returns one full report by ID.
func (s *Service) Get(ctx context.Context, tenantID, reportID string) (*domain.Report, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	return s.repo.GetReport(ctx, tenantID, reportID)
}

// Invalidate drops the cached listing for a tenant after a new report
// lands, so the next read reflects it immediately.
func (s *Service) Invalidate(ctx context.Context, tenantID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, tenantID, listCacheKey); err != nil {
		slog.Warn("failed to invalidate history cache", "error", err)
	}
}
