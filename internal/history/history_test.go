package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// countingRepo serves canned summaries and counts list calls.
type countingRepo struct {
	summaries []domain.ReportSummary
	reports   map[string]*domain.Report
	listCalls int
}

func (r *countingRepo) SaveReport(ctx context.Context, tenantID string, report *domain.Report) error {
	return nil
}

func (r *countingRepo) GetReport(ctx context.Context, tenantID, reportID string) (*domain.Report, error) {
	rpt, ok := r.reports[reportID]
	if !ok {
		return nil, errors.New("record not found")
	}
	return rpt, nil
}

func (r *countingRepo) ListReports(ctx context.Context, tenantID string, limit int) ([]domain.ReportSummary, error) {
	r.listCalls++
	if limit < len(r.summaries) {
		return r.summaries[:limit], nil
	}
	return r.summaries, nil
}

func (r *countingRepo) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	return nil
}

func (r *countingRepo) GetRuleConfig(ctx context.Context, tenantID, ruleID string) (*domain.RuleConfig, error) {
	return nil, errors.New("record not found")
}

func (r *countingRepo) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	return nil, nil
}

func (r *countingRepo) Ping(ctx context.Context) error { return nil }
func (r *countingRepo) Close() error                   { return nil }

func sampleSummaries() []domain.ReportSummary {
	return []domain.ReportSummary{
		{ID: "rpt-2", TemplateID: "C 01.00", Currency: "GBP", IsValid: true, GeneratedAt: time.Now().UTC()},
		{ID: "rpt-1", TemplateID: "C 01.00", Currency: "GBP", IsValid: false, GeneratedAt: time.Now().UTC().Add(-time.Hour)},
	}
}

func TestRecent(t *testing.T) {
	ctx := context.Background()

	t.Run("ReturnsSummaries", func(t *testing.T) {
		repo := &countingRepo{summaries: sampleSummaries()}
		svc := NewService(repo, nil)

		summaries, err := svc.Recent(ctx, "tenant-001", 10)
		if err != nil {
			t.Fatalf("Recent failed: %v", err)
		}
		if len(summaries) != 2 {
			t.Fatalf("expected 2 summaries, got %d", len(summaries))
		}
		if summaries[0].ID != "rpt-2" {
			t.Errorf("expected newest report first, got %s", summaries[0].ID)
		}
	})

	t.Run("HonorsLimit", func(t *testing.T) {
		repo := &countingRepo{summaries: sampleSummaries()}
		svc := NewService(repo, nil)

		summaries, err := svc.Recent(ctx, "tenant-001", 1)
		if err != nil {
			t.Fatalf("Recent failed: %v", err)
		}
		if len(summaries) != 1 {
			t.Errorf("expected 1 summary, got %d", len(summaries))
		}
	})

	t.Run("ServesRepeatsFromCache", func(t *testing.T) {
		repo := &countingRepo{summaries: sampleSummaries()}
		svc := NewService(repo, cache.NewLRUCache(100))

		if _, err := svc.Recent(ctx, "tenant-001", 10); err != nil {
			t.Fatalf("Recent failed: %v", err)
		}
		if _, err := svc.Recent(ctx, "tenant-001", 10); err != nil {
			t.Fatalf("Recent failed: %v", err)
		}

		if repo.listCalls != 1 {
			t.Errorf("expected 1 repository call, got %d", repo.listCalls)
		}
	})

	t.Run("LimitsShareOneCacheEntry", func(t *testing.T) {
		repo := &countingRepo{summaries: sampleSummaries()}
		svc := NewService(repo, cache.NewLRUCache(100))

		if _, err := svc.Recent(ctx, "tenant-001", 10); err != nil {
			t.Fatalf("Recent failed: %v", err)
		}
		summaries, err := svc.Recent(ctx, "tenant-001", 1)
		if err != nil {
			t.Fatalf("Recent failed: %v", err)
		}
		if len(summaries) != 1 {
			t.Errorf("expected trimmed listing of 1, got %d", len(summaries))
		}
		if repo.listCalls != 1 {
			t.Errorf("expected shared cache entry across limits, got %d repository calls", repo.listCalls)
		}
	})

	t.Run("DeepRequestBypassesCache", func(t *testing.T) {
		repo := &countingRepo{summaries: sampleSummaries()}
		svc := NewService(repo, cache.NewLRUCache(100))

		svc.Recent(ctx, "tenant-001", 10)
		svc.Recent(ctx, "tenant-001", 200)

		if repo.listCalls != 2 {
			t.Errorf("expected repository hit for limit above cached depth, got %d calls", repo.listCalls)
		}
	})

	t.Run("CacheIsTenantScoped", func(t *testing.T) {
		repo := &countingRepo{summaries: sampleSummaries()}
		svc := NewService(repo, cache.NewLRUCache(100))

		svc.Recent(ctx, "tenant-a", 10)
		svc.Recent(ctx, "tenant-b", 10)

		if repo.listCalls != 2 {
			t.Errorf("expected separate repository calls per tenant, got %d", repo.listCalls)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		svc := NewService(&countingRepo{}, nil)

		_, err := svc.Recent(ctx, "", 10)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestGet(t *testing.T) {
	repo := &countingRepo{
		reports: map[string]*domain.Report{
			"rpt-1": {ID: "rpt-1", Verdict: domain.Verdict{IsValid: true}},
		},
	}
	svc := NewService(repo, nil)
	ctx := context.Background()

	rpt, err := svc.Get(ctx, "tenant-001", "rpt-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rpt.ID != "rpt-1" {
		t.Errorf("expected rpt-1, got %s", rpt.ID)
	}

	if _, err := svc.Get(ctx, "", "rpt-1"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty tenant, got %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	repo := &countingRepo{summaries: sampleSummaries()}
	svc := NewService(repo, cache.NewLRUCache(100))
	ctx := context.Background()

	// Prime the cache using the default limit
	svc.Recent(ctx, "tenant-001", 0)
	svc.Recent(ctx, "tenant-001", 0)
	if repo.listCalls != 1 {
		t.Fatalf("expected cached second read, got %d calls", repo.listCalls)
	}

	svc.Invalidate(ctx, "tenant-001")

	svc.Recent(ctx, "tenant-001", 0)
	if repo.listCalls != 2 {
		t.Errorf("expected repository hit after invalidation, got %d calls", repo.listCalls)
	}
}

func TestInvalidateCoversExplicitLimits(t *testing.T) {
	repo := &countingRepo{summaries: sampleSummaries()}
	svc := NewService(repo, cache.NewLRUCache(100))
	ctx := context.Background()

	// Prime the cache with an explicit limit
	svc.Recent(ctx, "tenant-001", 10)
	svc.Recent(ctx, "tenant-001", 10)
	if repo.listCalls != 1 {
		t.Fatalf("expected cached second read, got %d calls", repo.listCalls)
	}

	svc.Invalidate(ctx, "tenant-001")

	svc.Recent(ctx, "tenant-001", 10)
	if repo.listCalls != 2 {
		t.Errorf("expected repository hit after invalidation, got %d calls", repo.listCalls)
	}
}
