package report

import (
	"context"
	"errors"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// fakeRepo records saved reports so assembly persistence can be checked
// without a database.
type fakeRepo struct {
	saved   []*domain.Report
	tenants []string
	failSave error
}

func (f *fakeRepo) SaveReport(ctx context.Context, tenantID string, r *domain.Report) error {
	if f.failSave != nil {
		return f.failSave
	}
	f.saved = append(f.saved, r)
	f.tenants = append(f.tenants, tenantID)
	return nil
}

func (f *fakeRepo) GetReport(ctx context.Context, tenantID, reportID string) (*domain.Report, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRepo) ListReports(ctx context.Context, tenantID string, limit int) ([]domain.ReportSummary, error) {
	return nil, nil
}

func (f *fakeRepo) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	return nil
}

func (f *fakeRepo) GetRuleConfig(ctx context.Context, tenantID, ruleID string) (*domain.RuleConfig, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRepo) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	return nil, nil
}

func (f *fakeRepo) Ping(ctx context.Context) error { return nil }
func (f *fakeRepo) Close() error                   { return nil }

func sampleTemplate() *domain.PopulatedTemplate {
	return &domain.PopulatedTemplate{
		TemplateID:    "C 01.00",
		ReportingDate: "2024-12-31",
		Currency:      "GBP",
		Data: map[string]domain.PopulatedField{
			"010": {Value: "150000000"},
		},
	}
}

func TestAssemblePersistsReport(t *testing.T) {
	repo := &fakeRepo{}
	a := NewAssembler(repo)

	verdict := &domain.Verdict{IsValid: true}
	rpt, err := a.Assemble(context.Background(), &AssembleInput{
		TenantID:  "tenant-a",
		Template:  sampleTemplate(),
		Verdict:   verdict,
		UserQuery: "Bank with 150M share capital",
	})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if rpt.ID == "" {
		t.Error("report should have a generated ID")
	}
	if rpt.GeneratedAt.IsZero() {
		t.Error("report should have a timestamp")
	}
	if rpt.UserQuery != "Bank with 150M share capital" {
		t.Errorf("user query = %q", rpt.UserQuery)
	}
	if rpt.TenantID != "tenant-a" {
		t.Errorf("tenant = %q, want tenant-a", rpt.TenantID)
	}

	if len(repo.saved) != 1 {
		t.Fatalf("saved %d reports, want 1", len(repo.saved))
	}
	if repo.tenants[0] != "tenant-a" {
		t.Errorf("saved under tenant %q, want tenant-a", repo.tenants[0])
	}
}

func TestAssembleEachRunIsANewRecord(t *testing.T) {
	repo := &fakeRepo{}
	a := NewAssembler(repo)

	input := &AssembleInput{
		TenantID: "tenant-a",
		Template: sampleTemplate(),
		Verdict:  &domain.Verdict{IsValid: true},
	}

	first, err := a.Assemble(context.Background(), input)
	if err != nil {
		t.Fatalf("first Assemble failed: %v", err)
	}
	second, err := a.Assemble(context.Background(), input)
	if err != nil {
		t.Fatalf("second Assemble failed: %v", err)
	}

	if first.ID == second.ID {
		t.Error("re-validation must produce a new report, not update the old one")
	}
	if len(repo.saved) != 2 {
		t.Errorf("saved %d reports, want 2", len(repo.saved))
	}
}

func TestAssembleWithoutRepository(t *testing.T) {
	a := NewAssembler(nil)

	rpt, err := a.Assemble(context.Background(), &AssembleInput{
		Template: sampleTemplate(),
		Verdict:  &domain.Verdict{Errors: []string{"Missing required field: 020"}},
	})
	if err != nil {
		t.Fatalf("Assemble without repo failed: %v", err)
	}
	if rpt.Verdict.IsValid {
		t.Error("verdict with errors must not be valid")
	}
}

func TestAssembleRejectsIncompleteInput(t *testing.T) {
	a := NewAssembler(&fakeRepo{})

	cases := []*AssembleInput{
		nil,
		{Verdict: &domain.Verdict{}},
		{Template: sampleTemplate()},
	}
	for i, input := range cases {
		if _, err := a.Assemble(context.Background(), input); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("case %d: err = %v, want ErrInvalidInput", i, err)
		}
	}
}

func TestAssembleSurfacesSaveFailure(t *testing.T) {
	repo := &fakeRepo{failSave: errors.New("disk full")}
	a := NewAssembler(repo)

	_, err := a.Assemble(context.Background(), &AssembleInput{
		TenantID: "tenant-a",
		Template: sampleTemplate(),
		Verdict:  &domain.Verdict{IsValid: true},
	})
	if err == nil {
		t.Fatal("expected save failure to propagate")
	}
}
