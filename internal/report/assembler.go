// Package report assembles the immutable result record for one
// validation run: the populated template, its verdict, and provenance.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Assembler builds and persists Reports. The repository may be nil,
// in which case reports are assembled but not stored.
type Assembler struct {
	repo domain.Repository
}

// NewAssembler creates an Assembler backed by the given repository.
func NewAssembler(repo domain.Repository) *Assembler {
	return &Assembler{repo: repo}
}

// AssembleInput carries everything a Report is built from.
type AssembleInput struct {
	TenantID  string
	Template  *domain.PopulatedTemplate
	Verdict   *domain.Verdict
	UserQuery string
}

// Assemble builds a Report from a completed validation run and, when a
// repository is configured, persists it. Each run yields a fresh report
// with its own ID and timestamp; re-validating never rewrites history.
func (a *Assembler) Assemble(ctx context.Context, input *AssembleInput) (*domain.Report, error) {
	if input == nil || input.Template == nil || input.Verdict == nil {
		return nil, fmt.Errorf("%w: assemble input requires a template and a verdict", domain.ErrInvalidInput)
	}

	rpt := &domain.Report{
		ID:          uuid.New().String(),
		TenantID:    input.TenantID,
		Template:    *input.Template,
		Verdict:     *input.Verdict,
		GeneratedAt: time.Now().UTC(),
		UserQuery:   input.UserQuery,
	}

	if a.repo != nil {
		if err := a.repo.SaveReport(ctx, input.TenantID, rpt); err != nil {
			return nil, fmt.Errorf("failed to save report %s: %w", rpt.ID, err)
		}
	}

	return rpt, nil
}
