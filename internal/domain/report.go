package domain

import (
	"time"
)

// Verdict is the structured output of a validation run.
// Invariant: IsValid == (len(Errors) == 0). Warnings never affect IsValid.
type Verdict struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	IsValid  bool     `json:"is_valid"`
}

// Report is the immutable result record for one validation run:
// the populated template, its verdict, and provenance. A new run
// produces a new Report, never an in-place update.
type Report struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId,omitempty"`

	Template PopulatedTemplate `json:"template_data"`
	Verdict  Verdict           `json:"validation"`

	GeneratedAt time.Time `json:"timestamp"`
	UserQuery   string    `json:"user_query"`
}

// ReportSummary is the list-view projection of a Report used by the
// history endpoint.
type ReportSummary struct {
	ID            string    `json:"id"`
	TemplateID    string    `json:"template"`
	ReportingDate string    `json:"reporting_date"`
	Currency      string    `json:"currency"`
	IsValid       bool      `json:"is_valid"`
	GeneratedAt   time.Time `json:"timestamp"`
}

// Summary projects a Report into its history row.
func (r *Report) Summary() ReportSummary {
	return ReportSummary{
		ID:            r.ID,
		TemplateID:    r.Template.TemplateID,
		ReportingDate: r.Template.ReportingDate,
		Currency:      r.Template.Currency,
		IsValid:       r.Verdict.IsValid,
		GeneratedAt:   r.GeneratedAt,
	}
}
