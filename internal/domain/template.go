// Package domain defines the core interfaces and types for Kestrel.
package domain

// PopulatedField is one reported line of a template instance.
// Value is untyped text exactly as received from extraction; the
// reconciliation engine interprets it numerically and must never
// assume it is well-formed.
type PopulatedField struct {
	Value        string `json:"value"`
	Description  string `json:"description,omitempty"`
	IsDeduction  bool   `json:"is_deduction,omitempty"`
	IsCalculated bool   `json:"is_calculated,omitempty"`
}

// AuditEntry links a populated field to the regulatory rule that
// justifies its treatment.
type AuditEntry struct {
	Field         string `json:"field"`
	Rule          string `json:"rule"`
	Justification string `json:"justification"`
}

// ValidationNote is a display-only annotation produced by extraction.
type ValidationNote struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// PopulatedTemplate is a reporting template filled with extracted values,
// keyed by field code. A code absent from Data means "not reported";
// a code present with an empty value means "reported but empty".
type PopulatedTemplate struct {
	TemplateID    string                    `json:"template"`
	ReportingDate string                    `json:"reporting_date"`
	Currency      string                    `json:"currency"`
	Data          map[string]PopulatedField `json:"data"`

	// Display-only narrative of how totals were derived.
	Calculations map[string]string `json:"calculations,omitempty"`

	AuditTrail      []AuditEntry     `json:"audit_trail,omitempty"`
	ValidationNotes []ValidationNote `json:"validation_notes,omitempty"`
}

// Field returns the populated field for a code and whether it was reported.
func (t *PopulatedTemplate) Field(code string) (PopulatedField, bool) {
	f, ok := t.Data[code]
	return f, ok
}
