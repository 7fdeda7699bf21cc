package schema

// DefaultDefinition returns the built-in COREP C 01.00 CET1 section.
// Row 100 = 010 + 020 + 030 + 040 - 070.
func DefaultDefinition() *Definition {
	return &Definition{
		TemplateID: "C 01.00",
		Fields: []FieldDefinition{
			{Code: "010", Name: "Capital instruments eligible as CET1 Capital", Required: true, RuleRef: "CRR Article 26(1)(a)"},
			{Code: "020", Name: "Share premium", Required: true, RuleRef: "CRR Article 26(1)(b)"},
			{Code: "030", Name: "Retained earnings", Required: true, RuleRef: "CRR Article 26(1)(c)"},
			{Code: "040", Name: "Accumulated other comprehensive income", RuleRef: "CRR Article 26(1)(d)"},
			{Code: "070", Name: "Intangible assets", IsDeduction: true, RuleRef: "CRR Article 36(1)(b)"},
			{Code: "100", Name: "Total Common Equity Tier 1 capital", Required: true, IsCalculated: true, RuleRef: "CRR Article 50"},
		},
	}
}

// Default returns the validated built-in schema.
func Default() *Schema {
	return MustNew(DefaultDefinition())
}
