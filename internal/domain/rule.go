package domain

// RuleConfig defines a supplementary validation rule.
// The expression is CEL over the populated template data; when it
// evaluates to true the rule's message is appended to the Verdict
// with the configured severity.
type RuleConfig struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
	Version  string `json:"version"`

	// Reference is the regulatory article backing the rule,
	// e.g. "CRR Article 26(1)(b)".
	Reference string `json:"reference"`

	// CEL expression of the violation condition. Must return bool.
	Expression string `json:"expression"`

	// Severity of a triggered rule: "error" or "warning".
	Severity string `json:"severity"`

	// Message appended to the Verdict when the rule triggers.
	Message string `json:"message"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// RuleFinding is the outcome of one triggered or failed rule.
type RuleFinding struct {
	RuleID    string `json:"ruleId"`
	Reference string `json:"reference,omitempty"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
}

// Rule severities
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)
