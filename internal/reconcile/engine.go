// Package reconcile implements the deterministic validation engine:
// given a populated template and the template schema it produces a
// structured Verdict. It is a pure function of its inputs, with no I/O
// and no state between runs, which makes it the trustworthy half of
// the pipeline; extraction is not.
package reconcile

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/schema"
)

// numericPattern accepts an optional leading minus followed by decimal
// digits only. No separators, no currency symbols, no decimal point:
// all amounts are whole-currency-unit integers by contract.
var numericPattern = regexp.MustCompile(`^-?\d+$`)

// Engine validates populated templates against one schema.
// It is safe for concurrent use; each run is independent.
type Engine struct {
	schema *schema.Schema
}

// NewEngine creates a reconciliation engine for the given schema.
func NewEngine(s *schema.Schema) (*Engine, error) {
	if s == nil {
		return nil, fmt.Errorf("schema is required")
	}
	return &Engine{schema: s}, nil
}

// Schema returns the schema this engine validates against.
func (e *Engine) Schema() *schema.Schema {
	return e.schema
}

// Validate runs all four passes over a populated template and returns
// the accumulated Verdict. A later pass never short-circuits an earlier
// one's findings; the engine always finishes and reports the full
// picture. A template that is not a valid mapping is a contract
// violation and returns domain.ErrInvalidInput instead of a Verdict.
func (e *Engine) Validate(tpl *domain.PopulatedTemplate) (*domain.Verdict, error) {
	if tpl == nil {
		return nil, fmt.Errorf("%w: populated template is nil", domain.ErrInvalidInput)
	}
	if tpl.Data == nil {
		return nil, fmt.Errorf("%w: populated template has no data mapping", domain.ErrInvalidInput)
	}

	var errs, warns []string

	// Pass 1: completeness. A required field absent from the mapping is
	// an error; present but empty is only a warning, because an explicit
	// empty value is incomplete but not proven wrong. Emptiness here is
	// the same predicate pass 2 uses, so a whitespace-only value is
	// pass 2's finding, not both passes'.
	for _, code := range e.schema.RequiredFields() {
		field, ok := tpl.Field(code)
		if !ok {
			errs = append(errs, fmt.Sprintf("Missing required field: %s", code))
			continue
		}
		if field.Value == "" {
			warns = append(warns, fmt.Sprintf("Empty value for field: %s", code))
		}
	}

	// Pass 2: numeric format, over every reported field, not just the
	// required ones. A malformed value is a warning rather than an error
	// so pass 3 can still reconcile with the value treated as absent.
	// Well-formed digits that overflow int64 degrade to 0 in pass 3 the
	// same way, so they must be named here too.
	for _, code := range e.reportedCodes(tpl) {
		field := tpl.Data[code]
		if field.Value == "" {
			continue
		}
		if !numericPattern.MatchString(field.Value) {
			warns = append(warns, fmt.Sprintf("Non-numeric value in field %s: %s", code, field.Value))
			continue
		}
		if _, err := strconv.ParseInt(field.Value, 10, 64); err != nil {
			warns = append(warns, fmt.Sprintf("Value out of range in field %s: %s", code, field.Value))
		}
	}

	// Pass 3: arithmetic reconciliation. Unparsable values contribute 0.
	var components, deductions int64
	for _, code := range e.schema.ComponentFields() {
		components += parseAmount(tpl, code)
	}
	for _, code := range e.schema.DeductionFields() {
		deductions += parseAmount(tpl, code)
	}

	calculated := components - deductions
	reported := parseAmount(tpl, e.schema.CalculatedField())

	if calculated != reported {
		errs = append(errs, fmt.Sprintf("CET1 calculation mismatch: Calculated %s vs Reported %s",
			humanize.Comma(calculated), humanize.Comma(reported)))
	}

	// Pass 4: domain sanity. The reported total must never be negative;
	// this is a business invariant, separate from the arithmetic check
	// even though it inspects the same value.
	if reported < 0 {
		errs = append(errs, fmt.Sprintf("CET1 is negative: %s", humanize.Comma(reported)))
	}

	return &domain.Verdict{
		Errors:   errs,
		Warnings: warns,
		IsValid:  len(errs) == 0,
	}, nil
}

// reportedCodes returns the codes present in the template in a stable
// order: schema definition order first, then any codes outside the
// schema sorted lexically. Verdicts must be bit-identical across runs.
func (e *Engine) reportedCodes(tpl *domain.PopulatedTemplate) []string {
	codes := make([]string, 0, len(tpl.Data))
	seen := make(map[string]bool, len(tpl.Data))

	for _, f := range e.schema.Fields() {
		if _, ok := tpl.Data[f.Code]; ok {
			codes = append(codes, f.Code)
			seen[f.Code] = true
		}
	}

	var extra []string
	for code := range tpl.Data {
		if !seen[code] {
			extra = append(extra, code)
		}
	}
	sort.Strings(extra)

	return append(codes, extra...)
}

// parseAmount interprets a field's raw value as a whole-unit amount.
// Absent, empty, and malformed values all degrade to 0; pass 2 has
// already named the malformed ones in the Verdict.
func parseAmount(tpl *domain.PopulatedTemplate, code string) int64 {
	field, ok := tpl.Field(code)
	if !ok || field.Value == "" {
		return 0
	}
	n, err := strconv.ParseInt(field.Value, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
