//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel COREP
// validation engine.
//
// These tests verify the COMPLETE validation pipeline:
//
//	Populated template → Reconciliation → Supplementary rules → Report
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. TEMPLATE: A COREP C 01.00 (CET1 own funds) instance. Each row is a
//    field code ("010", "020", ...) carrying a reported monetary value.
//
// 2. RECONCILIATION: Four deterministic passes over the template:
//   - Completeness: every required field must be present and non-empty
//   - Format: every reported value must parse as a whole number
//   - Arithmetic: components minus deductions must equal the CET1 total
//   - Sign: CET1 capital must not be negative
//
// 3. REPORT: The persisted record of one validation run. Errors make
//    the verdict invalid; warnings do not.
//
// These tests use POST /validate, which accepts a pre-populated
// template directly, so no extraction API key is needed. The server
// under test must already be running:
//
//	KESTREL_TEST_URL=http://localhost:8080 go test -tags=integration ./tests/integration/...
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: "test-tenant",
	}
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

// Field is one reported line of the template.
type Field struct {
	Value        string `json:"value"`
	Description  string `json:"description,omitempty"`
	IsDeduction  bool   `json:"is_deduction,omitempty"`
	IsCalculated bool   `json:"is_calculated,omitempty"`
}

// ValidateRequest is the populated template sent to POST /validate.
type ValidateRequest struct {
	TemplateID    string           `json:"template"`
	ReportingDate string           `json:"reporting_date"`
	Currency      string           `json:"currency"`
	Data          map[string]Field `json:"data"`
}

// ValidateResponse is what POST /validate returns.
type ValidateResponse struct {
	Report struct {
		ID      string  `json:"id"`
		Verdict Verdict `json:"validation"`
	} `json:"report"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

type Verdict struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	IsValid  bool     `json:"is_valid"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func balancedRequest() ValidateRequest {
	return ValidateRequest{
		TemplateID:    "C 01.00",
		ReportingDate: "2025-12-31",
		Currency:      "EUR",
		Data: map[string]Field{
			"010": {Value: "150000000", Description: "Paid up capital instruments"},
			"020": {Value: "200000000", Description: "Share premium"},
			"030": {Value: "100000000", Description: "Retained earnings"},
			"040": {Value: "100000000", Description: "Accumulated other comprehensive income"},
			"070": {Value: "45000000", Description: "Intangible assets", IsDeduction: true},
			"100": {Value: "505000000", Description: "CET1 capital", IsCalculated: true},
		},
	}
}

func validate(t *testing.T, config TestConfig, req ValidateRequest) ValidateResponse {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+"/validate", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(respBody))
	}

	var result ValidateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
	}

	return result
}

func hasError(v Verdict, msg string) bool {
	for _, e := range v.Errors {
		if e == msg {
			return true
		}
	}
	return false
}

// ============================================================================
// SCENARIO 1: Balanced Template (Valid Report)
// ============================================================================

func TestBalancedTemplate_Valid(t *testing.T) {
	/*
	   SCENARIO: All required rows present, whole-number values, and
	   150M + 200M + 100M + 100M - 45M = 505M matches the reported total.

	   EXPECTED: Zero errors, is_valid = true.
	*/
	config := getTestConfig()

	result := validate(t, config, balancedRequest())

	if !result.Report.Verdict.IsValid {
		t.Errorf("Expected valid verdict, got errors: %v", result.Report.Verdict.Errors)
	}
	if len(result.Report.Verdict.Errors) != 0 {
		t.Errorf("Expected no errors, got %v", result.Report.Verdict.Errors)
	}
	if result.Report.ID == "" {
		t.Error("Expected a persisted report ID")
	}

	t.Logf("✓ Balanced template passed: report=%s", result.Report.ID)
}

// ============================================================================
// SCENARIO 2: Missing Required Field (Completeness Pass)
// ============================================================================

func TestMissingRequiredField_Invalid(t *testing.T) {
	/*
	   SCENARIO: Row 020 (share premium) is absent from the template.

	   EXPECTED: "Missing required field: 020" and an invalid verdict.
	   A report is STILL produced; a failed validation is a result,
	   not a request error.
	*/
	config := getTestConfig()

	req := balancedRequest()
	delete(req.Data, "020")

	result := validate(t, config, req)

	if result.Report.Verdict.IsValid {
		t.Error("Expected invalid verdict for missing required field")
	}
	if !hasError(result.Report.Verdict, "Missing required field: 020") {
		t.Errorf("Expected missing field error, got %v", result.Report.Verdict.Errors)
	}

	t.Logf("✓ Missing field detected: %v", result.Report.Verdict.Errors)
}

// ============================================================================
// SCENARIO 3: Non-Numeric Value (Format Pass)
// ============================================================================

func TestNonNumericValue_Invalid(t *testing.T) {
	/*
	   SCENARIO: Row 030 carries "approx 100m" instead of a whole number.

	   EXPECTED: The format pass flags it as a WARNING (verbatim value
	   quoted), the value contributes 0 to the arithmetic pass, and the
	   resulting 405,000,000 vs 505,000,000 mismatch is the ERROR that
	   makes the verdict invalid.
	*/
	config := getTestConfig()

	req := balancedRequest()
	req.Data["030"] = Field{Value: "approx 100m", Description: "Retained earnings"}

	result := validate(t, config, req)

	if result.Report.Verdict.IsValid {
		t.Error("Expected invalid verdict: zero-substituted value breaks reconciliation")
	}
	hasWarning := false
	for _, w := range result.Report.Verdict.Warnings {
		if w == "Non-numeric value in field 030: approx 100m" {
			hasWarning = true
		}
	}
	if !hasWarning {
		t.Errorf("Expected format warning, got %v", result.Report.Verdict.Warnings)
	}
	if !hasError(result.Report.Verdict, "CET1 calculation mismatch: Calculated 405,000,000 vs Reported 505,000,000") {
		t.Errorf("Expected mismatch error, got %v", result.Report.Verdict.Errors)
	}

	t.Logf("✓ Format violation degraded to warning: %v", result.Report.Verdict.Warnings)
}

// ============================================================================
// SCENARIO 4: Arithmetic Mismatch (Reconciliation Pass)
// ============================================================================

func TestArithmeticMismatch_Invalid(t *testing.T) {
	/*
	   SCENARIO: The reported CET1 total (row 100) is 999 while the
	   components sum to 505,000,000.

	   EXPECTED: A mismatch error quoting both figures, calculated
	   side grouped with thousands separators, reported side verbatim.
	*/
	config := getTestConfig()

	req := balancedRequest()
	req.Data["100"] = Field{Value: "999", Description: "CET1 capital", IsCalculated: true}

	result := validate(t, config, req)

	if result.Report.Verdict.IsValid {
		t.Error("Expected invalid verdict for arithmetic mismatch")
	}
	if !hasError(result.Report.Verdict, "CET1 calculation mismatch: Calculated 505,000,000 vs Reported 999") {
		t.Errorf("Expected mismatch error, got %v", result.Report.Verdict.Errors)
	}

	t.Logf("✓ Mismatch detected: %v", result.Report.Verdict.Errors)
}

// ============================================================================
// SCENARIO 5: Negative CET1 (Sign Pass)
// ============================================================================

func TestNegativeCapital_Invalid(t *testing.T) {
	/*
	   SCENARIO: Losses exceed capital; every component is zero except
	   retained earnings at -10, so CET1 is -10.

	   EXPECTED: Both the sign error and no arithmetic error, since
	   -10 is also the correctly calculated total.
	*/
	config := getTestConfig()

	req := balancedRequest()
	req.Data["010"] = Field{Value: "0"}
	req.Data["020"] = Field{Value: "0"}
	req.Data["030"] = Field{Value: "-10", Description: "Retained earnings"}
	req.Data["040"] = Field{Value: "0"}
	req.Data["070"] = Field{Value: "0", IsDeduction: true}
	req.Data["100"] = Field{Value: "-10", IsCalculated: true}

	result := validate(t, config, req)

	if result.Report.Verdict.IsValid {
		t.Error("Expected invalid verdict for negative CET1")
	}
	if !hasError(result.Report.Verdict, "CET1 is negative: -10") {
		t.Errorf("Expected negative capital error, got %v", result.Report.Verdict.Errors)
	}

	t.Logf("✓ Negative capital detected: %v", result.Report.Verdict.Errors)
}

// ============================================================================
// SCENARIO 6: Report Retrieval Round Trip
// ============================================================================

func TestReportRoundTrip(t *testing.T) {
	/*
	   SCENARIO: Validate a template, then fetch the persisted report
	   by ID with the same tenant header.

	   EXPECTED: GET /reports/{id} returns the stored report.
	*/
	config := getTestConfig()

	created := validate(t, config, balancedRequest())
	if created.Report.ID == "" {
		t.Fatal("Expected report ID from validation")
	}

	httpReq, err := http.NewRequest("GET", config.BaseURL+"/reports/"+created.Report.ID, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(body))
	}

	t.Logf("✓ Report round trip: %s", created.Report.ID)
}
