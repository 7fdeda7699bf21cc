// Package extract implements the extraction collaborator client: it
// turns a free-text capital position scenario into a populated template
// by prompting an OpenAI-compatible chat completions API (Groq).
//
// Everything this package returns is untrusted until the reconciliation
// engine has validated it. A reply that does not match the populated
// template shape is rejected as domain.ErrInvalidInput; the client
// never guesses missing structure.
package extract

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/schema"
)

// jsonBlock grabs the outermost {...} from a model reply that may wrap
// the payload in prose or markdown fences despite instructions.
var jsonBlock = regexp.MustCompile(`(?s)\{.*\}`)

const systemPrompt = "You are a regulatory reporting expert. Return ONLY valid JSON."

// Client calls the extraction API and converts replies into typed
// populated templates.
type Client struct {
	cfg        domain.ExtractorConfig
	schema     *schema.Schema
	rulesText  string
	httpClient *http.Client
}

// NewClient creates an extraction client for one schema.
// rulesText is the narrative regulatory rule text included in the
// prompt; it may be empty.
func NewClient(cfg domain.ExtractorConfig, s *schema.Schema, rulesText string) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("extractor API key is required")
	}
	if s == nil {
		return nil, fmt.Errorf("schema is required")
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		cfg:        cfg,
		schema:     s,
		rulesText:  rulesText,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// chat completions wire types (OpenAI-compatible subset).
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Extract populates the template from a free-text scenario.
func (c *Client) Extract(ctx context.Context, scenario string) (*domain.PopulatedTemplate, error) {
	reply, err := c.call(ctx, c.BuildPrompt(scenario))
	if err != nil {
		return nil, err
	}
	return c.ParseReply(reply)
}

// BuildPrompt assembles the extraction prompt from the schema, the
// narrative rules text, and the user scenario.
func (c *Client) BuildPrompt(scenario string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a PRA COREP regulatory reporting assistant. Your task is to populate the COREP Own Funds template (%s) based on the user's scenario.\n\n", c.schema.TemplateID())

	if c.rulesText != "" {
		fmt.Fprintf(&b, "REGULATORY RULES:\n%s\n\n", c.rulesText)
	}

	b.WriteString("TEMPLATE ROWS:\n")
	for _, f := range c.schema.Fields() {
		kind := "component"
		switch {
		case f.IsCalculated:
			kind = "calculated total"
		case f.IsDeduction:
			kind = "deduction"
		}
		required := ""
		if f.Required {
			required = ", required"
		}
		fmt.Fprintf(&b, "  %s: %s (%s%s) [%s]\n", f.Code, f.Name, kind, required, f.RuleRef)
	}

	fmt.Fprintf(&b, "\nUSER SCENARIO:\n%s\n\n", scenario)

	b.WriteString("INSTRUCTIONS:\n")
	b.WriteString("1. Extract numerical values from the scenario\n")
	b.WriteString("2. Apply the reporting rules exactly as specified\n")
	fmt.Fprintf(&b, "3. Calculate row %s as the sum of components minus deductions\n", c.schema.CalculatedField())
	b.WriteString("4. Flag any missing or inconsistent data\n")
	b.WriteString("5. Provide an audit trail with specific rule references\n")
	b.WriteString("6. Format all amounts as numbers without commas or currency symbols\n\n")

	b.WriteString(`REQUIRED OUTPUT FORMAT (JSON ONLY):
{
  "template": "` + c.schema.TemplateID() + `",
  "reporting_date": "2024-12-31",
  "currency": "GBP",
  "data": {
    "010": {"value": "150000000", "description": "Ordinary share capital"},
    "070": {"value": "45000000", "description": "Intangible assets (deduction)", "is_deduction": true},
    "100": {"value": "505000000", "description": "Total CET1 capital", "is_calculated": true}
  },
  "calculations": {
    "CET1_formula": "010 + 020 + 030 + 040 - 070 = 505M"
  },
  "audit_trail": [
    {"field": "010", "rule": "CRR Article 26(1)(a)", "justification": "Ordinary shares are CET1 eligible capital"}
  ],
  "validation_notes": [
    {"type": "INFO", "message": "All required fields present", "fields": ["010", "020", "030", "100"]}
  ]
}

Return ONLY valid JSON. No explanations, no markdown, no additional text.`)

	return b.String()
}

// call performs one chat completions request and returns the reply text.
func (c *Client) call(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal extraction request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("extraction call failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read extraction response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("extraction API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse extraction response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("extraction response has no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

// ParseReply converts a model reply into a populated template.
// Any reply that is not JSON, or whose JSON does not carry the
// template/data shape, is domain.ErrInvalidInput.
func (c *Client) ParseReply(reply string) (*domain.PopulatedTemplate, error) {
	raw := jsonBlock.FindString(reply)
	if raw == "" {
		raw = reply
	}

	var tpl domain.PopulatedTemplate
	if err := json.Unmarshal([]byte(raw), &tpl); err != nil {
		return nil, fmt.Errorf("%w: extraction reply is not valid JSON: %v", domain.ErrInvalidInput, err)
	}

	if tpl.TemplateID == "" {
		return nil, fmt.Errorf("%w: extraction reply has no template id", domain.ErrInvalidInput)
	}
	if tpl.Data == nil {
		return nil, fmt.Errorf("%w: extraction reply has no data mapping", domain.ErrInvalidInput)
	}

	return &tpl, nil
}

// CacheKey derives the extraction cache key for a scenario against one
// template version. Extraction is the slow, billable step; identical
// scenarios are served from cache.
func CacheKey(templateID, scenario string) string {
	sum := sha256.Sum256([]byte(templateID + "\x00" + scenario))
	return "extract:" + hex.EncodeToString(sum[:])
}
