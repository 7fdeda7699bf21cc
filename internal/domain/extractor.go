package domain

import "context"

// Extractor is the external inference collaborator that turns a
// free-text capital position description into a populated template.
// It is the untrusted half of the pipeline: implementations must
// return ErrInvalidInput for any reply that does not match the
// PopulatedTemplate shape, never a partially guessed structure.
type Extractor interface {
	Extract(ctx context.Context, scenario string) (*PopulatedTemplate, error)
}

// ExtractorConfig holds configuration for the extraction client.
type ExtractorConfig struct {
	// BaseURL of the OpenAI-compatible chat completions API.
	BaseURL string

	// APIKey is the bearer token (GROQ_API_KEY).
	APIKey string

	// Model name, e.g. "openai/gpt-oss-20b".
	Model string

	Temperature float64
	MaxTokens   int

	// TimeoutSecs bounds one extraction call.
	TimeoutSecs int
}
