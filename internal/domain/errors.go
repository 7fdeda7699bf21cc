package domain

import "errors"

// ErrInvalidInput marks contract violations at component boundaries:
// a populated template that is not a valid mapping, or an extraction
// reply that does not match the expected shape. It is surfaced to the
// caller immediately and never folded into a Verdict.
var ErrInvalidInput = errors.New("invalid input")
