package ledger

import "errors"

// ErrInvalidUsagePayload rejects usage payloads with negative token counts.
// Bad input is refused outright; it is never silently coerced to zero.
var ErrInvalidUsagePayload = errors.New("invalid usage payload: negative token count")

// Pricing converts token counts to cost. Prices are USD per million tokens.
type Pricing struct {
	PromptPerM     float64
	CompletionPerM float64
}

// Cost prices a token pair. Counts must already be validated non-negative.
func (p Pricing) Cost(promptTokens, completionTokens int64) float64 {
	return float64(promptTokens)*p.PromptPerM/1e6 +
		float64(completionTokens)*p.CompletionPerM/1e6
}

// ValidateTokens rejects negative counts in an incoming usage payload.
func ValidateTokens(promptTokens, completionTokens int64) error {
	if promptTokens < 0 || completionTokens < 0 {
		return ErrInvalidUsagePayload
	}
	return nil
}

// ClampCached sanitizes a counter read back from cache or storage. A negative
// value means corruption, not negative usage, so it is clamped to zero and
// processing proceeds. This is distinct from ValidateTokens, which rejects.
func ClampCached(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
