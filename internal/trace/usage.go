package trace

import "fmt"

// MetadataKeyUsageWarning is the generation metadata key under which
// usage-accounting inconsistencies are flagged.
const MetadataKeyUsageWarning = "usage_warning"

// CheckUsage validates the token arithmetic reported by the inference
// provider: all counts must be non-negative and total must equal
// prompt + completion. A violation is a data-quality condition, not a
// failure; the returned warning describes it and ok is false. The
// provider-reported counts are never adjusted.
func CheckUsage(u Usage) (warning string, ok bool) {
	if u.PromptTokens < 0 || u.CompletionTokens < 0 || u.TotalTokens < 0 {
		return fmt.Sprintf(
			"negative token count: prompt=%d completion=%d total=%d",
			u.PromptTokens, u.CompletionTokens, u.TotalTokens,
		), false
	}
	if u.TotalTokens != u.PromptTokens+u.CompletionTokens {
		return fmt.Sprintf(
			"total_tokens %d != prompt_tokens %d + completion_tokens %d",
			u.TotalTokens, u.PromptTokens, u.CompletionTokens,
		), false
	}
	return "", true
}
