package trace

import (
	"strings"
	"testing"
)

func TestCheckUsage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		usage       Usage
		wantOK      bool
		wantWarning string
	}{
		{
			name:   "consistent usage",
			usage:  Usage{PromptTokens: 20, CompletionTokens: 15, TotalTokens: 35},
			wantOK: true,
		},
		{
			name:   "zero usage",
			usage:  Usage{},
			wantOK: true,
		},
		{
			name:        "total does not add up",
			usage:       Usage{PromptTokens: 20, CompletionTokens: 15, TotalTokens: 40},
			wantOK:      false,
			wantWarning: "total_tokens 40 != prompt_tokens 20 + completion_tokens 15",
		},
		{
			name:        "negative count",
			usage:       Usage{PromptTokens: -1, CompletionTokens: 2, TotalTokens: 1},
			wantOK:      false,
			wantWarning: "negative token count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			warning, ok := CheckUsage(tt.usage)
			if ok != tt.wantOK {
				t.Fatalf("ok=%v, want %v", ok, tt.wantOK)
			}
			if tt.wantOK && warning != "" {
				t.Fatalf("warning=%q, want empty", warning)
			}
			if !tt.wantOK && !strings.Contains(warning, tt.wantWarning) {
				t.Fatalf("warning=%q, want substring %q", warning, tt.wantWarning)
			}
		})
	}
}
