package validation

import (
	"testing"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid IDs
		{"uuid", "7c9e6679-7425-40de-944b-e07fc1f90ae7", false},
		{"single char", "a", false},
		{"human name", "friday-refactor", false},
		{"with dots", "run.2026.08.26", false},
		{"with underscore", "debug_run_3", false},
		{"max length", "a123456789012345678901234567890123456789012345678901234567890123", false},

		// Invalid IDs - injection attempts
		{"empty", "", true},
		{"path traversal", "../../etc/passwd", true},
		{"dotdot inside", "sess..ion", true},
		{"slash", "sessions/alpha", true},
		{"backslash", `sessions\alpha`, true},
		{"newline", "abc\ndef", true},
		{"space", "my session", true},
		{"starts with dot", ".hidden", true},
		{"starts with hyphen", "-flag", true},
		{"too long", "a1234567890123456789012345678901234567890123456789012345678901234", true},
		{"null byte", "abc\x00def", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateModelID(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		wantErr bool
	}{
		// Valid model IDs
		{"openai style", "gpt-4o", false},
		{"gemini style", "gemini-2.0-flash", false},
		{"namespaced", "models/gemini-pro", false},
		{"tagged", "org/model:tag", false},
		{"with underscore", "my_model", false},

		// Invalid model IDs
		{"empty", "", true},
		{"space", "gpt 4o", true},
		{"newline", "gpt-4o\nmetric{}", true},
		{"starts with slash", "/etc/passwd", true},
		{"starts with colon", ":latest", true},
		{"quote", `model"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateModelID(tt.model)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateModelID(%q) error = %v, wantErr %v", tt.model, err, tt.wantErr)
			}
		})
	}
}
