package sdruntime

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"flux_backend/core"
)

// MaxPromptLength bounds the prompt in bytes. The text encoder truncates
// at MaxSequenceLength tokens well before this.
const MaxPromptLength = 8192

// ValidatePrompt rejects empty prompts, NUL bytes and oversized input.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt cannot be empty", core.ErrInvalidParameter)
	}
	if strings.ContainsRune(prompt, '\x00') {
		return fmt.Errorf("%w: prompt contains null bytes", core.ErrInvalidParameter)
	}
	if !utf8.ValidString(prompt) {
		return fmt.Errorf("%w: prompt is not valid UTF-8", core.ErrInvalidParameter)
	}
	if len(prompt) > MaxPromptLength {
		return fmt.Errorf("%w: prompt length %d exceeds maximum %d",
			core.ErrInvalidParameter, len(prompt), MaxPromptLength)
	}
	return nil
}

// SanitizePrompt trims surrounding whitespace.
func SanitizePrompt(prompt string) string {
	return strings.TrimSpace(prompt)
}

// TruncatePrompt shortens prompt to at most n runes for logging.
func TruncatePrompt(prompt string, n int) string {
	if utf8.RuneCountInString(prompt) <= n {
		return prompt
	}
	runes := []rune(prompt)
	return string(runes[:n]) + "..."
}
