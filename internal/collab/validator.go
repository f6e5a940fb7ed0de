package collab

import (
	"fmt"
	"unicode/utf8"
)

const (
	DefaultMaxCodeBytes = 1 << 20 // 1MB editor buffer
	MaxLanguageBytes    = 64
)

// ValidateCodeChange checks that a code-change payload is relayable. An
// empty code body is valid: it is what a cleared editor sends.
func ValidateCodeChange(change CodeChange, maxCodeBytes int) error {
	if maxCodeBytes <= 0 {
		maxCodeBytes = DefaultMaxCodeBytes
	}
	if change.SnippetID == "" {
		return fmt.Errorf("%w: snippetId is empty", ErrInvalidCodeChange)
	}
	if len(change.Code) > maxCodeBytes {
		return fmt.Errorf("%w: code exceeds %d byte limit", ErrInvalidCodeChange, maxCodeBytes)
	}
	if !utf8.ValidString(change.Code) {
		return fmt.Errorf("%w: code contains invalid UTF-8", ErrInvalidCodeChange)
	}
	if len(change.Language) > MaxLanguageBytes {
		return fmt.Errorf("%w: language exceeds %d byte limit", ErrInvalidCodeChange, MaxLanguageBytes)
	}
	return nil
}
