package utils

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

var controlChars = regexp.MustCompile(`[\x00-\x1f\x7f]`)

// SanitizeString removes control characters from free text
func SanitizeString(s string) string {
	return controlChars.ReplaceAllString(s, "")
}

// ValidateMaxLength checks that a free-text field has at most max characters
func ValidateMaxLength(field, value string, max int) error {
	if n := utf8.RuneCountInString(value); n > max {
		return fmt.Errorf("%s must be at most %d characters, got %d", field, max, n)
	}
	return nil
}
