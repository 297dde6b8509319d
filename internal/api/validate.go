package api

import (
	"unicode/utf8"

	"github.com/flowpbx/flowphone/internal/media"
)

// maxTargetLen is the maximum length for a dial target. E.164 numbers
// are at most 16 characters with the plus sign; the engine rejects
// anything non-E.164 anyway, this only bounds what reaches it.
const maxTargetLen = 64

// maxDigitsLen is the maximum number of DTMF digits per request.
const maxDigitsLen = 64

// maxSessionIDLen bounds client-supplied call identifiers.
const maxSessionIDLen = 128

// validateStringLen caps a field at maxLen runes. The return value is
// an error message, or empty when the value passes.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) <= maxLen {
		return ""
	}
	return field + " is too long"
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateNoControlChars rejects control characters other than the
// usual whitespace (\n, \r, \t).
func validateNoControlChars(field, value string) string {
	for _, r := range value {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return field + " contains invalid characters"
		}
	}
	return ""
}

// validateDialTarget checks a dial target before it reaches the engine.
func validateDialTarget(value string) string {
	if msg := validateRequiredStringLen("target", value, maxTargetLen); msg != "" {
		return msg
	}
	return validateNoControlChars("target", value)
}

// validateDigits checks a DTMF digit string: the RFC 4733 alphabet
// 0-9, *, #, A-D, case-insensitive.
func validateDigits(value string) string {
	if msg := validateRequiredStringLen("digits", value, maxDigitsLen); msg != "" {
		return msg
	}
	for _, r := range value {
		if !media.ValidSignal(r) {
			return "digits may contain only 0-9, *, # and A-D"
		}
	}
	return ""
}
