package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Content types for DTMF carried in SIP INFO requests. The relay form
// is a key/value body ("Signal=5\r\nDuration=160\r\n"); the plain form
// is the bare digit.
const (
	RelayContentType = "application/dtmf-relay"
	PlainContentType = "application/dtmf"
)

// DefaultToneDuration is the duration in milliseconds reported for an
// outgoing tone when the caller does not specify one.
const DefaultToneDuration = 160

// Tone is a DTMF digit carried in a SIP INFO body.
type Tone struct {
	Signal   string // "0"-"9", "*", "#", "A"-"D"
	Duration int    // milliseconds, 0 if not specified
}

// ErrInvalidTone is returned when a SIP INFO body cannot be parsed as DTMF.
var ErrInvalidTone = errors.New("invalid dtmf tone body")

// signalSet holds every digit a tone may carry, uppercase.
const signalSet = "0123456789*#ABCD"

func isSignal(s string) bool {
	return len(s) == 1 && strings.ContainsRune(signalSet, rune(s[0]))
}

// ValidSignal reports whether r is a sendable DTMF digit. Lowercase
// a-d are accepted and normalized on send.
func ValidSignal(r rune) bool {
	return isSignal(strings.ToUpper(string(r)))
}

// FormatRelay builds an application/dtmf-relay body for one digit.
func FormatRelay(signal rune, durationMS int) []byte {
	sig := strings.ToUpper(string(signal))
	return fmt.Appendf(nil, "Signal=%s\r\nDuration=%d\r\n", sig, durationMS)
}

// ParseRelay parses an application/dtmf-relay body. Signal is
// required. Duration defaults to 0 if missing or unparseable.
func ParseRelay(body []byte) (*Tone, error) {
	sig, ok := relayField(body, "signal")
	if !ok {
		return nil, ErrInvalidTone
	}
	sig = strings.ToUpper(sig)
	if !isSignal(sig) {
		return nil, ErrInvalidTone
	}

	tone := &Tone{Signal: sig}
	if raw, ok := relayField(body, "duration"); ok {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			tone.Duration = n
		}
	}
	return tone, nil
}

// relayField finds the first occurrence of a relay body field. Keys
// match case-insensitively; whitespace around keys and values is
// ignored.
func relayField(body []byte, key string) (string, bool) {
	for _, line := range strings.Split(string(body), "\n") {
		k, v, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), key) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// ParsePlain parses an application/dtmf body, which carries a single
// digit character.
func ParsePlain(body []byte) (*Tone, error) {
	sig := strings.ToUpper(strings.TrimSpace(string(body)))
	if !isSignal(sig) {
		return nil, ErrInvalidTone
	}
	return &Tone{Signal: sig}, nil
}

// ParseInfo detects and parses DTMF from a SIP INFO request body based
// on the Content-Type header. Returns ErrInvalidTone if the content
// type is unsupported or the body cannot be parsed.
func ParseInfo(contentType string, body []byte) (*Tone, error) {
	// Media type parameters such as charset do not matter here.
	base, _, _ := strings.Cut(contentType, ";")

	switch strings.ToLower(strings.TrimSpace(base)) {
	case RelayContentType:
		return ParseRelay(body)
	case PlainContentType:
		return ParsePlain(body)
	default:
		return nil, ErrInvalidTone
	}
}
