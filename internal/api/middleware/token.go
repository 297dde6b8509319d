package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost parameters, sized per the OWASP password storage
// guidance.
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// TokenAuth verifies the static bearer token that protects the local API.
// The configured token is stretched through Argon2id once at startup so
// the plaintext never sits in memory; each presented token is stretched
// with the same salt and compared in constant time.
type TokenAuth struct {
	salt   []byte
	digest []byte
}

// NewTokenAuth derives the verifier for the configured token.
func NewTokenAuth(token string) (*TokenAuth, error) {
	if token == "" {
		return nil, errors.New("api token must not be empty")
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	return &TokenAuth{
		salt:   salt,
		digest: argon2.IDKey([]byte(token), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen),
	}, nil
}

// Verify reports whether the presented token matches the configured one.
func (a *TokenAuth) Verify(token string) bool {
	computed := argon2.IDKey([]byte(token), a.salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return subtle.ConstantTimeCompare(a.digest, computed) == 1
}

// RequireToken returns middleware that validates the bearer token on every
// request. A nil auth disables the check for loopback-only deployments
// where the listener itself is the trust boundary.
func RequireToken(auth *TokenAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			if !auth.Verify(parts[1]) {
				slog.Debug("api auth: token mismatch", "remote_addr", r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
