// Package csrf implements double-submit cookie protection. A random token is
// set in a host-only cookie and must be echoed back in a request header.
package csrf

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

const (
	HeaderName = "X-CSRF-Token"
	CookieName = "__Host-csrf"

	tokenBytes    = 32
	defaultMaxAge = 24 * time.Hour
)

// GenerateToken returns 32 bytes from crypto/rand, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate CSRF token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Equal compares two tokens in constant time. Both values are digested first
// so the comparison does not leak their lengths.
func Equal(a, b string) bool {
	da := sha256.Sum256([]byte(a))
	db := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(da[:], db[:]) == 1
}

// IsSafeMethod reports whether method is exempt from validation.
func IsSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// Manager issues and validates tokens.
type Manager struct {
	maxAge time.Duration
}

// NewManager creates a Manager. A zero maxAge uses 24h.
func NewManager(maxAge time.Duration) *Manager {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Manager{maxAge: maxAge}
}

// AttachToken mints a token and sets it as the __Host-csrf cookie. The token
// is returned so it can be handed to the client for the header echo.
func (m *Manager) AttachToken(w http.ResponseWriter) (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}

	// __Host- prefix requires Secure, Path=/ and no Domain.
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

// Validate reports whether r carries matching header and cookie tokens.
func (m *Manager) Validate(r *http.Request) bool {
	header := r.Header.Get(HeaderName)
	if header == "" {
		return false
	}
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	return Equal(header, cookie.Value)
}
