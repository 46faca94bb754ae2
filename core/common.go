package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// SessionCookieName is the cookie a session token may be presented in.
const SessionCookieName = "session_token"

// Security event actions
const (
	EventSignup             = "signup"
	EventLoginSuccess       = "login_success"
	EventLoginFailed        = "login_failed"
	EventLoginBlocked       = "login_blocked"
	EventLogout             = "logout"
	EventPasswordChanged    = "password_changed"
	EventPasswordResetIssue = "password_reset_requested"
	EventPasswordReset      = "password_reset"
	EventVerificationIssue  = "email_verification_requested"
	EventEmailVerified      = "email_verified"
	Event2FAEnabled         = "2fa_enabled"
	Event2FADisabled        = "2fa_disabled"
	Event2FAFailed          = "2fa_failed"
	EventSessionRevoked     = "session_revoked"
	EventSessionRejected    = "session_rejected"
	EventCSRFRejected       = "csrf_rejected"
	EventRateLimited        = "rate_limited"
	EventOAuthLinked        = "oauth_account_linked"
	EventOAuthLogin         = "oauth_login"
)

// Outcome carries the HTTP status of a handler result. It is embedded in
// every response type.
type Outcome struct {
	StatusCode int    `json:"-"`               // HTTP status code (not serialized)
	RetryAfter int    `json:"-"`               // Seconds until a rate-limited client may retry
	Error      string `json:"error,omitempty"` // Error message if any
}

func (o Outcome) outcome() Outcome { return o }

type responder interface {
	outcome() Outcome
}

func succeed(status int) Outcome {
	return Outcome{StatusCode: status}
}

func fail(status int, message string) Outcome {
	return Outcome{StatusCode: status, Error: message}
}

// failWith builds an outcome from a library error.
func failWith(err error) Outcome {
	return fail(StatusCode(err), ClientMessage(err))
}

func rateLimited(retryAfter int) Outcome {
	o := failWith(ErrRateLimited)
	o.RetryAfter = retryAfter
	return o
}

// WriteResponse writes a handler result as JSON, setting Retry-After when
// the result was rate limited.
func WriteResponse(w http.ResponseWriter, resp responder) {
	o := resp.outcome()
	status := o.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if o.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(o.RetryAfter))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a library error as a JSON body.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusCode(err), map[string]string{"error": ClientMessage(err)})
}

func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// hashToken returns the SHA-256 hex digest stored in place of a bearer secret.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IP utilities
func extractIPFromRequest(remoteAddr, xForwardedFor, xRealIP string) string {
	// Check X-Forwarded-For header first (can contain multiple IPs)
	if xForwardedFor != "" {
		ips := strings.Split(xForwardedFor, ",")
		clientIP := strings.TrimSpace(ips[0])
		if net.ParseIP(clientIP) != nil {
			return clientIP
		}
	}

	// Check X-Real-IP header
	if xRealIP != "" {
		if net.ParseIP(xRealIP) != nil {
			return xRealIP
		}
	}

	// Fall back to RemoteAddr
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// clientIP extracts the client IP, honouring proxy headers only when configured.
func (g *Guard) clientIP(r *http.Request) string {
	if g.securityConfig.TrustProxyHeaders {
		return extractIPFromRequest(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"))
	}
	return extractIPFromRequest(r.RemoteAddr, "", "")
}

// extractTokenFromRequest extracts the session token from a Bearer
// Authorization header or the session cookie.
func extractTokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, found := strings.CutPrefix(auth, "Bearer "); found {
			return strings.TrimSpace(token)
		}
		slog.Debug("Ignoring non-bearer Authorization header")
	}

	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// Helper function to format validation errors
func formatValidationErrors(err error) string {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var errorMessages []string
		for _, fieldError := range validationErrors {
			switch fieldError.Tag() {
			case "required":
				errorMessages = append(errorMessages, fmt.Sprintf("%s is required", fieldError.Field()))
			case "email":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be a valid email address", fieldError.Field()))
			case "min":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be at least %s characters long", fieldError.Field(), fieldError.Param()))
			case "max":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be at most %s characters long", fieldError.Field(), fieldError.Param()))
			case "len":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be exactly %s characters long", fieldError.Field(), fieldError.Param()))
			case "numeric":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must contain only digits", fieldError.Field()))
			default:
				errorMessages = append(errorMessages, fmt.Sprintf("%s is invalid", fieldError.Field()))
			}
		}
		return strings.Join(errorMessages, "; ")
	}
	return err.Error()
}

// normalizeEmail lowercases and trims an address for storage and keys.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
