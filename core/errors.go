package core

import (
	"errors"
	"net/http"

	"github.com/wispberry-tech/wispy-guard/core/session"
	"github.com/wispberry-tech/wispy-guard/core/totp"
)

// Errors returned by the library. Their messages are safe to show clients.
var (
	// ErrRateLimited is returned when a bucket is exhausted
	ErrRateLimited = errors.New("too many requests")
	// ErrCSRFInvalid is returned when the CSRF header and cookie do not match
	ErrCSRFInvalid = errors.New("invalid CSRF token")
	// ErrSessionMissing is returned when no usable session accompanies a request
	ErrSessionMissing = errors.New("unauthorized")
	// ErrSessionMismatch is returned when a session is presented from another client
	ErrSessionMismatch = errors.New("session binding mismatch")
	// ErrSessionExpired is returned when a session has been idle too long or has passed its expiry
	ErrSessionExpired = errors.New("session expired")
	// ErrInvalidCredentials is returned for authentication failures
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserExists is returned when attempting to create a user that already exists
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound is returned when a user cannot be found
	ErrUserNotFound = errors.New("user not found")
	// ErrTwoFactorRequired is returned when a sign-in needs a TOTP code
	ErrTwoFactorRequired = errors.New("two-factor code required")
	// ErrTwoFactorInvalid is returned for a wrong TOTP code
	ErrTwoFactorInvalid = errors.New("invalid two-factor code")
	// ErrTwoFactorNotSetUp is returned when verifying before a secret was generated
	ErrTwoFactorNotSetUp = errors.New("two-factor authentication is not set up")
	// ErrInvalidResetToken is returned for unknown, used or expired reset tokens
	ErrInvalidResetToken = errors.New("invalid or expired reset token")
	// ErrInvalidVerificationToken is returned for unknown, used or expired verification tokens
	ErrInvalidVerificationToken = errors.New("invalid or expired verification token")
	// ErrEmailNotVerified is returned for a correct password on an unverified address
	ErrEmailNotVerified = errors.New("please verify your email first")
	// ErrEmailAlreadyVerified is returned when requesting verification of a verified address
	ErrEmailAlreadyVerified = errors.New("email already verified")
	// ErrInvalidProvider is returned when an unsupported OAuth provider is specified
	ErrInvalidProvider = errors.New("invalid OAuth provider")
	// ErrInvalidOAuthState is returned when the OAuth state does not match its cookie
	ErrInvalidOAuthState = errors.New("invalid OAuth state")
	// ErrConfiguration is returned when stored security state is inconsistent
	ErrConfiguration = errors.New("configuration error")
)

// StatusCode maps an error to the HTTP status a client should receive.
// Unrecognised errors are internal.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrCSRFInvalid), errors.Is(err, ErrSessionMismatch), errors.Is(err, ErrEmailNotVerified):
		return http.StatusForbidden
	case errors.Is(err, ErrSessionMissing),
		errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrTwoFactorRequired),
		errors.Is(err, ErrTwoFactorInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUserExists), errors.Is(err, ErrEmailAlreadyVerified):
		return http.StatusConflict
	case errors.Is(err, ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTwoFactorNotSetUp),
		errors.Is(err, ErrInvalidResetToken),
		errors.Is(err, ErrInvalidVerificationToken),
		errors.Is(err, ErrInvalidProvider),
		errors.Is(err, ErrInvalidOAuthState):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage returns the message to show for err. Internal errors are
// never echoed.
func ClientMessage(err error) string {
	if StatusCode(err) == http.StatusInternalServerError {
		return "Internal server error"
	}
	for _, known := range []error{
		ErrRateLimited, ErrCSRFInvalid, ErrSessionMissing, ErrSessionMismatch,
		ErrSessionExpired, ErrInvalidCredentials, ErrUserExists, ErrUserNotFound,
		ErrTwoFactorRequired, ErrTwoFactorInvalid, ErrTwoFactorNotSetUp,
		ErrInvalidResetToken, ErrInvalidVerificationToken, ErrEmailNotVerified, ErrEmailAlreadyVerified,
		ErrInvalidProvider, ErrInvalidOAuthState,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}

// sessionError maps a validator state to the error a request fails with.
func sessionError(state session.State) error {
	switch state {
	case session.StateValid:
		return nil
	case session.StateIPMismatch, session.StateUAMismatch:
		return ErrSessionMismatch
	case session.StateExpired:
		return ErrSessionExpired
	default:
		return ErrSessionMissing
	}
}

// twoFactorError translates totp package errors into library errors.
func twoFactorError(err error) error {
	switch {
	case errors.Is(err, totp.ErrNotSetUp):
		return ErrTwoFactorNotSetUp
	case errors.Is(err, totp.ErrUserNotFound):
		return ErrUserNotFound
	case errors.Is(err, totp.ErrConfiguration):
		return errors.Join(ErrConfiguration, err)
	default:
		return err
	}
}
