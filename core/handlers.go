package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wispberry-tech/wispy-guard/core/password"
	"github.com/wispberry-tech/wispy-guard/core/ratelimit"
)

// Request and Response Types

// SignUpRequest represents a user registration request
type SignUpRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
	Name     string `json:"name" validate:"required,max=100"`
}

// SignUpResponse represents the response for user registration
type SignUpResponse struct {
	Outcome
	Token            string    `json:"token,omitempty"`      // Session token for authentication
	User             *User     `json:"user,omitempty"`       // Created user information
	SessionExpiresAt time.Time `json:"session_expires_at"`   // When the session expires
	Violations       []string  `json:"violations,omitempty"` // Password policy violations
}

// SignInRequest represents a user login request
type SignInRequest struct {
	Email    string `json:"email" validate:"required,email"` // User's email address
	Password string `json:"password" validate:"required"`    // User's password (plaintext)
	TOTPCode string `json:"totp_code"`                       // Required when 2FA is enabled
}

// SignInResponse represents the response for user authentication
type SignInResponse struct {
	Outcome
	Token            string    `json:"token,omitempty"`    // Session token for authentication
	User             *User     `json:"user,omitempty"`     // Authenticated user information
	Requires2FA      bool      `json:"requires_2fa"`       // Whether a TOTP code must be supplied
	SessionExpiresAt time.Time `json:"session_expires_at"` // When the session expires
}

// LogoutResponse represents the response for user logout
type LogoutResponse struct {
	Outcome
	Message string `json:"message,omitempty"`
}

// ChangePasswordRequest represents a password change by a signed-in user
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,max=128"`
}

// ChangePasswordResponse represents the response for a password change
type ChangePasswordResponse struct {
	Outcome
	Message    string   `json:"message,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// PasswordResetRequest asks for a reset token to be sent
type PasswordResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// PasswordResetConfirmRequest sets a new password with a reset token
type PasswordResetConfirmRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,max=128"`
}

// PasswordResetResponse represents the response for both reset steps
type PasswordResetResponse struct {
	Outcome
	Message    string   `json:"message,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// CSRFTokenResponse hands the client the token it must echo in X-CSRF-Token
type CSRFTokenResponse struct {
	Outcome
	Token string `json:"csrf_token,omitempty"`
}

// SessionsResponse represents the response for user session listing
type SessionsResponse struct {
	Outcome
	Sessions []*Session `json:"sessions"`
}

// SecurityEventsResponse is one page of the caller's audit trail, newest first.
type SecurityEventsResponse struct {
	Outcome
	Events []*SecurityEvent `json:"events"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

const (
	defaultEventPageSize = 50
	maxEventPageSize     = 100
)

const resetRequestedMessage = "If an account exists for that email, a reset link has been sent"

// decodeRequest decodes and validates a JSON body into dst.
func (g *Guard) decodeRequest(r *http.Request, dst any) (Outcome, bool) {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		slog.Debug("Failed to decode request", "path", r.URL.Path, "error", err)
		return fail(http.StatusBadRequest, "Invalid request format"), false
	}
	if err := g.validator.Struct(dst); err != nil {
		slog.Debug("Request validation failed", "path", r.URL.Path, "error", err)
		return fail(http.StatusBadRequest, formatValidationErrors(err)), false
	}
	return Outcome{}, true
}

// consume spends a point from scope's bucket for identity. A non-nil
// Outcome means the request must stop there.
func (g *Guard) consume(ctx context.Context, scope ratelimit.Scope, identity string) (*Outcome, ratelimit.Result) {
	res, err := g.limits.Consume(ctx, ratelimit.Key{Scope: scope, Identity: identity})
	if err != nil {
		slog.Error("Rate limit check failed", "scope", scope, "error", err)
		o := failWith(err)
		return &o, res
	}
	if !res.Success {
		o := rateLimited(res.RetryAfter)
		return &o, res
	}
	return nil, res
}

// createSession issues a new session bound to the client making r.
func (g *Guard) createSession(r *http.Request, userID string) (*Session, error) {
	token, err := generateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	md := g.CreateSessionMetadata(r)
	sess := &Session{
		ID:           uuid.NewString(),
		Token:        token,
		UserID:       userID,
		IPAddress:    md.IP,
		UserAgent:    md.UserAgent,
		LastActiveAt: md.LastActive,
		ExpiresAt:    md.LastActive.Add(g.securityConfig.SessionLifetime),
		CreatedAt:    md.LastActive,
	}
	if err := g.storage.CreateSession(r.Context(), sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// publicUser strips credential material before a user leaves the library.
func publicUser(u *User) *User {
	cp := *u
	cp.PasswordHash = ""
	cp.PasswordSalt = ""
	cp.TwoFactorSecret = ""
	return &cp
}

// SignUpHandler processes user registration requests
func (g *Guard) SignUpHandler(r *http.Request) SignUpResponse {
	var req SignUpRequest
	if o, valid := g.decodeRequest(r, &req); !valid {
		return SignUpResponse{Outcome: o}
	}

	ctx := r.Context()
	email := normalizeEmail(req.Email)
	ip := g.clientIP(r)

	if o, _ := g.consume(ctx, ratelimit.ScopeEmail, ip+":"+email); o != nil {
		return SignUpResponse{Outcome: *o}
	}

	if report := g.policy.Validate(req.Password); !report.IsValid {
		return SignUpResponse{
			Outcome:    fail(http.StatusBadRequest, strings.Join(report.Errors, "; ")),
			Violations: report.Errors,
		}
	}

	existingUser, err := g.storage.GetUserByEmail(ctx, email)
	if err != nil {
		slog.Error("Failed to check existing user", "error", err)
		return SignUpResponse{Outcome: failWith(err)}
	}
	if existingUser != nil {
		slog.Debug("User already exists", "email", email)
		return SignUpResponse{Outcome: failWith(ErrUserExists)}
	}

	record, err := password.Hash(req.Password)
	if err != nil {
		slog.Error("Failed to hash password", "error", err)
		return SignUpResponse{Outcome: failWith(err)}
	}

	now := g.now()
	user := &User{
		ID:            uuid.NewString(),
		Email:         email,
		Name:          strings.TrimSpace(req.Name),
		PasswordHash:  record.Hash,
		PasswordSalt:  record.Salt,
		EmailVerified: false,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := g.storage.CreateUser(ctx, user); err != nil {
		slog.Error("Failed to create user", "error", err)
		return SignUpResponse{Outcome: fail(http.StatusInternalServerError, "Failed to create user")}
	}

	sess, err := g.createSession(r, user.ID)
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		return SignUpResponse{Outcome: failWith(err)}
	}

	if err := g.issueVerificationToken(ctx, user); err != nil {
		slog.Error("Failed to issue verification token", "user_id", user.ID, "error", err)
	}

	g.logSecurityEvent(r, user.ID, EventSignup, "", true)
	slog.Info("User registered successfully", "user_id", user.ID)

	return SignUpResponse{
		Outcome:          succeed(http.StatusCreated),
		Token:            sess.Token,
		User:             publicUser(user),
		SessionExpiresAt: sess.ExpiresAt,
	}
}

// SignInHandler processes user authentication requests. Attempts are
// limited per client IP and email together, and TOTP codes per user.
func (g *Guard) SignInHandler(r *http.Request) SignInResponse {
	var req SignInRequest
	if o, valid := g.decodeRequest(r, &req); !valid {
		return SignInResponse{Outcome: o}
	}

	ctx := r.Context()
	email := normalizeEmail(req.Email)
	ip := g.clientIP(r)

	if o, res := g.consume(ctx, ratelimit.ScopeAuth, ip+":"+email); o != nil {
		if o.RetryAfter > 0 {
			slog.Warn("Sign-in blocked", "ip", ip, "retry_after", res.RetryAfter)
			g.logSecurityEvent(r, "", EventLoginBlocked, email, false)
		}
		return SignInResponse{Outcome: *o}
	}

	user, err := g.storage.GetUserByEmail(ctx, email)
	if err != nil {
		slog.Error("Failed to get user", "error", err)
		return SignInResponse{Outcome: failWith(err)}
	}

	if user == nil || !user.HasPassword() {
		decoy := g.decoyCredential()
		g.verifyPassword(req.Password, decoy.Hash, decoy.Salt)

		userID := ""
		if user != nil {
			userID = user.ID
		}
		slog.Debug("Invalid credentials", "email", email)
		g.logSecurityEvent(r, userID, EventLoginFailed, "invalid credentials", false)
		return SignInResponse{Outcome: failWith(ErrInvalidCredentials)}
	}
	if !g.verifyPassword(req.Password, user.PasswordHash, user.PasswordSalt) {
		slog.Debug("Invalid credentials", "email", email)
		g.logSecurityEvent(r, user.ID, EventLoginFailed, "invalid credentials", false)
		return SignInResponse{Outcome: failWith(ErrInvalidCredentials)}
	}

	if !user.IsActive {
		slog.Debug("User account is inactive", "user_id", user.ID)
		g.logSecurityEvent(r, user.ID, EventLoginFailed, "inactive account", false)
		return SignInResponse{Outcome: failWith(ErrInvalidCredentials)}
	}

	if g.securityConfig.RequireEmailVerification && !user.EmailVerified {
		slog.Debug("Sign-in before email verification", "user_id", user.ID)
		g.logSecurityEvent(r, user.ID, EventLoginFailed, "email not verified", false)
		return SignInResponse{Outcome: failWith(ErrEmailNotVerified)}
	}

	if user.TwoFactorEnabled {
		if req.TOTPCode == "" {
			return SignInResponse{Outcome: failWith(ErrTwoFactorRequired), Requires2FA: true}
		}
		if o, _ := g.consume(ctx, ratelimit.ScopeTwoFactor, user.ID); o != nil {
			return SignInResponse{Outcome: *o, Requires2FA: true}
		}

		valid, err := g.twoFactor.ValidateForLogin(ctx, user.ID, req.TOTPCode)
		if err != nil {
			slog.Error("Two-factor validation failed", "user_id", user.ID, "error", err)
			return SignInResponse{Outcome: failWith(twoFactorError(err))}
		}
		if !valid {
			g.logSecurityEvent(r, user.ID, Event2FAFailed, "", false)
			return SignInResponse{Outcome: failWith(ErrTwoFactorInvalid), Requires2FA: true}
		}
	}

	sess, err := g.createSession(r, user.ID)
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		return SignInResponse{Outcome: failWith(err)}
	}

	g.logSecurityEvent(r, user.ID, EventLoginSuccess, "", true)
	slog.Info("User logged in successfully", "user_id", user.ID)

	return SignInResponse{
		Outcome:          succeed(http.StatusOK),
		Token:            sess.Token,
		User:             publicUser(user),
		SessionExpiresAt: sess.ExpiresAt,
	}
}

// LogoutHandler revokes the presented session.
func (g *Guard) LogoutHandler(r *http.Request) LogoutResponse {
	token := extractTokenFromRequest(r)
	if token == "" {
		return LogoutResponse{Outcome: fail(http.StatusBadRequest, "No token provided")}
	}

	if err := g.sessions.Revoke(r.Context(), token); err != nil {
		slog.Error("Failed to delete session", "error", err)
		return LogoutResponse{Outcome: failWith(err)}
	}

	userID := ""
	if user := GetUserFromContext(r); user != nil {
		userID = user.ID
	}
	g.logSecurityEvent(r, userID, EventSessionRevoked, "logout", true)

	return LogoutResponse{
		Outcome: succeed(http.StatusOK),
		Message: "Successfully logged out",
	}
}

// ChangePasswordHandler replaces the signed-in user's password and revokes
// every other session. Requires RequireSession.
func (g *Guard) ChangePasswordHandler(r *http.Request) ChangePasswordResponse {
	user := GetUserFromContext(r)
	if user == nil {
		return ChangePasswordResponse{Outcome: failWith(ErrSessionMissing)}
	}

	var req ChangePasswordRequest
	if o, valid := g.decodeRequest(r, &req); !valid {
		return ChangePasswordResponse{Outcome: o}
	}

	if !user.HasPassword() || !password.Verify(req.CurrentPassword, user.PasswordHash, user.PasswordSalt) {
		g.logSecurityEvent(r, user.ID, EventPasswordChanged, "wrong current password", false)
		return ChangePasswordResponse{Outcome: failWith(ErrInvalidCredentials)}
	}

	if report := g.policy.Validate(req.NewPassword); !report.IsValid {
		return ChangePasswordResponse{
			Outcome:    fail(http.StatusBadRequest, strings.Join(report.Errors, "; ")),
			Violations: report.Errors,
		}
	}

	ctx := r.Context()
	if err := g.setPassword(ctx, user.ID, req.NewPassword); err != nil {
		slog.Error("Failed to change password", "user_id", user.ID, "error", err)
		return ChangePasswordResponse{Outcome: failWith(err)}
	}

	keep := ""
	if sess := GetSessionFromContext(r); sess != nil {
		keep = sess.Token
	}
	if err := g.storage.DeleteUserSessions(ctx, user.ID, keep); err != nil {
		slog.Error("Failed to revoke other sessions", "user_id", user.ID, "error", err)
	}

	g.logSecurityEvent(r, user.ID, EventPasswordChanged, "", true)

	return ChangePasswordResponse{
		Outcome: succeed(http.StatusOK),
		Message: "Password changed successfully",
	}
}

func (g *Guard) setPassword(ctx context.Context, userID, plaintext string) error {
	record, err := password.Hash(plaintext)
	if err != nil {
		return err
	}
	return g.storage.UpdatePassword(ctx, userID, record.Hash, record.Salt)
}

// PasswordResetRequestHandler issues a reset token for an existing account.
// The response never reveals whether the account exists.
func (g *Guard) PasswordResetRequestHandler(r *http.Request) PasswordResetResponse {
	var req PasswordResetRequest
	if o, valid := g.decodeRequest(r, &req); !valid {
		return PasswordResetResponse{Outcome: o}
	}

	ctx := r.Context()
	email := normalizeEmail(req.Email)

	if o, _ := g.consume(ctx, ratelimit.ScopeReset, g.clientIP(r)+":"+email); o != nil {
		return PasswordResetResponse{Outcome: *o}
	}

	user, err := g.storage.GetUserByEmail(ctx, email)
	if err != nil {
		slog.Error("Failed to get user", "error", err)
		return PasswordResetResponse{Outcome: failWith(err)}
	}

	if user != nil && user.IsActive {
		if err := g.issueResetToken(ctx, user); err != nil {
			slog.Error("Failed to issue reset token", "user_id", user.ID, "error", err)
		} else {
			g.logSecurityEvent(r, user.ID, EventPasswordResetIssue, "", true)
		}
	}

	return PasswordResetResponse{
		Outcome: succeed(http.StatusOK),
		Message: resetRequestedMessage,
	}
}

func (g *Guard) issueResetToken(ctx context.Context, user *User) error {
	token, err := generateSecureToken(32)
	if err != nil {
		return fmt.Errorf("failed to generate reset token: %w", err)
	}

	now := g.now()
	if err := g.storage.CreateResetToken(ctx, &ResetToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: hashToken(token),
		ExpiresAt: now.Add(g.securityConfig.ResetTokenExpiry),
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to store reset token: %w", err)
	}

	if g.onResetRequest == nil {
		slog.Warn("No password reset notifier configured; token not delivered", "user_id", user.ID)
		return nil
	}
	return g.onResetRequest(ctx, publicUser(user), token)
}

// PasswordResetConfirmHandler sets a new password using a reset token and
// revokes every session of the user.
func (g *Guard) PasswordResetConfirmHandler(r *http.Request) PasswordResetResponse {
	var req PasswordResetConfirmRequest
	if o, valid := g.decodeRequest(r, &req); !valid {
		return PasswordResetResponse{Outcome: o}
	}

	if report := g.policy.Validate(req.Password); !report.IsValid {
		return PasswordResetResponse{
			Outcome:    fail(http.StatusBadRequest, strings.Join(report.Errors, "; ")),
			Violations: report.Errors,
		}
	}

	ctx := r.Context()
	token, err := g.storage.ConsumeResetToken(ctx, hashToken(req.Token), g.now())
	if err != nil {
		slog.Error("Failed to consume reset token", "error", err)
		return PasswordResetResponse{Outcome: failWith(err)}
	}
	if token == nil {
		return PasswordResetResponse{Outcome: failWith(ErrInvalidResetToken)}
	}

	if err := g.setPassword(ctx, token.UserID, req.Password); err != nil {
		slog.Error("Failed to reset password", "user_id", token.UserID, "error", err)
		return PasswordResetResponse{Outcome: failWith(err)}
	}
	if err := g.storage.DeleteUserSessions(ctx, token.UserID, ""); err != nil {
		slog.Error("Failed to revoke sessions after reset", "user_id", token.UserID, "error", err)
	}

	g.logSecurityEvent(r, token.UserID, EventPasswordReset, "", true)

	return PasswordResetResponse{
		Outcome: succeed(http.StatusOK),
		Message: "Password has been reset",
	}
}

// CSRFTokenHandler mints a CSRF token, sets its cookie on w and returns it
// for the client to echo in the X-CSRF-Token header.
func (g *Guard) CSRFTokenHandler(w http.ResponseWriter, r *http.Request) CSRFTokenResponse {
	token, err := g.csrf.AttachToken(w)
	if err != nil {
		slog.Error("Failed to issue CSRF token", "error", err)
		return CSRFTokenResponse{Outcome: failWith(err)}
	}
	return CSRFTokenResponse{Outcome: succeed(http.StatusOK), Token: token}
}

// GetSessionsHandler returns all active sessions for the signed-in user.
func (g *Guard) GetSessionsHandler(r *http.Request) SessionsResponse {
	user := GetUserFromContext(r)
	if user == nil {
		return SessionsResponse{Outcome: failWith(ErrSessionMissing)}
	}

	sessions, err := g.storage.GetUserSessions(r.Context(), user.ID)
	if err != nil {
		slog.Error("Failed to get user sessions", "error", err)
		return SessionsResponse{Outcome: failWith(err)}
	}

	return SessionsResponse{Outcome: succeed(http.StatusOK), Sessions: sessions}
}

// SecurityEventsHandler pages through the signed-in user's security events.
// limit defaults to 50 and is capped at 100.
func (g *Guard) SecurityEventsHandler(r *http.Request) SecurityEventsResponse {
	user := GetUserFromContext(r)
	if user == nil {
		return SecurityEventsResponse{Outcome: failWith(ErrSessionMissing)}
	}

	limit, offset, ok := pageParams(r)
	if !ok {
		return SecurityEventsResponse{Outcome: fail(http.StatusBadRequest, "invalid limit or offset")}
	}

	events, err := g.storage.GetSecurityEvents(r.Context(), user.ID, limit, offset)
	if err != nil {
		slog.Error("Failed to get security events", "user_id", user.ID, "error", err)
		return SecurityEventsResponse{Outcome: failWith(err)}
	}
	if events == nil {
		events = []*SecurityEvent{}
	}

	return SecurityEventsResponse{
		Outcome: succeed(http.StatusOK),
		Events:  events,
		Limit:   limit,
		Offset:  offset,
	}
}

func pageParams(r *http.Request) (limit, offset int, ok bool) {
	limit, offset = defaultEventPageSize, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, false
		}
		limit = min(n, maxEventPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
