package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/wispberry-tech/wispy-guard/core/ratelimit"
)

// VerifyEmailRequest confirms an address with the token sent to it
type VerifyEmailRequest struct {
	Token string `json:"token" validate:"required"`
}

// VerifyEmailResponse represents the response for both verification steps
type VerifyEmailResponse struct {
	Outcome
	Message string `json:"message,omitempty"`
}

// SendVerificationEmailHandler issues a fresh verification token for the
// signed-in user, invalidating earlier ones. Requires RequireSession.
func (g *Guard) SendVerificationEmailHandler(r *http.Request) VerifyEmailResponse {
	user := GetUserFromContext(r)
	if user == nil {
		return VerifyEmailResponse{Outcome: failWith(ErrSessionMissing)}
	}
	if user.EmailVerified {
		return VerifyEmailResponse{Outcome: failWith(ErrEmailAlreadyVerified)}
	}

	ctx := r.Context()
	if o, _ := g.consume(ctx, ratelimit.ScopeEmail, user.ID); o != nil {
		return VerifyEmailResponse{Outcome: *o}
	}

	if err := g.storage.DeleteUserVerificationTokens(ctx, user.ID); err != nil {
		slog.Error("Failed to invalidate verification tokens", "user_id", user.ID, "error", err)
		return VerifyEmailResponse{Outcome: failWith(err)}
	}
	if err := g.issueVerificationToken(ctx, user); err != nil {
		slog.Error("Failed to issue verification token", "user_id", user.ID, "error", err)
		return VerifyEmailResponse{Outcome: failWith(err)}
	}

	g.logSecurityEvent(r, user.ID, EventVerificationIssue, "", true)

	return VerifyEmailResponse{
		Outcome: succeed(http.StatusOK),
		Message: "Verification email sent",
	}
}

func (g *Guard) issueVerificationToken(ctx context.Context, user *User) error {
	token, err := generateSecureToken(32)
	if err != nil {
		return fmt.Errorf("failed to generate verification token: %w", err)
	}

	now := g.now()
	if err := g.storage.CreateVerificationToken(ctx, &VerificationToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Email:     user.Email,
		TokenHash: hashToken(token),
		ExpiresAt: now.Add(g.securityConfig.VerificationTokenExpiry),
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to store verification token: %w", err)
	}

	if g.onVerifyEmail == nil {
		slog.Warn("No email verification notifier configured; token not delivered", "user_id", user.ID)
		return nil
	}
	return g.onVerifyEmail(ctx, publicUser(user), token)
}

// VerifyEmailHandler marks the address a token was issued for as verified.
// A token issued before the user changed email is rejected.
func (g *Guard) VerifyEmailHandler(r *http.Request) VerifyEmailResponse {
	var req VerifyEmailRequest
	if o, valid := g.decodeRequest(r, &req); !valid {
		return VerifyEmailResponse{Outcome: o}
	}

	ctx := r.Context()
	token, err := g.storage.ConsumeVerificationToken(ctx, hashToken(req.Token), g.now())
	if err != nil {
		slog.Error("Failed to consume verification token", "error", err)
		return VerifyEmailResponse{Outcome: failWith(err)}
	}
	if token == nil {
		return VerifyEmailResponse{Outcome: failWith(ErrInvalidVerificationToken)}
	}

	user, err := g.storage.GetUserByID(ctx, token.UserID)
	if err != nil {
		slog.Error("Failed to get user", "user_id", token.UserID, "error", err)
		return VerifyEmailResponse{Outcome: failWith(err)}
	}
	if user == nil || user.Email != token.Email {
		return VerifyEmailResponse{Outcome: failWith(ErrInvalidVerificationToken)}
	}

	if !user.EmailVerified {
		user.EmailVerified = true
		user.UpdatedAt = g.now()
		if err := g.storage.UpdateUser(ctx, user); err != nil {
			slog.Error("Failed to mark email verified", "user_id", user.ID, "error", err)
			return VerifyEmailResponse{Outcome: failWith(err)}
		}
	}

	g.logSecurityEvent(r, user.ID, EventEmailVerified, "", true)

	return VerifyEmailResponse{
		Outcome: succeed(http.StatusOK),
		Message: "Email verified",
	}
}
