package core

import (
	"log/slog"
	"net/http"

	"github.com/wispberry-tech/wispy-guard/core/password"
	"github.com/wispberry-tech/wispy-guard/core/ratelimit"
)

// TwoFactorSetupResponse carries a pending TOTP enrollment
type TwoFactorSetupResponse struct {
	Outcome
	Secret string `json:"secret,omitempty"`  // Base32 secret for manual entry
	URI    string `json:"uri,omitempty"`     // otpauth:// provisioning URI
	QRCode string `json:"qr_code,omitempty"` // PNG data URI of URI
}

// TwoFactorVerifyRequest confirms enrollment with a code from the app
type TwoFactorVerifyRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// TwoFactorDisableRequest turns 2FA off. Password is checked for users that
// have one, Code otherwise.
type TwoFactorDisableRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

// TwoFactorResponse reports the resulting 2FA state
type TwoFactorResponse struct {
	Outcome
	Enabled bool `json:"enabled"`
}

// TwoFactorSetupHandler generates a new pending secret for the signed-in
// user. Requires RequireSession.
func (g *Guard) TwoFactorSetupHandler(r *http.Request) TwoFactorSetupResponse {
	user := GetUserFromContext(r)
	if user == nil {
		return TwoFactorSetupResponse{Outcome: failWith(ErrSessionMissing)}
	}
	if user.TwoFactorEnabled {
		return TwoFactorSetupResponse{Outcome: fail(http.StatusConflict, "two-factor authentication is already enabled")}
	}

	enrollment, err := g.twoFactor.GenerateSecret(r.Context(), user.ID, user.Email)
	if err != nil {
		slog.Error("Failed to generate 2FA secret", "user_id", user.ID, "error", err)
		return TwoFactorSetupResponse{Outcome: failWith(twoFactorError(err))}
	}

	return TwoFactorSetupResponse{
		Outcome: succeed(http.StatusOK),
		Secret:  enrollment.Secret,
		URI:     enrollment.URI,
		QRCode:  enrollment.QRCode,
	}
}

// TwoFactorVerifyHandler enables 2FA once the user proves possession of the
// pending secret. Attempts share the per-user 2fa bucket with sign-in.
func (g *Guard) TwoFactorVerifyHandler(r *http.Request) TwoFactorResponse {
	user := GetUserFromContext(r)
	if user == nil {
		return TwoFactorResponse{Outcome: failWith(ErrSessionMissing)}
	}

	var req TwoFactorVerifyRequest
	if o, valid := g.decodeRequest(r, &req); !valid {
		return TwoFactorResponse{Outcome: o}
	}

	ctx := r.Context()
	if o, _ := g.consume(ctx, ratelimit.ScopeTwoFactor, user.ID); o != nil {
		return TwoFactorResponse{Outcome: *o}
	}

	valid, err := g.twoFactor.VerifyAndEnable(ctx, user.ID, req.Code)
	if err != nil {
		slog.Debug("2FA verification failed", "user_id", user.ID, "error", err)
		return TwoFactorResponse{Outcome: failWith(twoFactorError(err))}
	}
	if !valid {
		g.logSecurityEvent(r, user.ID, Event2FAFailed, "enrollment", false)
		return TwoFactorResponse{Outcome: failWith(ErrTwoFactorInvalid)}
	}

	g.logSecurityEvent(r, user.ID, Event2FAEnabled, "", true)
	slog.Info("2FA enabled", "user_id", user.ID)

	return TwoFactorResponse{Outcome: succeed(http.StatusOK), Enabled: true}
}

// TwoFactorDisableHandler turns 2FA off after re-authenticating the user.
func (g *Guard) TwoFactorDisableHandler(r *http.Request) TwoFactorResponse {
	user := GetUserFromContext(r)
	if user == nil {
		return TwoFactorResponse{Outcome: failWith(ErrSessionMissing)}
	}

	var req TwoFactorDisableRequest
	if o, valid := g.decodeRequest(r, &req); !valid {
		return TwoFactorResponse{Outcome: o}
	}

	ctx := r.Context()
	if o, _ := g.consume(ctx, ratelimit.ScopeTwoFactor, user.ID); o != nil {
		return TwoFactorResponse{Outcome: *o, Enabled: user.TwoFactorEnabled}
	}

	if user.HasPassword() {
		if !password.Verify(req.Password, user.PasswordHash, user.PasswordSalt) {
			g.logSecurityEvent(r, user.ID, Event2FADisabled, "wrong password", false)
			return TwoFactorResponse{Outcome: failWith(ErrInvalidCredentials), Enabled: user.TwoFactorEnabled}
		}
	} else {
		valid, err := g.twoFactor.ValidateForLogin(ctx, user.ID, req.Code)
		if err != nil {
			slog.Error("2FA validation failed", "user_id", user.ID, "error", err)
			return TwoFactorResponse{Outcome: failWith(twoFactorError(err)), Enabled: user.TwoFactorEnabled}
		}
		if !valid {
			g.logSecurityEvent(r, user.ID, Event2FAFailed, "disable", false)
			return TwoFactorResponse{Outcome: failWith(ErrTwoFactorInvalid), Enabled: user.TwoFactorEnabled}
		}
	}

	if err := g.twoFactor.Disable(ctx, user.ID); err != nil {
		slog.Error("Failed to disable 2FA", "user_id", user.ID, "error", err)
		return TwoFactorResponse{Outcome: failWith(twoFactorError(err)), Enabled: user.TwoFactorEnabled}
	}

	g.logSecurityEvent(r, user.ID, Event2FADisabled, "", true)

	return TwoFactorResponse{Outcome: succeed(http.StatusOK), Enabled: false}
}
