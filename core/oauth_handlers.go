package core

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wispberry-tech/wispy-guard/core/csrf"
)

// OAuthResponse represents the response for OAuth operations
type OAuthResponse struct {
	Outcome
	URL              string    `json:"url,omitempty"`   // Provider authorization URL (init)
	Token            string    `json:"token,omitempty"` // Session token (callback)
	User             *User     `json:"user,omitempty"`
	IsNewUser        bool      `json:"is_new_user"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

// OAuthInitHandler starts the OAuth flow for provider. The state value is
// kept in a cookie on w and echoed back by the provider on the callback.
func (g *Guard) OAuthInitHandler(w http.ResponseWriter, r *http.Request, provider string) OAuthResponse {
	oauthConfig, exists := g.oauthConfigs[provider]
	if !exists {
		slog.Debug("Unsupported OAuth provider", "provider", provider)
		return OAuthResponse{Outcome: failWith(ErrInvalidProvider)}
	}

	state, err := csrf.GenerateToken()
	if err != nil {
		slog.Error("Failed to generate state token", "error", err)
		return OAuthResponse{Outcome: failWith(err)}
	}
	setOAuthStateCookie(w, state)

	slog.Debug("OAuth flow initiated", "provider", provider)

	return OAuthResponse{
		Outcome: succeed(http.StatusOK),
		URL:     oauthConfig.AuthCodeURL(state),
	}
}

// OAuthCallbackHandler completes the OAuth flow: it checks the state,
// exchanges the code, then signs in, links or creates the user and issues a
// session bound to the client.
func (g *Guard) OAuthCallbackHandler(w http.ResponseWriter, r *http.Request, provider string) OAuthResponse {
	oauthConfig, exists := g.oauthConfigs[provider]
	if !exists {
		slog.Debug("Unsupported OAuth provider", "provider", provider)
		return OAuthResponse{Outcome: failWith(ErrInvalidProvider)}
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	cookie, cookieErr := r.Cookie(OAuthStateCookieName)
	clearOAuthStateCookie(w)

	if state == "" || code == "" || cookieErr != nil || !csrf.Equal(state, cookie.Value) {
		slog.Debug("Invalid OAuth state", "provider", provider)
		g.logSecurityEvent(r, "", EventOAuthLogin, "invalid state", false)
		return OAuthResponse{Outcome: failWith(ErrInvalidOAuthState)}
	}

	ctx := r.Context()
	token, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		slog.Error("Failed to exchange OAuth code", "provider", provider, "error", err)
		return OAuthResponse{Outcome: fail(http.StatusInternalServerError, "Failed to exchange authorization code")}
	}

	oauthUser, err := fetchOAuthUser(ctx, oauthConfig.Client(ctx, token), provider, g.oauthProviders[provider])
	if err != nil {
		slog.Error("Failed to fetch OAuth user info", "provider", provider, "error", err)
		return OAuthResponse{Outcome: fail(http.StatusInternalServerError, "Failed to fetch user information")}
	}
	if oauthUser.Email == "" {
		slog.Debug("OAuth user has no email", "provider", provider, "provider_id", oauthUser.ID)
		return OAuthResponse{Outcome: fail(http.StatusBadRequest, "Email is required from OAuth provider")}
	}

	user, err := g.storage.GetUserByAccount(ctx, provider, oauthUser.ID)
	if err != nil {
		slog.Error("Failed to get user by provider ID", "error", err)
		return OAuthResponse{Outcome: failWith(err)}
	}

	isNewUser := false
	if user == nil {
		email := normalizeEmail(oauthUser.Email)
		user, err = g.storage.GetUserByEmail(ctx, email)
		if err != nil {
			slog.Error("Failed to check existing email", "error", err)
			return OAuthResponse{Outcome: failWith(err)}
		}

		now := g.now()
		if user != nil {
			// Linking to an existing account needs a provider-verified address
			if !oauthUser.EmailVerified {
				slog.Debug("Refusing to link unverified OAuth email", "provider", provider)
				return OAuthResponse{Outcome: failWith(ErrUserExists)}
			}
			if !user.EmailVerified {
				user.EmailVerified = true
				user.UpdatedAt = now
				if err := g.storage.UpdateUser(ctx, user); err != nil {
					slog.Error("Failed to update user with OAuth info", "error", err)
					return OAuthResponse{Outcome: fail(http.StatusInternalServerError, "Failed to link account")}
				}
			}
		} else {
			user = &User{
				ID:            uuid.NewString(),
				Email:         email,
				Name:          strings.TrimSpace(oauthUser.Name),
				EmailVerified: oauthUser.EmailVerified,
				IsActive:      true,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := g.storage.CreateUser(ctx, user); err != nil {
				slog.Error("Failed to create OAuth user", "error", err)
				return OAuthResponse{Outcome: fail(http.StatusInternalServerError, "Failed to create user account")}
			}
			isNewUser = true
		}

		if err := g.storage.LinkAccount(ctx, &Account{
			UserID:     user.ID,
			Provider:   provider,
			ProviderID: oauthUser.ID,
			CreatedAt:  now,
		}); err != nil {
			slog.Error("Failed to link OAuth account", "error", err)
			return OAuthResponse{Outcome: fail(http.StatusInternalServerError, "Failed to link account")}
		}
		g.logSecurityEvent(r, user.ID, EventOAuthLinked, provider, true)
	}

	if !user.IsActive {
		slog.Debug("OAuth user account is inactive", "user_id", user.ID)
		g.logSecurityEvent(r, user.ID, EventOAuthLogin, "inactive account", false)
		return OAuthResponse{Outcome: failWith(ErrInvalidCredentials)}
	}

	sess, err := g.createSession(r, user.ID)
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		return OAuthResponse{Outcome: failWith(err)}
	}

	g.logSecurityEvent(r, user.ID, EventOAuthLogin, provider, true)
	slog.Info("OAuth authentication successful", "user_id", user.ID, "provider", provider, "is_new_user", isNewUser)

	return OAuthResponse{
		Outcome:          succeed(http.StatusOK),
		Token:            sess.Token,
		User:             publicUser(user),
		IsNewUser:        isNewUser,
		SessionExpiresAt: sess.ExpiresAt,
	}
}
