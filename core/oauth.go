package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// OAuthStateCookieName holds the state value between init and callback.
const OAuthStateCookieName = "__Host-oauth-state"

const oauthStateMaxAge = 10 * time.Minute

// Provider names with built-in user info parsing
const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"
)

// OAuthProviderConfig contains the configuration for an OAuth provider
type OAuthProviderConfig struct {
	ClientID     string   `json:"client_id"`     // OAuth2 client ID from provider
	ClientSecret string   `json:"client_secret"` // OAuth2 client secret from provider
	RedirectURL  string   `json:"redirect_url"`  // Callback URL registered with provider
	AuthURL      string   `json:"auth_url"`      // OAuth2 authorization endpoint
	TokenURL     string   `json:"token_url"`     // OAuth2 token endpoint
	UserInfoURL  string   `json:"user_info_url"` // Endpoint returning the signed-in user's profile
	Scopes       []string `json:"scopes"`        // OAuth2 scopes to request
}

// NewGoogleOAuthProvider creates a Google OAuth provider configuration with defaults
func NewGoogleOAuthProvider(clientID, clientSecret, redirectURL string) OAuthProviderConfig {
	return OAuthProviderConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      endpoints.Google.AuthURL,
		TokenURL:     endpoints.Google.TokenURL,
		UserInfoURL:  "https://www.googleapis.com/oauth2/v2/userinfo",
		Scopes:       []string{"openid", "email", "profile"},
	}
}

// NewGitHubOAuthProvider creates a GitHub OAuth provider configuration with defaults
func NewGitHubOAuthProvider(clientID, clientSecret, redirectURL string) OAuthProviderConfig {
	return OAuthProviderConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      endpoints.GitHub.AuthURL,
		TokenURL:     endpoints.GitHub.TokenURL,
		UserInfoURL:  "https://api.github.com/user",
		Scopes:       []string{"user:email"},
	}
}

func (c OAuthProviderConfig) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
	}
}

// OAuthUser represents user information from OAuth providers
type OAuthUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// fetchOAuthUser loads the profile behind an authorized client.
func fetchOAuthUser(ctx context.Context, client *http.Client, provider string, cfg OAuthProviderConfig) (*OAuthUser, error) {
	if cfg.UserInfoURL == "" {
		return nil, fmt.Errorf("provider %s has no user info URL", provider)
	}

	if provider == ProviderGitHub {
		return fetchGitHubUser(ctx, client, cfg.UserInfoURL)
	}

	var profile struct {
		ID            json.RawMessage `json:"id"`
		Sub           string          `json:"sub"`
		Email         string          `json:"email"`
		VerifiedEmail bool            `json:"verified_email"`
		EmailVerified bool            `json:"email_verified"`
		Name          string          `json:"name"`
	}
	if err := getJSON(ctx, client, cfg.UserInfoURL, &profile); err != nil {
		return nil, err
	}

	id := rawID(profile.ID)
	if id == "" {
		id = profile.Sub
	}
	if id == "" {
		return nil, fmt.Errorf("provider %s returned no user id", provider)
	}

	return &OAuthUser{
		ID:            id,
		Email:         profile.Email,
		EmailVerified: profile.VerifiedEmail || profile.EmailVerified,
		Name:          profile.Name,
	}, nil
}

// fetchGitHubUser reads /user, then /user/emails for a verified address.
func fetchGitHubUser(ctx context.Context, client *http.Client, userURL string) (*OAuthUser, error) {
	var githubUser struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
	}
	if err := getJSON(ctx, client, userURL, &githubUser); err != nil {
		return nil, err
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := getJSON(ctx, client, strings.TrimSuffix(userURL, "/")+"/emails", &emails); err != nil {
		return nil, fmt.Errorf("failed to fetch GitHub user email: %w", err)
	}

	user := &OAuthUser{
		ID:   strconv.FormatInt(githubUser.ID, 10),
		Name: githubUser.Name,
	}
	if user.Name == "" {
		user.Name = githubUser.Login
	}

	// Primary verified first, then any verified
	for _, e := range emails {
		if e.Primary && e.Verified {
			user.Email, user.EmailVerified = e.Email, true
			return user, nil
		}
	}
	for _, e := range emails {
		if e.Verified {
			user.Email, user.EmailVerified = e.Email, true
			return user, nil
		}
	}
	return user, nil
}

// rawID accepts an identifier encoded as either a JSON string or number.
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func getJSON(ctx context.Context, client *http.Client, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", url, err)
	}
	return nil
}

func setOAuthStateCookie(w http.ResponseWriter, state string) {
	http.SetCookie(w, &http.Cookie{
		Name:     OAuthStateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   int(oauthStateMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearOAuthStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     OAuthStateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}
