package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	otptotp "github.com/pquerna/otp/totp"

	"github.com/wispberry-tech/wispy-guard/core/password"
)

func signIn(t *testing.T, g *Guard, email, password, code string) SignInResponse {
	t.Helper()
	body := map[string]any{"email": email, "password": password}
	if code != "" {
		body["totp_code"] = code
	}
	return g.SignInHandler(createTestRequest(t, http.MethodPost, "/signin", body))
}

func currentCode(t *testing.T, secret string, now time.Time) string {
	t.Helper()
	code, err := otptotp.GenerateCodeCustom(secret, now, otptotp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom() error = %v", err)
	}
	return code
}

// enableTwoFactor runs setup and verify for the user behind token and
// returns the secret.
func enableTwoFactor(t *testing.T, g *Guard, clock *testClock, token string) string {
	t.Helper()

	setup := g.TwoFactorSetupHandler(withSession(t, g, createTestRequest(t, http.MethodPost, "/2fa/setup", nil), token))
	if setup.StatusCode != http.StatusOK || setup.Secret == "" {
		t.Fatalf("TwoFactorSetupHandler() = %+v", setup)
	}
	if !strings.HasPrefix(setup.URI, "otpauth://totp/") || !strings.HasPrefix(setup.QRCode, "data:image/png;base64,") {
		t.Errorf("unexpected enrollment URI %q / QR prefix", setup.URI)
	}

	req := createTestRequest(t, http.MethodPost, "/2fa/verify", map[string]any{"code": currentCode(t, setup.Secret, clock.Now())})
	verify := g.TwoFactorVerifyHandler(withSession(t, g, req, token))
	if verify.StatusCode != http.StatusOK || !verify.Enabled {
		t.Fatalf("TwoFactorVerifyHandler() = %+v", verify)
	}
	return setup.Secret
}

func TestSignUpHandler(t *testing.T) {
	g, store, _ := mustCreateTestGuard(t)

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"valid signup", map[string]any{"email": "New@Example.com", "password": testPassword, "name": "New"}, http.StatusCreated},
		{"duplicate email", map[string]any{"email": "new@example.com", "password": testPassword, "name": "Dup"}, http.StatusConflict},
		{"weak password", map[string]any{"email": "weak@example.com", "password": "short", "name": "Weak"}, http.StatusBadRequest},
		{"invalid email", map[string]any{"email": "not-an-email", "password": testPassword, "name": "X"}, http.StatusBadRequest},
		{"missing name", map[string]any{"email": "noname@example.com", "password": testPassword}, http.StatusBadRequest},
		{"malformed json", "{not json", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := g.SignUpHandler(createTestRequest(t, http.MethodPost, "/signup", tt.body))
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.wantStatus, resp.Error)
			}
			if tt.wantStatus != http.StatusCreated {
				if resp.Error == "" {
					t.Error("expected error message")
				}
				return
			}
			if resp.Token == "" || resp.User == nil {
				t.Fatalf("missing token or user: %+v", resp)
			}
			if resp.User.Email != "new@example.com" {
				t.Errorf("email = %s, want normalized", resp.User.Email)
			}
			if resp.User.PasswordHash != "" || resp.User.PasswordSalt != "" {
				t.Error("response must not carry credential material")
			}
		})
	}

	t.Run("weak password lists violations", func(t *testing.T) {
		resp := g.SignUpHandler(createTestRequest(t, http.MethodPost, "/signup", map[string]any{
			"email": "weak2@example.com", "password": "alllowercase", "name": "Weak",
		}))
		if len(resp.Violations) == 0 {
			t.Error("expected policy violations")
		}
	})

	if store.eventCount(EventSignup) != 1 {
		t.Errorf("signup events = %d, want 1", store.eventCount(EventSignup))
	}
}

func TestSignUpHandler_RateLimited(t *testing.T) {
	g, _, _ := mustCreateTestGuard(t)

	var resp SignUpResponse
	for i := 0; i < 3; i++ {
		resp = g.SignUpHandler(createTestRequest(t, http.MethodPost, "/signup", map[string]any{
			"email": "spam@example.com", "password": "weak", "name": "Spam",
		}))
	}
	if resp.StatusCode != http.StatusTooManyRequests || resp.RetryAfter != 3600 {
		t.Errorf("third attempt = %d retry %d, want 429 retry 3600", resp.StatusCode, resp.RetryAfter)
	}
}

func TestSignInHandler(t *testing.T) {
	g, store, _ := mustCreateTestGuard(t)
	user, _ := mustCreateTestUserWithToken(t, g)

	t.Run("valid credentials", func(t *testing.T) {
		resp := signIn(t, g, user.Email, testPassword, "")
		if resp.StatusCode != http.StatusOK || resp.Token == "" {
			t.Fatalf("SignInHandler() = %+v", resp)
		}
		sess, _ := store.GetSession(context.Background(), resp.Token)
		if sess == nil || sess.IPAddress != "192.0.2.1" || sess.UserAgent != "test-agent/1.0" {
			t.Errorf("session not bound to client: %+v", sess)
		}
	})

	t.Run("wrong password and unknown user look the same", func(t *testing.T) {
		wrong := signIn(t, g, strings.ToUpper(user.Email), "WrongPassword1!", "")
		unknown := signIn(t, g, "ghost@example.com", testPassword, "")

		if wrong.StatusCode != http.StatusUnauthorized || unknown.StatusCode != http.StatusUnauthorized {
			t.Fatalf("statuses = %d, %d; want 401", wrong.StatusCode, unknown.StatusCode)
		}
		if wrong.Error != unknown.Error {
			t.Errorf("errors differ: %q vs %q", wrong.Error, unknown.Error)
		}
	})

	t.Run("inactive user", func(t *testing.T) {
		inactive, _ := mustCreateTestUserWithToken(t, g)
		inactive.IsActive = false
		store.UpdateUser(context.Background(), inactive)

		resp := signIn(t, g, inactive.Email, testPassword, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})
}

func TestSignInHandler_MissingCredentialStillHashes(t *testing.T) {
	g, store, _ := mustCreateTestGuard(t)
	store.CreateUser(context.Background(), &User{
		ID:       "oauth-only",
		Email:    "oauth-only@example.com",
		Name:     "OAuth Only",
		IsActive: true,
	})

	var calls []string
	g.verifyPassword = func(pw, hash, salt string) bool {
		calls = append(calls, hash)
		return password.Verify(pw, hash, salt)
	}

	tests := []struct {
		name  string
		email string
	}{
		{"unknown account", "ghost@example.com"},
		{"account without password", "oauth-only@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls = nil
			resp := signIn(t, g, tt.email, testPassword, "")
			if resp.StatusCode != http.StatusUnauthorized || resp.Error != ErrInvalidCredentials.Error() {
				t.Fatalf("SignInHandler() = %+v, want invalid credentials", resp)
			}
			if len(calls) != 1 {
				t.Fatalf("password verifications = %d, want 1", len(calls))
			}
			if len(calls[0]) != 128 {
				t.Errorf("verified against %q, want a full-length decoy hash", calls[0])
			}
		})
	}

	if a, b := g.decoyCredential(), g.decoyCredential(); a != b || a.Salt == "" {
		t.Errorf("decoy credential not stable: %+v vs %+v", a, b)
	}
}

func TestSignInHandler_EmailVerification(t *testing.T) {
	tests := []struct {
		name       string
		require    bool
		wantStatus int
	}{
		{"required", true, http.StatusForbidden},
		{"not required", false, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, store, _ := mustCreateTestGuard(t, func(c *Config) {
				c.SecurityConfig.RequireEmailVerification = tt.require
			})
			user, _ := mustSignUpTestUser(t, g)

			resp := signIn(t, g, user.Email, testPassword, "")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.require {
				if resp.Token != "" || resp.Error != "please verify your email first" {
					t.Errorf("SignInHandler() = %+v", resp)
				}
				// A wrong password must not reveal the verification state
				wrong := signIn(t, g, user.Email, "WrongPassword1!", "")
				if wrong.StatusCode != http.StatusUnauthorized {
					t.Errorf("wrong password status = %d, want 401", wrong.StatusCode)
				}
				if store.eventCount(EventLoginSuccess) != 0 {
					t.Error("unverified sign-in recorded a login")
				}
			}
		})
	}
}

func TestSignInHandler_Lockout(t *testing.T) {
	g, store, _ := mustCreateTestGuard(t)
	user, _ := mustCreateTestUserWithToken(t, g)

	for i := 0; i < 3; i++ {
		if resp := signIn(t, g, user.Email, "WrongPassword1!", ""); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want 401", i+1, resp.StatusCode)
		}
	}

	// The correct password is still refused while blocked
	resp := signIn(t, g, user.Email, testPassword, "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.RetryAfter != 900 {
		t.Errorf("RetryAfter = %d, want 900", resp.RetryAfter)
	}
	if store.eventCount(EventLoginBlocked) != 1 {
		t.Errorf("login_blocked events = %d, want 1", store.eventCount(EventLoginBlocked))
	}

	rec := httptest.NewRecorder()
	WriteResponse(rec, resp)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "900" {
		t.Errorf("WriteResponse() = %d Retry-After %q", rec.Code, rec.Header().Get("Retry-After"))
	}

	// Another client signing in to the same account is not blocked
	req := createTestRequest(t, http.MethodPost, "/signin", map[string]any{"email": user.Email, "password": testPassword})
	req.RemoteAddr = "198.51.100.20:5555"
	if resp := g.SignInHandler(req); resp.StatusCode != http.StatusOK {
		t.Errorf("other IP status = %d, want 200", resp.StatusCode)
	}
}

func TestSignInHandler_TwoFactor(t *testing.T) {
	g, store, clock := mustCreateTestGuard(t)
	user, token := mustCreateTestUserWithToken(t, g)
	secret := enableTwoFactor(t, g, clock, token)

	t.Run("code required", func(t *testing.T) {
		resp := signIn(t, g, user.Email, testPassword, "")
		if resp.StatusCode != http.StatusUnauthorized || !resp.Requires2FA || resp.Token != "" {
			t.Errorf("SignInHandler() = %+v, want 401 requiring 2FA", resp)
		}
	})

	t.Run("wrong code", func(t *testing.T) {
		code := currentCode(t, secret, clock.Now().Add(-10*time.Minute))
		resp := signIn(t, g, user.Email, testPassword, code)
		if resp.StatusCode != http.StatusUnauthorized || resp.Token != "" {
			t.Errorf("SignInHandler() = %+v, want 401", resp)
		}
		if store.eventCount(Event2FAFailed) == 0 {
			t.Error("expected 2fa_failed event")
		}
	})

	t.Run("valid code", func(t *testing.T) {
		resp := signIn(t, g, user.Email, testPassword, currentCode(t, secret, clock.Now()))
		if resp.StatusCode != http.StatusOK || resp.Token == "" {
			t.Errorf("SignInHandler() = %+v, want 200", resp)
		}
	})
}

func TestSignInHandler_TwoFactorMisconfigured(t *testing.T) {
	g, store, _ := mustCreateTestGuard(t)
	user, _ := mustCreateTestUserWithToken(t, g)

	// Enabled without a secret is a server-side fault
	store.UpdateTwoFactor(context.Background(), user.ID, "", true)

	resp := signIn(t, g, user.Email, testPassword, "123456")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if resp.Error != "Internal server error" {
		t.Errorf("error = %q, must not expose internals", resp.Error)
	}
}

func TestTwoFactorVerifyHandler_NotSetUp(t *testing.T) {
	g, _, _ := mustCreateTestGuard(t)
	_, token := mustCreateTestUserWithToken(t, g)

	req := createTestRequest(t, http.MethodPost, "/2fa/verify", map[string]any{"code": "123456"})
	resp := g.TwoFactorVerifyHandler(withSession(t, g, req, token))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTwoFactorHandlers(t *testing.T) {
	g, store, clock := mustCreateTestGuard(t)
	user, token := mustCreateTestUserWithToken(t, g)

	enableTwoFactor(t, g, clock, token)

	t.Run("setup again while enabled", func(t *testing.T) {
		resp := g.TwoFactorSetupHandler(withSession(t, g, createTestRequest(t, http.MethodPost, "/2fa/setup", nil), token))
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
	})

	t.Run("disable with wrong password", func(t *testing.T) {
		req := createTestRequest(t, http.MethodPost, "/2fa/disable", map[string]any{"password": "nope"})
		resp := g.TwoFactorDisableHandler(withSession(t, g, req, token))
		if resp.StatusCode != http.StatusUnauthorized || !resp.Enabled {
			t.Errorf("TwoFactorDisableHandler() = %+v", resp)
		}
	})

	t.Run("disable", func(t *testing.T) {
		req := createTestRequest(t, http.MethodPost, "/2fa/disable", map[string]any{"password": testPassword})
		resp := g.TwoFactorDisableHandler(withSession(t, g, req, token))
		if resp.StatusCode != http.StatusOK || resp.Enabled {
			t.Fatalf("TwoFactorDisableHandler() = %+v", resp)
		}
		stored, _ := store.GetUserByID(context.Background(), user.ID)
		if stored.TwoFactorEnabled || stored.TwoFactorSecret != "" {
			t.Errorf("2FA state not cleared: %+v", stored)
		}
		if resp := signIn(t, g, user.Email, testPassword, ""); resp.StatusCode != http.StatusOK {
			t.Errorf("sign-in after disable = %d, want 200", resp.StatusCode)
		}
	})
}

func TestSecurityEventsHandler(t *testing.T) {
	g, _, _ := mustCreateTestGuard(t)
	user, token := mustCreateTestUserWithToken(t, g)
	signIn(t, g, user.Email, testPassword, "")
	signIn(t, g, user.Email, "WrongPassword1!", "")

	other, _ := mustSignUpTestUser(t, g)

	events := func(t *testing.T, query string) SecurityEventsResponse {
		t.Helper()
		req := createTestRequest(t, http.MethodGet, "/security-events"+query, nil)
		return g.SecurityEventsHandler(withSession(t, g, req, token))
	}

	t.Run("only the caller's events, newest first", func(t *testing.T) {
		resp := events(t, "")
		if resp.StatusCode != http.StatusOK || resp.Limit != 50 || resp.Offset != 0 {
			t.Fatalf("SecurityEventsHandler() = %+v", resp)
		}
		if len(resp.Events) < 2 {
			t.Fatalf("events = %d, want at least 2", len(resp.Events))
		}
		for _, e := range resp.Events {
			if e.UserID != user.ID {
				t.Errorf("event %s belongs to %q, want %q (other user %q)", e.Action, e.UserID, user.ID, other.ID)
			}
		}
		if resp.Events[0].Action != EventLoginFailed {
			t.Errorf("newest action = %q, want %q", resp.Events[0].Action, EventLoginFailed)
		}
	})

	t.Run("paging", func(t *testing.T) {
		first := events(t, "?limit=1")
		second := events(t, "?limit=1&offset=1")
		if len(first.Events) != 1 || len(second.Events) != 1 {
			t.Fatalf("page sizes = %d, %d; want 1, 1", len(first.Events), len(second.Events))
		}
		if first.Events[0].ID == second.Events[0].ID {
			t.Error("pages overlap")
		}
		if resp := events(t, "?limit=1000"); resp.Limit != 100 {
			t.Errorf("limit = %d, want capped at 100", resp.Limit)
		}
	})

	t.Run("invalid paging", func(t *testing.T) {
		for _, q := range []string{"?limit=0", "?limit=abc", "?offset=-1"} {
			if resp := events(t, q); resp.StatusCode != http.StatusBadRequest {
				t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
			}
		}
	})

	t.Run("no session", func(t *testing.T) {
		resp := g.SecurityEventsHandler(createTestRequest(t, http.MethodGet, "/security-events", nil))
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})
}

func TestLogoutHandler(t *testing.T) {
	g, store, _ := mustCreateTestGuard(t)
	_, token := mustCreateTestUserWithToken(t, g)

	if resp := g.LogoutHandler(createTestRequest(t, http.MethodPost, "/logout", nil)); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("logout without token = %d, want 400", resp.StatusCode)
	}

	req := withSession(t, g, createTestRequest(t, http.MethodPost, "/logout", nil), token)
	if resp := g.LogoutHandler(req); resp.StatusCode != http.StatusOK {
		t.Fatalf("LogoutHandler() = %+v", resp)
	}
	if s, _ := store.GetSession(context.Background(), token); s != nil {
		t.Error("session should be revoked")
	}

	// Revoking again is harmless
	req = createTestRequest(t, http.MethodPost, "/logout", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if resp := g.LogoutHandler(req); resp.StatusCode != http.StatusOK {
		t.Errorf("second logout = %d, want 200", resp.StatusCode)
	}
}

func TestChangePasswordHandler(t *testing.T) {
	g, store, _ := mustCreateTestGuard(t)
	user, token := mustCreateTestUserWithToken(t, g)
	other := signIn(t, g, user.Email, testPassword, "")

	t.Run("wrong current password", func(t *testing.T) {
		req := createTestRequest(t, http.MethodPost, "/change-password", map[string]any{
			"current_password": "WrongPassword1!", "new_password": "AnotherPass456#",
		})
		if resp := g.ChangePasswordHandler(withSession(t, g, req, token)); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("new password violates policy", func(t *testing.T) {
		req := createTestRequest(t, http.MethodPost, "/change-password", map[string]any{
			"current_password": testPassword, "new_password": "weak",
		})
		resp := g.ChangePasswordHandler(withSession(t, g, req, token))
		if resp.StatusCode != http.StatusBadRequest || len(resp.Violations) == 0 {
			t.Errorf("ChangePasswordHandler() = %+v", resp)
		}
	})

	t.Run("success revokes other sessions", func(t *testing.T) {
		req := createTestRequest(t, http.MethodPost, "/change-password", map[string]any{
			"current_password": testPassword, "new_password": "AnotherPass456#",
		})
		if resp := g.ChangePasswordHandler(withSession(t, g, req, token)); resp.StatusCode != http.StatusOK {
			t.Fatalf("ChangePasswordHandler() = %+v", resp)
		}

		ctx := context.Background()
		if s, _ := store.GetSession(ctx, token); s == nil {
			t.Error("current session should survive")
		}
		if s, _ := store.GetSession(ctx, other.Token); s != nil {
			t.Error("other session should be revoked")
		}
		if resp := signIn(t, g, user.Email, "AnotherPass456#", ""); resp.StatusCode != http.StatusOK {
			t.Errorf("sign-in with new password = %d", resp.StatusCode)
		}
	})
}

func TestPasswordResetFlow(t *testing.T) {
	var delivered []string
	g, store, clock := mustCreateTestGuard(t, func(c *Config) {
		c.OnPasswordResetRequested = func(_ context.Context, user *User, token string) error {
			delivered = append(delivered, token)
			return nil
		}
	})
	user, token := mustCreateTestUserWithToken(t, g)

	request := func(email string) PasswordResetResponse {
		return g.PasswordResetRequestHandler(createTestRequest(t, http.MethodPost, "/reset", map[string]any{"email": email}))
	}
	confirm := func(tok, password string) PasswordResetResponse {
		return g.PasswordResetConfirmHandler(createTestRequest(t, http.MethodPost, "/reset/confirm", map[string]any{
			"token": tok, "password": password,
		}))
	}

	unknown := request("ghost@example.com")
	known := request(user.Email)
	if unknown.StatusCode != http.StatusOK || known.StatusCode != http.StatusOK || unknown.Message != known.Message {
		t.Fatalf("responses differ: %+v vs %+v", unknown, known)
	}
	if len(delivered) != 1 {
		t.Fatalf("notifier called %d times, want 1", len(delivered))
	}

	if resp := confirm(delivered[0], "weak"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("weak password = %d, want 400", resp.StatusCode)
	}
	if resp := confirm("bogus", "ResetPassword789$"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus token = %d, want 400", resp.StatusCode)
	}

	if resp := confirm(delivered[0], "ResetPassword789$"); resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm = %+v", resp)
	}
	if resp := confirm(delivered[0], "ResetPassword789$"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("reused token = %d, want 400", resp.StatusCode)
	}
	if s, _ := store.GetSession(context.Background(), token); s != nil {
		t.Error("sessions should be revoked after reset")
	}
	if resp := signIn(t, g, user.Email, "ResetPassword789$", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("sign-in with reset password = %d", resp.StatusCode)
	}

	t.Run("expired token", func(t *testing.T) {
		request(user.Email)
		clock.Advance(time.Hour + time.Second)
		if resp := confirm(delivered[len(delivered)-1], "ExpiredReset000!"); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expired token = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("request is rate limited", func(t *testing.T) {
		resp := request(user.Email)
		if resp.StatusCode != http.StatusTooManyRequests {
			t.Errorf("third request = %d, want 429", resp.StatusCode)
		}
	})
}

func TestCSRFTokenHandler(t *testing.T) {
	g, _, _ := mustCreateTestGuard(t)

	rec := httptest.NewRecorder()
	resp := g.CSRFTokenHandler(rec, httptest.NewRequest(http.MethodGet, "/csrf", nil))
	if resp.StatusCode != http.StatusOK || len(resp.Token) != 64 {
		t.Fatalf("CSRFTokenHandler() = %+v", resp)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != resp.Token || !cookies[0].HttpOnly || !cookies[0].Secure {
		t.Errorf("unexpected CSRF cookie: %+v", cookies)
	}
}

func TestGetSessionsHandler(t *testing.T) {
	g, _, _ := mustCreateTestGuard(t)
	user, token := mustCreateTestUserWithToken(t, g)
	signIn(t, g, user.Email, testPassword, "")

	resp := g.GetSessionsHandler(withSession(t, g, createTestRequest(t, http.MethodGet, "/sessions", nil), token))
	if resp.StatusCode != http.StatusOK || len(resp.Sessions) != 2 {
		t.Fatalf("GetSessionsHandler() = %d with %d sessions", resp.StatusCode, len(resp.Sessions))
	}

	rec := httptest.NewRecorder()
	WriteResponse(rec, resp)
	if strings.Contains(rec.Body.String(), token) {
		t.Error("session tokens must not be serialized")
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := body["StatusCode"]; ok {
		t.Error("status code must not be serialized")
	}
}
