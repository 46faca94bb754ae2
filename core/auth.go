// Package core provides the request-defense layer for authentication endpoints.
//
// This package includes:
//   - Leaky-bucket rate limiting with a hard block, per route class
//   - Double-submit CSRF protection
//   - Sessions bound to the client IP and user agent with sliding expiry
//   - scrypt credential hashing with a password policy
//   - TOTP two-factor authentication
//   - OAuth2 sign-in (Google, GitHub)
//   - Security event auditing
//
// ## Key Features:
//   - Return-based handlers - maximum control over HTTP responses
//   - net/http middleware that works with any router (Chi, Gorilla Mux, stdlib, etc.)
//   - Every limiter, store and sink is passed in explicitly; nothing is global
//
// ## Quick Start:
//
//	store, _ := ratelimit.NewStore(ratelimit.StoreRedis, ratelimit.StoreOptions{RedisURL: url})
//	limits, _ := ratelimit.NewRegistry(store, ratelimit.DefaultBuckets())
//
//	guard, err := core.NewGuard(core.Config{
//		Storage:    storage,
//		RateLimits: limits,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	r.With(guard.CSRF).Post("/signin", func(w http.ResponseWriter, r *http.Request) {
//		core.WriteResponse(w, guard.SignInHandler(r))
//	})
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"

	"github.com/wispberry-tech/wispy-guard/core/csrf"
	"github.com/wispberry-tech/wispy-guard/core/password"
	"github.com/wispberry-tech/wispy-guard/core/ratelimit"
	"github.com/wispberry-tech/wispy-guard/core/session"
	"github.com/wispberry-tech/wispy-guard/core/totp"
)

// SecurityConfig defines security-related configuration options
type SecurityConfig struct {
	// Password security
	PasswordMinLength      int
	PasswordRequireUpper   bool
	PasswordRequireLower   bool
	PasswordRequireNumber  bool
	PasswordRequireSpecial bool

	// Session security
	SessionLifetime   time.Duration // Absolute session lifetime
	SessionInactivity time.Duration // Idle time after which a session expires

	CSRFTokenLifetime time.Duration // Max-Age of the CSRF cookie
	ResetTokenExpiry  time.Duration // How long password reset tokens remain valid

	VerificationTokenExpiry time.Duration // How long email verification tokens remain valid

	// RequireEmailVerification refuses password sign-in until the address is
	// verified. OAuth sign-in is unaffected.
	RequireEmailVerification bool

	TwoFactorIssuer string // Issuer shown in authenticator apps

	// TrustProxyHeaders makes client IP extraction honour X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// DefaultSecurityConfig returns a secure default configuration
func DefaultSecurityConfig() SecurityConfig {
	policy := password.DefaultPolicy()
	return SecurityConfig{
		PasswordMinLength:        policy.MinLength,
		PasswordRequireUpper:     policy.RequireUpper,
		PasswordRequireLower:     policy.RequireLower,
		PasswordRequireNumber:    policy.RequireDigit,
		PasswordRequireSpecial:   policy.RequireSpecial,
		SessionLifetime:          7 * 24 * time.Hour,
		SessionInactivity:        24 * time.Hour,
		CSRFTokenLifetime:        24 * time.Hour,
		ResetTokenExpiry:         time.Hour,
		VerificationTokenExpiry:  24 * time.Hour,
		RequireEmailVerification: true,
		TwoFactorIssuer:          "Wispy Guard",
		TrustProxyHeaders:        false,
	}
}

func (c SecurityConfig) passwordPolicy() password.Policy {
	return password.Policy{
		MinLength:      c.PasswordMinLength,
		RequireUpper:   c.PasswordRequireUpper,
		RequireLower:   c.PasswordRequireLower,
		RequireDigit:   c.PasswordRequireNumber,
		RequireSpecial: c.PasswordRequireSpecial,
	}
}

// PasswordResetNotifier delivers a reset token to the user, typically by
// email. It is called only for existing users.
type PasswordResetNotifier func(ctx context.Context, user *User, token string) error

// EmailVerificationNotifier delivers an email verification token to the
// address in user.Email.
type EmailVerificationNotifier func(ctx context.Context, user *User, token string) error

// Config contains the configuration for the Guard
type Config struct {
	Storage        Storage                        // Storage implementation (required)
	RateLimits     *ratelimit.Registry            // Limiter registry (default: in-memory store with DefaultBuckets)
	SecurityConfig SecurityConfig                 // Security configuration
	OAuthProviders map[string]OAuthProviderConfig // OAuth provider configurations
	AuditSink      AuditSink                      // Where security events go (default: Storage)

	OnPasswordResetRequested     PasswordResetNotifier
	OnEmailVerificationRequested EmailVerificationNotifier

	// Clock overrides time.Now for sessions, TOTP and reset tokens.
	Clock func() time.Time
}

// Guard is the main service wiring the defense components together.
type Guard struct {
	storage        Storage
	limits         *ratelimit.Registry
	csrf           *csrf.Manager
	sessions       *session.Validator
	twoFactor      *totp.Manager
	policy         password.Policy
	audit          AuditSink
	oauthConfigs   map[string]*oauth2.Config
	oauthProviders map[string]OAuthProviderConfig
	securityConfig SecurityConfig
	validator      *validator.Validate
	onResetRequest PasswordResetNotifier
	onVerifyEmail  EmailVerificationNotifier
	now            func() time.Time

	// Sign-in verifies against decoy when no stored credential exists so
	// unknown accounts cost the same scrypt work as known ones.
	verifyPassword func(password, hash, salt string) bool
	decoyOnce      sync.Once
	decoy          password.Record
}

// NewGuard creates a new Guard
func NewGuard(cfg Config) (*Guard, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cfg.Storage.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}

	// Use default security config if not provided
	securityConfig := cfg.SecurityConfig
	if securityConfig.SessionLifetime == 0 {
		securityConfig = DefaultSecurityConfig()
	}

	limits := cfg.RateLimits
	if limits == nil {
		var err error
		limits, err = ratelimit.NewRegistry(ratelimit.NewMemoryStore(), ratelimit.DefaultBuckets())
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiters: %w", err)
		}
	}
	for _, scope := range []ratelimit.Scope{ratelimit.ScopeAuth, ratelimit.ScopeEmail, ratelimit.ScopeReset, ratelimit.ScopeTwoFactor, ratelimit.ScopeRequest} {
		if _, ok := limits.Limiter(scope); !ok {
			return nil, fmt.Errorf("rate limit registry has no %q bucket", scope)
		}
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	audit := cfg.AuditSink
	if audit == nil {
		audit = NewStorageAuditSink(cfg.Storage)
	}

	oauthConfigs := make(map[string]*oauth2.Config)
	for provider, providerCfg := range cfg.OAuthProviders {
		oauthConfigs[provider] = providerCfg.oauth2Config()
	}

	g := &Guard{
		storage:        cfg.Storage,
		limits:         limits,
		csrf:           csrf.NewManager(securityConfig.CSRFTokenLifetime),
		policy:         securityConfig.passwordPolicy(),
		audit:          audit,
		oauthConfigs:   oauthConfigs,
		oauthProviders: cfg.OAuthProviders,
		securityConfig: securityConfig,
		validator:      validator.New(),
		onResetRequest: cfg.OnPasswordResetRequested,
		onVerifyEmail:  cfg.OnEmailVerificationRequested,
		now:            now,
		verifyPassword: password.Verify,
	}
	g.sessions = session.NewValidator(sessionStore{repo: cfg.Storage},
		session.WithInactivity(securityConfig.SessionInactivity),
		session.WithClock(now))
	g.twoFactor = totp.NewManager(twoFactorStore{repo: cfg.Storage}, securityConfig.TwoFactorIssuer,
		totp.WithClock(now))

	return g, nil
}

// decoyCredential returns a record no password matches, derived once.
func (g *Guard) decoyCredential() password.Record {
	g.decoyOnce.Do(func() {
		secret, _ := generateSecureToken(32)
		if rec, err := password.Hash(secret); err == nil {
			g.decoy = rec
		}
	})
	return g.decoy
}

// RateLimits returns the limiter registry.
func (g *Guard) RateLimits() *ratelimit.Registry {
	return g.limits
}

// CreateSessionMetadata captures the client binding for a new session.
func (g *Guard) CreateSessionMetadata(r *http.Request) session.Metadata {
	return session.NewMetadata(g.clientIP(r), r.UserAgent(), g.now())
}

// Close releases the storage and the rate limit store.
func (g *Guard) Close() error {
	return errors.Join(g.storage.Close(), g.limits.Close())
}
