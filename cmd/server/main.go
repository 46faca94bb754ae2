// Command server runs the guard's authentication endpoints over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gookit/color"

	"github.com/wispberry-tech/wispy-guard/core"
	"github.com/wispberry-tech/wispy-guard/core/ratelimit"
	"github.com/wispberry-tech/wispy-guard/core/storage"
)

func main() {
	if err := run(); err != nil {
		color.Red.Println(err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig(envPath())
	if err != nil {
		return err
	}

	environment := cfg.GetString("APP_ENV", "development")
	initLogger(cfg.GetString("LOG_LEVEL", "info"), environment)

	if cfg.GetBool("CONFIG_WATCH", false) {
		if err := cfg.Watch(func() { reloadLogLevel(cfg) }); err != nil {
			slog.Warn("Config reload disabled", "error", err)
		}
		defer cfg.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}

	limits, err := newRateLimits(cfg)
	if err != nil {
		store.Close()
		return err
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermill.NewStdLogger(false, false))
	defer pubSub.Close()

	events, err := pubSub.Subscribe(ctx, core.AuditTopic)
	if err != nil {
		store.Close()
		limits.Close()
		return fmt.Errorf("failed to subscribe to security events: %w", err)
	}
	go logSecurityEvents(events)

	mail := newOutbox(cfg.GetString("APP_NAME", "Wispy Guard"), cfg.GetString("PUBLIC_URL", "http://localhost:8080"), environment)

	guard, err := core.NewGuard(core.Config{
		Storage:        store,
		RateLimits:     limits,
		SecurityConfig: securityConfig(cfg),
		OAuthProviders: oauthProviders(cfg),
		AuditSink: core.MultiAuditSink{
			core.NewStorageAuditSink(store),
			core.NewPublisherAuditSink(pubSub, core.AuditTopic),
		},
		OnPasswordResetRequested:     mail.passwordReset,
		OnEmailVerificationRequested: mail.emailVerification,
	})
	if err != nil {
		store.Close()
		limits.Close()
		return fmt.Errorf("failed to create guard: %w", err)
	}
	defer guard.Close()

	go cleanupExpiredSessions(ctx, store, cfg.GetDuration("SESSION_CLEANUP_INTERVAL", 10*time.Minute))

	srv := &http.Server{
		Addr:              ":" + cfg.GetString("PORT", "8080"),
		Handler:           newRouter(guard, store, splitList(cfg.GetString("CORS_ALLOWED_ORIGINS"))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "addr", srv.Addr, "env", environment)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	}
	return nil
}

func envPath() string {
	if p := os.Getenv("ENV_FILE"); p != "" {
		return p
	}
	return ".env"
}

func openStorage(ctx context.Context, cfg *Config) (core.Storage, error) {
	switch driver := cfg.GetString("DB_DRIVER", core.DatabaseSQLite); driver {
	case core.DatabaseSQLite:
		path := cfg.GetString("DATABASE_URL", "guard.db")
		slog.Info("Using SQLite storage", "path", path)
		return storage.NewSQLiteStorage(ctx, path)
	case core.DatabasePostgres:
		dsn := cfg.GetString("DATABASE_URL")
		if dsn == "" {
			return nil, errors.New("DATABASE_URL is required for postgres")
		}
		slog.Info("Using PostgreSQL storage")
		return storage.NewPostgresStorage(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
}

func newRateLimits(cfg *Config) (*ratelimit.Registry, error) {
	kind, err := ratelimit.ParseStoreKind(cfg.GetString("RATE_LIMIT_STORE", "memory"))
	if err != nil {
		return nil, err
	}

	rlStore, err := ratelimit.NewStore(kind, ratelimit.StoreOptions{
		RedisURL:         cfg.GetString("REDIS_URL"),
		RedisPoolSize:    cfg.GetInt("REDIS_POOL_SIZE", 10),
		FallbackCooldown: cfg.GetDuration("RATE_LIMIT_FALLBACK_COOLDOWN", 30*time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit store: %w", err)
	}
	slog.Info("Rate limit store ready", "kind", kind)

	limits, err := ratelimit.NewRegistry(rlStore, ratelimit.DefaultBuckets())
	if err != nil {
		rlStore.Close()
		return nil, err
	}
	return limits, nil
}

func securityConfig(cfg *Config) core.SecurityConfig {
	sc := core.DefaultSecurityConfig()
	sc.PasswordMinLength = cfg.GetInt("PASSWORD_MIN_LENGTH", sc.PasswordMinLength)
	sc.SessionLifetime = cfg.GetDuration("SESSION_LIFETIME", sc.SessionLifetime)
	sc.SessionInactivity = cfg.GetDuration("SESSION_INACTIVITY", sc.SessionInactivity)
	sc.ResetTokenExpiry = cfg.GetDuration("RESET_TOKEN_EXPIRY", sc.ResetTokenExpiry)
	sc.VerificationTokenExpiry = cfg.GetDuration("VERIFICATION_TOKEN_EXPIRY", sc.VerificationTokenExpiry)
	sc.RequireEmailVerification = cfg.GetBool("REQUIRE_EMAIL_VERIFICATION", sc.RequireEmailVerification)
	sc.TwoFactorIssuer = cfg.GetString("TOTP_ISSUER", sc.TwoFactorIssuer)
	sc.TrustProxyHeaders = cfg.GetBool("TRUST_PROXY_HEADERS", false)
	return sc
}

func oauthProviders(cfg *Config) map[string]core.OAuthProviderConfig {
	base := strings.TrimSuffix(cfg.GetString("PUBLIC_URL", "http://localhost:8080"), "/")
	providers := make(map[string]core.OAuthProviderConfig)

	if id := cfg.GetString("GOOGLE_CLIENT_ID"); id != "" {
		providers[core.ProviderGoogle] = core.NewGoogleOAuthProvider(id,
			cfg.GetString("GOOGLE_CLIENT_SECRET"), base+"/auth/oauth/google/callback")
	}
	if id := cfg.GetString("GITHUB_CLIENT_ID"); id != "" {
		providers[core.ProviderGitHub] = core.NewGitHubOAuthProvider(id,
			cfg.GetString("GITHUB_CLIENT_SECRET"), base+"/auth/oauth/github/callback")
	}
	return providers
}

func logSecurityEvents(messages <-chan *message.Message) {
	for msg := range messages {
		event, err := core.DecodeSecurityEvent(msg)
		if err != nil {
			slog.Error("Failed to decode security event", "message_id", msg.UUID, "error", err)
			msg.Nack()
			continue
		}
		level := slog.LevelInfo
		if !event.Success {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "Security event",
			"action", event.Action,
			"user_id", event.UserID,
			"ip", event.IPAddress,
			"resource", event.Resource)
		msg.Ack()
	}
}

func cleanupExpiredSessions(ctx context.Context, store core.SessionRepository, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.DeleteExpiredSessions(ctx, time.Now())
			if err != nil {
				slog.Error("Failed to delete expired sessions", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("Deleted expired sessions", "count", n)
			}
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
