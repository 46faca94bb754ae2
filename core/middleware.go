package core

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/wispberry-tech/wispy-guard/core/csrf"
	"github.com/wispberry-tech/wispy-guard/core/ratelimit"
)

type contextKey int

const (
	userContextKey contextKey = iota
	sessionContextKey
)

// RateLimit consumes a point from scope's bucket keyed by client IP. Blocked
// requests get 429 with Retry-After. The store being unreachable denies the
// request with 500.
func (g *Guard) RateLimit(scope ratelimit.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := g.clientIP(r)
			res, err := g.limits.Consume(r.Context(), ratelimit.Key{Scope: scope, Identity: ip})
			if err != nil {
				slog.Error("Rate limit check failed", "scope", scope, "error", err)
				writeError(w, err)
				return
			}

			setRateLimitHeaders(w, res)
			if !res.Success {
				slog.Warn("Rate limit exceeded", "scope", scope, "ip", ip, "retry_after", res.RetryAfter)
				g.logSecurityEvent(r, "", EventRateLimited, string(scope), false)
				writeError(w, ErrRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// securityHeaders are set on every response. The API serves JSON only, so
// the policy forbids loading anything and framing.
var securityHeaders = map[string]string{
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'; form-action 'self'; base-uri 'none'",
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"X-XSS-Protection":        "1; mode=block",
	"Referrer-Policy":         "strict-origin-when-cross-origin",
	"Permissions-Policy":      "accelerometer=(), camera=(), geolocation=(), gyroscope=(), magnetometer=(), microphone=(), payment=(), usb=()",
	"Cache-Control":           "no-store, max-age=0",
}

// SecurityHeaders sets the hardening headers on every response, plus HSTS
// when the request arrived over TLS.
func (g *Guard) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for name, value := range securityHeaders {
			h.Set(name, value)
		}
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.Success {
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
	}
}

// CSRF rejects unsafe requests whose X-CSRF-Token header does not match the
// __Host-csrf cookie.
func (g *Guard) CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if csrf.IsSafeMethod(r.Method) || g.csrf.Validate(r) {
			next.ServeHTTP(w, r)
			return
		}

		slog.Debug("CSRF validation failed", "method", r.Method, "path", r.URL.Path)
		g.logSecurityEvent(r, "", EventCSRFRejected, "", false)
		writeError(w, ErrCSRFInvalid)
	})
}

// RequireSession validates the presented session against the client and
// loads its user into the request context.
func (g *Guard) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, sess, err := g.authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		ctx = context.WithValue(ctx, sessionContextKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Protect chains rate limiting, CSRF validation and, when requireSession is
// set, session validation in that order.
func (g *Guard) Protect(scope ratelimit.Scope, requireSession bool) func(http.Handler) http.Handler {
	limit := g.RateLimit(scope)
	return func(next http.Handler) http.Handler {
		if requireSession {
			next = g.RequireSession(next)
		}
		return limit(g.CSRF(next))
	}
}

// authenticate resolves the session and active user behind r.
func (g *Guard) authenticate(r *http.Request) (*User, *Session, error) {
	ctx := r.Context()
	token := extractTokenFromRequest(r)

	res, err := g.sessions.Validate(ctx, token, g.clientIP(r), r.UserAgent())
	if err != nil {
		slog.Error("Session validation failed", "error", err)
		return nil, nil, err
	}
	if err := sessionError(res.State); err != nil {
		if token != "" {
			g.logSecurityEvent(r, "", EventSessionRejected, res.State.String(), false)
		}
		return nil, nil, err
	}

	user, err := g.storage.GetUserByID(ctx, res.Session.UserID)
	if err != nil {
		slog.Error("Failed to get user", "error", err)
		return nil, nil, err
	}
	if user == nil || !user.IsActive {
		slog.Debug("Session user missing or inactive", "user_id", res.Session.UserID)
		return nil, nil, ErrSessionMissing
	}

	md := res.Session.Metadata
	sess := &Session{
		Token:        token,
		UserID:       user.ID,
		IPAddress:    md.IP,
		UserAgent:    md.UserAgent,
		LastActiveAt: md.LastActive,
		ExpiresAt:    res.Session.ExpiresAt,
	}
	return user, sess, nil
}

// GetUserFromContext retrieves the authenticated user from the request context.
func GetUserFromContext(r *http.Request) *User {
	if user, ok := r.Context().Value(userContextKey).(*User); ok {
		return user
	}
	return nil
}

// MustGetUserFromContext retrieves the authenticated user from context and panics if not found.
// This function should only be used when you are certain RequireSession has run.
func MustGetUserFromContext(r *http.Request) *User {
	user := GetUserFromContext(r)
	if user == nil {
		panic("user not found in context - ensure RequireSession is applied")
	}
	return user
}

// GetSessionFromContext retrieves the current session from the request context
func GetSessionFromContext(r *http.Request) *Session {
	if sess, ok := r.Context().Value(sessionContextKey).(*Session); ok {
		return sess
	}
	return nil
}
