// Package session validates presented session tokens against the client
// they were issued to and applies sliding inactivity expiry.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const defaultInactivity = 24 * time.Hour

// State is the outcome of validating a session.
type State int

const (
	StateNoSession State = iota
	StateValid
	StateIPMismatch
	StateUAMismatch
	StateExpired
	StateMissingMetadata
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateValid:
		return "valid"
	case StateIPMismatch:
		return "ip_mismatch"
	case StateUAMismatch:
		return "ua_mismatch"
	case StateExpired:
		return "expired"
	case StateMissingMetadata:
		return "missing_metadata"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StatusCode maps the state to the HTTP status the request should receive.
func (s State) StatusCode() int {
	switch s {
	case StateValid:
		return http.StatusOK
	case StateIPMismatch, StateUAMismatch:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

// Metadata binds a session to the client that created it.
type Metadata struct {
	IP         string    `json:"ip"`
	UserAgent  string    `json:"user_agent"`
	LastActive time.Time `json:"last_active"`
}

// NewMetadata captures the binding for a new session.
func NewMetadata(ip, userAgent string, now time.Time) Metadata {
	return Metadata{IP: ip, UserAgent: userAgent, LastActive: now}
}

// Record is the stored view of a session the validator needs.
type Record struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	Metadata  *Metadata
}

// Store persists sessions. GetSession returns nil, nil for unknown tokens and
// DeleteSession treats unknown tokens as already deleted.
type Store interface {
	GetSession(ctx context.Context, token string) (*Record, error)
	TouchSession(ctx context.Context, token string, lastActive time.Time) error
	DeleteSession(ctx context.Context, token string) error
}

// Result carries the state and, when valid, the refreshed record.
type Result struct {
	State   State
	Session *Record
}

// Validator checks sessions against a Store.
type Validator struct {
	store      Store
	inactivity time.Duration
	now        func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithInactivity sets the idle ceiling after which a session expires.
func WithInactivity(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.inactivity = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates a Validator with a 24h inactivity ceiling unless overridden.
func NewValidator(store Store, opts ...Option) *Validator {
	v := &Validator{
		store:      store,
		inactivity: defaultInactivity,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Inactivity returns the configured idle ceiling.
func (v *Validator) Inactivity() time.Duration {
	return v.inactivity
}

// Validate checks token against the request's ip and userAgent. Bindings are
// compared exactly. A valid session has its last-active time refreshed; a
// failure to persist the refresh is logged and does not fail the request.
// Store read errors are returned and the caller must deny the request.
func (v *Validator) Validate(ctx context.Context, token, ip, userAgent string) (Result, error) {
	if token == "" {
		return Result{State: StateNoSession}, nil
	}

	rec, err := v.store.GetSession(ctx, token)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load session: %w", err)
	}
	if rec == nil {
		return Result{State: StateNoSession}, nil
	}
	if rec.Metadata == nil {
		return Result{State: StateMissingMetadata}, nil
	}

	if rec.Metadata.IP != ip {
		slog.Warn("Session IP mismatch",
			"user_id", rec.UserID,
			"session_ip", rec.Metadata.IP,
			"request_ip", ip)
		return Result{State: StateIPMismatch}, nil
	}
	if rec.Metadata.UserAgent != userAgent {
		slog.Warn("Session user agent mismatch",
			"user_id", rec.UserID,
			"request_ip", ip)
		return Result{State: StateUAMismatch}, nil
	}

	now := v.now()
	if now.Sub(rec.Metadata.LastActive) > v.inactivity || (!rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt)) {
		if err := v.store.DeleteSession(ctx, token); err != nil {
			slog.Error("Failed to delete expired session", "user_id", rec.UserID, "error", err)
		}
		return Result{State: StateExpired}, nil
	}

	if err := v.store.TouchSession(ctx, token, now); err != nil {
		slog.Error("Failed to update session activity", "user_id", rec.UserID, "error", err)
	} else {
		rec.Metadata.LastActive = now
	}

	return Result{State: StateValid, Session: rec}, nil
}

// Revoke deletes the session. Revoking an unknown token is not an error.
func (v *Validator) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := v.store.DeleteSession(ctx, token); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}
