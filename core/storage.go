package core

import (
	"context"
	"time"
)

// User represents core user identity and credential information.
type User struct {
	ID    string `json:"id"` // UUID
	Email string `json:"email"`
	Name  string `json:"name"`

	PasswordHash string `json:"-"` // empty for OAuth-only accounts
	PasswordSalt string `json:"-"`

	EmailVerified bool `json:"email_verified"`
	IsActive      bool `json:"is_active"`

	TwoFactorSecret  string `json:"-"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasPassword reports whether the user can sign in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != "" && u.PasswordSalt != ""
}

// Account links a user to an OAuth provider identity.
type Account struct {
	UserID     string    `json:"user_id"`
	Provider   string    `json:"provider"`
	ProviderID string    `json:"provider_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Session is a bound login session. A zero LastActiveAt means the binding
// metadata was never recorded.
type Session struct {
	ID     string `json:"id"`
	Token  string `json:"-"`
	UserID string `json:"user_id"`

	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	LastActiveAt time.Time `json:"last_active_at"`

	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// ResetToken is a pending password reset. Only the SHA-256 of the token
// handed to the user is stored.
type ResetToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// VerificationToken is a pending email verification for the address the
// user had when it was issued. Only the SHA-256 of the token is stored.
type VerificationToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// SecurityEvent represents security-related events for audit logging
type SecurityEvent struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id,omitempty"`
	Action   string `json:"action"`
	Resource string `json:"resource"`

	// Request Context
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`

	Success bool   `json:"success"`
	Details string `json:"details,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// UserRepository persists users and their linked accounts. Lookups return
// nil, nil when nothing matches.
type UserRepository interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
	UpdatePassword(ctx context.Context, userID, hash, salt string) error
	UpdateTwoFactor(ctx context.Context, userID, secret string, enabled bool) error

	LinkAccount(ctx context.Context, account *Account) error
	GetUserByAccount(ctx context.Context, provider, providerID string) (*User, error)
}

// SessionRepository persists sessions. GetSession returns nil, nil for an
// unknown token and deletes of unknown tokens are not errors.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, token string) (*Session, error)
	GetUserSessions(ctx context.Context, userID string) ([]*Session, error)
	TouchSession(ctx context.Context, token string, lastActive time.Time) error
	DeleteSession(ctx context.Context, token string) error
	// DeleteUserSessions removes every session of userID except keepToken.
	DeleteUserSessions(ctx context.Context, userID, keepToken string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// ResetTokenRepository persists password reset tokens.
type ResetTokenRepository interface {
	CreateResetToken(ctx context.Context, token *ResetToken) error
	// ConsumeResetToken deletes and returns the token if it exists and has
	// not expired at now. It returns nil, nil otherwise.
	ConsumeResetToken(ctx context.Context, tokenHash string, now time.Time) (*ResetToken, error)
}

// VerificationTokenRepository persists email verification tokens.
type VerificationTokenRepository interface {
	CreateVerificationToken(ctx context.Context, token *VerificationToken) error
	// ConsumeVerificationToken deletes and returns the token if it exists and
	// has not expired at now. It returns nil, nil otherwise.
	ConsumeVerificationToken(ctx context.Context, tokenHash string, now time.Time) (*VerificationToken, error)
	DeleteUserVerificationTokens(ctx context.Context, userID string) error
}

// AuditRepository persists security events.
type AuditRepository interface {
	CreateSecurityEvent(ctx context.Context, event *SecurityEvent) error
	GetSecurityEvents(ctx context.Context, userID string, limit, offset int) ([]*SecurityEvent, error)
}

// Storage defines the contract for the relational store backing a Guard.
type Storage interface {
	UserRepository
	SessionRepository
	ResetTokenRepository
	VerificationTokenRepository
	AuditRepository

	Ping(ctx context.Context) error
	Close() error
}
