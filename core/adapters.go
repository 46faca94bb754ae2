package core

import (
	"context"
	"time"

	"github.com/wispberry-tech/wispy-guard/core/session"
	"github.com/wispberry-tech/wispy-guard/core/totp"
)

// sessionStore exposes a SessionRepository to the session validator.
type sessionStore struct {
	repo SessionRepository
}

func (s sessionStore) GetSession(ctx context.Context, token string) (*session.Record, error) {
	sess, err := s.repo.GetSession(ctx, token)
	if err != nil || sess == nil {
		return nil, err
	}

	rec := &session.Record{
		Token:     sess.Token,
		UserID:    sess.UserID,
		ExpiresAt: sess.ExpiresAt,
	}
	if !sess.LastActiveAt.IsZero() {
		md := session.Metadata{
			IP:         sess.IPAddress,
			UserAgent:  sess.UserAgent,
			LastActive: sess.LastActiveAt,
		}
		rec.Metadata = &md
	}
	return rec, nil
}

func (s sessionStore) TouchSession(ctx context.Context, token string, lastActive time.Time) error {
	return s.repo.TouchSession(ctx, token, lastActive)
}

func (s sessionStore) DeleteSession(ctx context.Context, token string) error {
	return s.repo.DeleteSession(ctx, token)
}

// twoFactorStore exposes the two-factor columns of a UserRepository to the
// TOTP manager.
type twoFactorStore struct {
	repo UserRepository
}

func (s twoFactorStore) GetTwoFactor(ctx context.Context, userID string) (*totp.State, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil || user == nil {
		return nil, err
	}
	return &totp.State{Secret: user.TwoFactorSecret, Enabled: user.TwoFactorEnabled}, nil
}

func (s twoFactorStore) SetTwoFactor(ctx context.Context, userID string, state totp.State) error {
	return s.repo.UpdateTwoFactor(ctx, userID, state.Secret, state.Enabled)
}
