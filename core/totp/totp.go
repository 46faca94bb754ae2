// Package totp manages the lifecycle of a user's TOTP second factor: a
// pending secret is generated, confirmed by a first valid code, checked on
// every login and finally disabled.
package totp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	otptotp "github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
)

var (
	// ErrUserNotFound is returned when the store has no record for the user.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotSetUp is returned when a code is verified before a secret exists.
	ErrNotSetUp = errors.New("2FA not set up")
	// ErrConfiguration is returned when 2FA is enabled but no secret is stored.
	ErrConfiguration = errors.New("2FA configuration error")
)

const (
	period    = 30
	skew      = 1
	qrSize    = 256
	digits    = otp.DigitsSix
	algorithm = otp.AlgorithmSHA1
)

// State is the persisted two-factor state of one user.
type State struct {
	Secret  string
	Enabled bool
}

// UserStore persists two-factor state. GetTwoFactor returns nil, nil when
// the user does not exist.
type UserStore interface {
	GetTwoFactor(ctx context.Context, userID string) (*State, error)
	SetTwoFactor(ctx context.Context, userID string, state State) error
}

// Enrollment is handed to the user when a secret is generated.
type Enrollment struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
	QRCode string `json:"qr_code"` // PNG data URL
}

// Manager drives the two-factor lifecycle against a UserStore.
type Manager struct {
	store  UserStore
	issuer string
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager issuing secrets under issuer.
func NewManager(store UserStore, issuer string, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		issuer: issuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateSecret creates a new pending secret for userID and persists it
// with Enabled=false, replacing any previous secret.
func (m *Manager) GenerateSecret(ctx context.Context, userID, accountName string) (*Enrollment, error) {
	key, err := otptotp.Generate(otptotp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: accountName,
		Period:      period,
		Digits:      digits,
		Algorithm:   algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}

	if err := m.store.SetTwoFactor(ctx, userID, State{Secret: key.Secret(), Enabled: false}); err != nil {
		return nil, fmt.Errorf("failed to store 2FA secret: %w", err)
	}

	return &Enrollment{
		Secret: key.Secret(),
		URI:    key.URL(),
		QRCode: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

// VerifyAndEnable checks code against the pending secret and enables 2FA
// when it matches. An invalid code leaves the state untouched.
func (m *Manager) VerifyAndEnable(ctx context.Context, userID, code string) (bool, error) {
	state, err := m.load(ctx, userID)
	if err != nil {
		return false, err
	}
	if state.Secret == "" {
		return false, ErrNotSetUp
	}

	valid, err := m.check(code, state.Secret)
	if err != nil || !valid {
		return false, err
	}

	if !state.Enabled {
		state.Enabled = true
		if err := m.store.SetTwoFactor(ctx, userID, *state); err != nil {
			return false, fmt.Errorf("failed to enable 2FA: %w", err)
		}
	}
	return true, nil
}

// ValidateForLogin checks a login code. Users without 2FA pass.
func (m *Manager) ValidateForLogin(ctx context.Context, userID, code string) (bool, error) {
	state, err := m.load(ctx, userID)
	if err != nil {
		return false, err
	}
	if !state.Enabled {
		return true, nil
	}
	if state.Secret == "" {
		return false, ErrConfiguration
	}
	return m.check(code, state.Secret)
}

// Enabled reports whether userID has completed enrollment.
func (m *Manager) Enabled(ctx context.Context, userID string) (bool, error) {
	state, err := m.load(ctx, userID)
	if err != nil {
		return false, err
	}
	return state.Enabled, nil
}

// Disable clears the secret and turns 2FA off.
func (m *Manager) Disable(ctx context.Context, userID string) error {
	if _, err := m.load(ctx, userID); err != nil {
		return err
	}
	if err := m.store.SetTwoFactor(ctx, userID, State{}); err != nil {
		return fmt.Errorf("failed to disable 2FA: %w", err)
	}
	return nil
}

func (m *Manager) load(ctx context.Context, userID string) (*State, error) {
	state, err := m.store.GetTwoFactor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load 2FA state: %w", err)
	}
	if state == nil {
		return nil, ErrUserNotFound
	}
	return state, nil
}

// check validates code for the current step with one step of skew either
// side. A code of the wrong length is simply invalid; a secret that cannot
// be decoded is an error.
func (m *Manager) check(code, secret string) (bool, error) {
	valid, err := otptotp.ValidateCustom(code, secret, m.now().UTC(), otptotp.ValidateOpts{
		Period:    period,
		Skew:      skew,
		Digits:    digits,
		Algorithm: algorithm,
	})
	if errors.Is(err, otp.ErrValidateInputInvalidLength) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return valid, nil
}
