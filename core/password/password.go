// Package password hashes credentials with scrypt and checks password strength.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
	"unicode/utf8"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters. Changing them invalidates every stored hash.
const (
	saltBytes = 16
	keyBytes  = 64

	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// Record is a stored credential: a 128-char hex hash and the 32-char hex salt
// that produced it.
type Record struct {
	Hash string `json:"-"`
	Salt string `json:"-"`
}

// Hash derives a new record for password with a fresh random salt.
func Hash(password string) (Record, error) {
	b := make([]byte, saltBytes)
	if _, err := rand.Read(b); err != nil {
		return Record{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	salt := hex.EncodeToString(b)

	key, err := derive(password, salt)
	if err != nil {
		return Record{}, err
	}
	return Record{Hash: hex.EncodeToString(key), Salt: salt}, nil
}

// Verify reports whether password matches hash under salt. Malformed input
// is a mismatch, never an error.
func Verify(password, hash, salt string) bool {
	expected, err := hex.DecodeString(hash)
	if err != nil || len(expected) != keyBytes {
		return false
	}
	if salt == "" {
		return false
	}

	key, err := derive(password, salt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(key, expected) == 1
}

// derive keys scrypt with the hex salt text itself, so records are portable
// across any implementation that stores salts the same way.
func derive(password, salt string) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), []byte(salt), scryptN, scryptR, scryptP, keyBytes)
	if err != nil {
		return nil, fmt.Errorf("scrypt: %w", err)
	}
	return key, nil
}

var (
	upperRe   = regexp.MustCompile(`[A-Z]`)
	lowerRe   = regexp.MustCompile(`[a-z]`)
	digitRe   = regexp.MustCompile(`[0-9]`)
	specialRe = regexp.MustCompile(`[!@#$%^&*(),.?":{}|<>]`)
)

// Policy describes the strength rules a new password must satisfy.
type Policy struct {
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
}

// DefaultPolicy requires 12 characters and every character class.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:      12,
		RequireUpper:   true,
		RequireLower:   true,
		RequireDigit:   true,
		RequireSpecial: true,
	}
}

// Report lists every rule a password breaks.
type Report struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors,omitempty"`
}

// Validate checks password against every rule and accumulates violations.
func (p Policy) Validate(password string) Report {
	var errs []string

	if utf8.RuneCountInString(password) < p.MinLength {
		errs = append(errs, fmt.Sprintf("Password must be at least %d characters long", p.MinLength))
	}
	if p.RequireUpper && !upperRe.MatchString(password) {
		errs = append(errs, "Password must contain at least one uppercase letter")
	}
	if p.RequireLower && !lowerRe.MatchString(password) {
		errs = append(errs, "Password must contain at least one lowercase letter")
	}
	if p.RequireDigit && !digitRe.MatchString(password) {
		errs = append(errs, "Password must contain at least one number")
	}
	if p.RequireSpecial && !specialRe.MatchString(password) {
		errs = append(errs, "Password must contain at least one special character")
	}

	return Report{IsValid: len(errs) == 0, Errors: errs}
}

// ValidatePolicy checks password against DefaultPolicy.
func ValidatePolicy(password string) Report {
	return DefaultPolicy().Validate(password)
}
