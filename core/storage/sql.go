// Package storage provides database/sql backed implementations of
// core.Storage for SQLite and PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wispberry-tech/wispy-guard/core"
)

// dialect captures the differences between the supported databases.
type dialect struct {
	name        string
	dollarBinds bool // $1, $2 placeholders instead of ?
	unixMillis  bool // times stored as INTEGER milliseconds
}

var (
	sqliteDialect   = dialect{name: core.DatabaseSQLite, unixMillis: true}
	postgresDialect = dialect{name: core.DatabasePostgres, dollarBinds: true}
)

// rebind rewrites ? placeholders for the dialect.
func (d dialect) rebind(query string) string {
	if !d.dollarBinds {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) time(t time.Time) any {
	if d.unixMillis {
		return t.UnixMilli()
	}
	return t.UTC()
}

// nullTime stores the zero time as NULL.
func (d dialect) nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return d.time(t)
}

// timeScanner reads either representation back into a UTC time.
type timeScanner struct {
	t *time.Time
}

func (s timeScanner) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*s.t = time.Time{}
	case int64:
		*s.t = time.UnixMilli(x).UTC()
	case time.Time:
		*s.t = x.UTC()
	default:
		return fmt.Errorf("unsupported time value %T", v)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// sqlStore implements core.Storage over database/sql.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(query), args...)
}

// DB returns the underlying connection pool.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// User operations

const userColumns = `u.id, u.email, u.name, u.password_hash, u.password_salt,
	u.email_verified, u.is_active, u.two_factor_secret, u.two_factor_enabled,
	u.created_at, u.updated_at`

func scanUser(row rowScanner) (*core.User, error) {
	user := &core.User{}
	err := row.Scan(
		&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.PasswordSalt,
		&user.EmailVerified, &user.IsActive, &user.TwoFactorSecret, &user.TwoFactorEnabled,
		timeScanner{&user.CreatedAt}, timeScanner{&user.UpdatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *sqlStore) CreateUser(ctx context.Context, user *core.User) error {
	query := `INSERT INTO users (id, email, name, password_hash, password_salt,
			  email_verified, is_active, two_factor_secret, two_factor_enabled,
			  created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.exec(ctx, query,
		user.ID, user.Email, user.Name, user.PasswordHash, user.PasswordSalt,
		user.EmailVerified, user.IsActive, user.TwoFactorSecret, user.TwoFactorEnabled,
		s.d.time(user.CreatedAt), s.d.time(user.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *sqlStore) GetUserByID(ctx context.Context, id string) (*core.User, error) {
	user, err := scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}
	return user, nil
}

func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	user, err := scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users u WHERE u.email = ?`, email))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return user, nil
}

func (s *sqlStore) UpdateUser(ctx context.Context, user *core.User) error {
	query := `UPDATE users SET email = ?, name = ?, email_verified = ?, is_active = ?, updated_at = ?
			  WHERE id = ?`

	res, err := s.exec(ctx, query,
		user.Email, user.Name, user.EmailVerified, user.IsActive, s.d.time(user.UpdatedAt), user.ID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireRow(res)
}

func (s *sqlStore) UpdatePassword(ctx context.Context, userID, hash, salt string) error {
	res, err := s.exec(ctx,
		`UPDATE users SET password_hash = ?, password_salt = ?, updated_at = ? WHERE id = ?`,
		hash, salt, s.d.time(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return requireRow(res)
}

func (s *sqlStore) UpdateTwoFactor(ctx context.Context, userID, secret string, enabled bool) error {
	res, err := s.exec(ctx,
		`UPDATE users SET two_factor_secret = ?, two_factor_enabled = ?, updated_at = ? WHERE id = ?`,
		secret, enabled, s.d.time(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("failed to update two-factor state: %w", err)
	}
	return requireRow(res)
}

// requireRow turns an update that matched nothing into core.ErrUserNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return core.ErrUserNotFound
	}
	return nil
}

// Account operations

func (s *sqlStore) LinkAccount(ctx context.Context, account *core.Account) error {
	_, err := s.exec(ctx,
		`INSERT INTO accounts (user_id, provider, provider_id, created_at) VALUES (?, ?, ?, ?)`,
		account.UserID, account.Provider, account.ProviderID, s.d.time(account.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to link account: %w", err)
	}
	return nil
}

func (s *sqlStore) GetUserByAccount(ctx context.Context, provider, providerID string) (*core.User, error) {
	query := `SELECT ` + userColumns + ` FROM users u
			  JOIN accounts a ON a.user_id = u.id
			  WHERE a.provider = ? AND a.provider_id = ?`

	user, err := scanUser(s.queryRow(ctx, query, provider, providerID))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by account: %w", err)
	}
	return user, nil
}

// Session operations

const sessionColumns = `id, token, user_id, ip_address, user_agent, last_active_at, expires_at, created_at`

func scanSession(row rowScanner) (*core.Session, error) {
	sess := &core.Session{}
	err := row.Scan(
		&sess.ID, &sess.Token, &sess.UserID, &sess.IPAddress, &sess.UserAgent,
		timeScanner{&sess.LastActiveAt}, timeScanner{&sess.ExpiresAt}, timeScanner{&sess.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *sqlStore) CreateSession(ctx context.Context, session *core.Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.exec(ctx, query,
		session.ID, session.Token, session.UserID, session.IPAddress, session.UserAgent,
		s.d.nullTime(session.LastActiveAt), s.d.time(session.ExpiresAt), s.d.time(session.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, token string) (*core.Session, error) {
	sess, err := scanSession(s.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token = ?`, token))
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *sqlStore) GetUserSessions(ctx context.Context, userID string) ([]*core.Session, error) {
	rows, err := s.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY last_active_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*core.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *sqlStore) TouchSession(ctx context.Context, token string, lastActive time.Time) error {
	if _, err := s.exec(ctx, `UPDATE sessions SET last_active_at = ? WHERE token = ?`,
		s.d.time(lastActive), token); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteSession(ctx context.Context, token string) error {
	if _, err := s.exec(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteUserSessions(ctx context.Context, userID, keepToken string) error {
	if _, err := s.exec(ctx, `DELETE FROM sessions WHERE user_id = ? AND token <> ?`, userID, keepToken); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, s.d.time(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// Reset token operations

func (s *sqlStore) CreateResetToken(ctx context.Context, token *core.ResetToken) error {
	_, err := s.exec(ctx,
		`INSERT INTO reset_tokens (id, user_id, token_hash, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		token.ID, token.UserID, token.TokenHash, s.d.time(token.ExpiresAt), s.d.time(token.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create reset token: %w", err)
	}
	return nil
}

func (s *sqlStore) ConsumeResetToken(ctx context.Context, tokenHash string, now time.Time) (*core.ResetToken, error) {
	token := &core.ResetToken{}
	err := s.queryRow(ctx,
		`DELETE FROM reset_tokens WHERE token_hash = ?
		 RETURNING id, user_id, token_hash, expires_at, created_at`, tokenHash).Scan(
		&token.ID, &token.UserID, &token.TokenHash,
		timeScanner{&token.ExpiresAt}, timeScanner{&token.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume reset token: %w", err)
	}
	if !now.Before(token.ExpiresAt) {
		return nil, nil
	}
	return token, nil
}

// Verification token operations

func (s *sqlStore) CreateVerificationToken(ctx context.Context, token *core.VerificationToken) error {
	_, err := s.exec(ctx,
		`INSERT INTO verification_tokens (id, user_id, email, token_hash, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		token.ID, token.UserID, token.Email, token.TokenHash,
		s.d.time(token.ExpiresAt), s.d.time(token.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create verification token: %w", err)
	}
	return nil
}

func (s *sqlStore) ConsumeVerificationToken(ctx context.Context, tokenHash string, now time.Time) (*core.VerificationToken, error) {
	token := &core.VerificationToken{}
	err := s.queryRow(ctx,
		`DELETE FROM verification_tokens WHERE token_hash = ?
		 RETURNING id, user_id, email, token_hash, expires_at, created_at`, tokenHash).Scan(
		&token.ID, &token.UserID, &token.Email, &token.TokenHash,
		timeScanner{&token.ExpiresAt}, timeScanner{&token.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume verification token: %w", err)
	}
	if !now.Before(token.ExpiresAt) {
		return nil, nil
	}
	return token, nil
}

func (s *sqlStore) DeleteUserVerificationTokens(ctx context.Context, userID string) error {
	if _, err := s.exec(ctx, `DELETE FROM verification_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete verification tokens: %w", err)
	}
	return nil
}

// Security event operations

func (s *sqlStore) CreateSecurityEvent(ctx context.Context, event *core.SecurityEvent) error {
	query := `INSERT INTO security_events (id, user_id, action, resource, ip_address,
			  user_agent, success, details, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.exec(ctx, query,
		event.ID, event.UserID, event.Action, event.Resource, event.IPAddress,
		event.UserAgent, event.Success, event.Details, s.d.time(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}
	return nil
}

// GetSecurityEvents returns the newest events first. An empty userID
// returns events for all users.
func (s *sqlStore) GetSecurityEvents(ctx context.Context, userID string, limit, offset int) ([]*core.SecurityEvent, error) {
	query := `SELECT id, user_id, action, resource, ip_address, user_agent, success, details, created_at
			  FROM security_events`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get security events: %w", err)
	}
	defer rows.Close()

	var events []*core.SecurityEvent
	for rows.Next() {
		event := &core.SecurityEvent{}
		if err := rows.Scan(
			&event.ID, &event.UserID, &event.Action, &event.Resource, &event.IPAddress,
			&event.UserAgent, &event.Success, &event.Details, timeScanner{&event.CreatedAt}); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
