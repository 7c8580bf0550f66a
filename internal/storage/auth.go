package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opensupply/OpenSupplyCore/internal/types"
)

// User models
type User struct {
	ID                  uuid.UUID  `json:"id"`
	Username            string     `json:"username"`
	PasswordHash        string     `json:"-"` // Never expose in JSON
	Role                string     `json:"role"`
	CreatedAt           time.Time  `json:"created_at"`
	LastLoginAt         *time.Time `json:"last_login_at"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
}

type MachineToken struct {
	ID          uuid.UUID  `json:"id"`
	TokenHash   string     `json:"-"` // Never expose
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at"`
}

// GetUserByUsername retrieves a user by username
func (p *PostgresClient) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := p.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, role, created_at, last_login_at,
		       failed_login_attempts, locked_until
		FROM users
		WHERE username = $1
	`, username).Scan(
		&user.ID, &user.Username, &user.PasswordHash, &user.Role,
		&user.CreatedAt, &user.LastLoginAt, &user.FailedLoginAttempts, &user.LockedUntil,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: user %q", types.ErrNotFound, username)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// CreateUser creates a new user
func (p *PostgresClient) CreateUser(ctx context.Context, username, passwordHash, role string) (*User, error) {
	var user User
	err := p.pool.QueryRow(ctx, `
		INSERT INTO users (username, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING id, username, role, created_at, last_login_at, failed_login_attempts, locked_until
	`, username, passwordHash, role).Scan(
		&user.ID, &user.Username, &user.Role, &user.CreatedAt,
		&user.LastLoginAt, &user.FailedLoginAttempts, &user.LockedUntil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &user, nil
}

// UpdateLastLogin updates the last login timestamp
func (p *PostgresClient) UpdateLastLogin(ctx context.Context, userID uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE users SET last_login_at = NOW() WHERE id = $1
	`, userID)
	return err
}

// IncrementFailedLoginAttempts increments failed login counter
func (p *PostgresClient) IncrementFailedLoginAttempts(ctx context.Context, userID uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
		    locked_until = CASE
		        WHEN failed_login_attempts + 1 >= 5 THEN NOW() + INTERVAL '15 minutes'
		        ELSE locked_until
		    END
		WHERE id = $1
	`, userID)
	return err
}

// ResetFailedLoginAttempts resets failed login counter
func (p *PostgresClient) ResetFailedLoginAttempts(ctx context.Context, userID uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL
		WHERE id = $1
	`, userID)
	return err
}

// Machine Token Methods
func (p *PostgresClient) CreateMachineToken(ctx context.Context, tokenHash, name string, permissions []string) (*MachineToken, error) {
	var token MachineToken
	err := p.pool.QueryRow(ctx, `
		INSERT INTO machine_tokens (token_hash, name, permissions)
		VALUES ($1, $2, $3)
		RETURNING id, token_hash, name, permissions, created_at, last_used_at
	`, tokenHash, name, permissions).Scan(
		&token.ID, &token.TokenHash, &token.Name, &token.Permissions,
		&token.CreatedAt, &token.LastUsedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create machine token: %w", err)
	}
	return &token, nil
}

func (p *PostgresClient) GetMachineTokenByHash(ctx context.Context, tokenHash string) (*MachineToken, error) {
	var token MachineToken
	err := p.pool.QueryRow(ctx, `
		SELECT id, token_hash, name, permissions, created_at, last_used_at
		FROM machine_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(
		&token.ID, &token.TokenHash, &token.Name, &token.Permissions,
		&token.CreatedAt, &token.LastUsedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: machine token", types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get machine token: %w", err)
	}
	return &token, nil
}

func (p *PostgresClient) UpdateMachineTokenLastUsed(ctx context.Context, tokenID uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE machine_tokens SET last_used_at = NOW() WHERE id = $1
	`, tokenID)
	return err
}

func (p *PostgresClient) ListMachineTokens(ctx context.Context) ([]*MachineToken, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, permissions, created_at, last_used_at
		FROM machine_tokens
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list machine tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*MachineToken
	for rows.Next() {
		var token MachineToken
		err := rows.Scan(
			&token.ID, &token.Name, &token.Permissions, &token.CreatedAt,
			&token.LastUsedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan machine token: %w", err)
		}
		tokens = append(tokens, &token)
	}
	return tokens, rows.Err()
}

func (p *PostgresClient) DeleteMachineToken(ctx context.Context, tokenID uuid.UUID) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM machine_tokens WHERE id = $1`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to delete machine token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: machine token %s", types.ErrNotFound, tokenID)
	}
	return nil
}

// Refresh Token Methods
func (p *PostgresClient) StoreRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
	`, userID, tokenHash, expiresAt)
	return err
}

func (p *PostgresClient) GetRefreshToken(ctx context.Context, tokenHash string) (*uuid.UUID, error) {
	var userID uuid.UUID
	var expiresAt time.Time
	var revokedAt *time.Time

	err := p.pool.QueryRow(ctx, `
		SELECT user_id, expires_at, revoked_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&userID, &expiresAt, &revokedAt)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: refresh token", types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if revokedAt != nil {
		return nil, fmt.Errorf("refresh token revoked")
	}

	if time.Now().After(expiresAt) {
		return nil, fmt.Errorf("refresh token expired")
	}

	return &userID, nil
}

func (p *PostgresClient) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = NOW() WHERE token_hash = $1
	`, tokenHash)
	return err
}

func (p *PostgresClient) RevokeAllUserRefreshTokens(ctx context.Context, userID uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = NOW()
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID)
	return err
}

func (p *PostgresClient) GetUserByID(ctx context.Context, userID uuid.UUID) (*User, error) {
	var user User
	err := p.pool.QueryRow(ctx, `
		SELECT id, username, role, created_at, last_login_at, failed_login_attempts, locked_until
		FROM users WHERE id = $1
	`, userID).Scan(
		&user.ID, &user.Username, &user.Role, &user.CreatedAt,
		&user.LastLoginAt, &user.FailedLoginAttempts, &user.LockedUntil,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: user %s", types.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (p *PostgresClient) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, username, role, created_at, last_login_at, failed_login_attempts, locked_until
		FROM users ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var user User
		err := rows.Scan(
			&user.ID, &user.Username, &user.Role, &user.CreatedAt,
			&user.LastLoginAt, &user.FailedLoginAttempts, &user.LockedUntil,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, &user)
	}
	return users, rows.Err()
}

func (p *PostgresClient) UpdateUserPassword(ctx context.Context, userID uuid.UUID, passwordHash string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE users SET password_hash = $1 WHERE id = $2
	`, passwordHash, userID)
	return err
}

func (p *PostgresClient) UpdateUserRole(ctx context.Context, userID uuid.UUID, role string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE users SET role = $1 WHERE id = $2
	`, role, userID)
	return err
}

func (p *PostgresClient) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", types.ErrNotFound, userID)
	}
	return nil
}

// CountUsers reports how many users exist; the lifecycle seeds an
// admin account on first start when the table is empty.
func (p *PostgresClient) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}
