package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/atmcore/atm/internal/domain"
)

// ─── User Operations ────────────────────────────────────────────────────────

// CreateUser inserts a new user.
func (db *DB) CreateUser(ctx context.Context, u domain.User) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, phone, pin_hash, password_hash, failed_attempts, locked_until, created_at, last_login)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Name, u.Email, u.Phone, u.PINHash, u.PasswordHash, u.FailedAttempts,
		nullTime(u.LockedUntil), u.CreatedAt.UnixNano(), nullTime(u.LastLogin))
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser returns the user or domain.ErrUserNotFound.
func (db *DB) GetUser(ctx context.Context, id string) (domain.User, error) {
	var (
		u           domain.User
		createdAt   int64
		lockedUntil sql.NullInt64
		lastLogin   sql.NullInt64
	)
	err := db.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, pin_hash, password_hash, failed_attempts, locked_until, created_at, last_login
		FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.PINHash, &u.PasswordHash, &u.FailedAttempts,
		&lockedUntil, &createdAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	u.CreatedAt = fromNanos(createdAt)
	u.LockedUntil = fromNullNanos(lockedUntil)
	u.LastLogin = fromNullNanos(lastLogin)
	return u, nil
}

// UpdateAuthState persists the failed-attempt counter, lockout and last login.
func (db *DB) UpdateAuthState(ctx context.Context, u domain.User) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE users SET failed_attempts = ?, locked_until = ?, last_login = ?
		WHERE id = ?
	`, u.FailedAttempts, nullTime(u.LockedUntil), nullTime(u.LastLogin), u.ID)
	if err != nil {
		return fmt.Errorf("update auth state %s: %w", u.ID, err)
	}
	return expectRow(res, domain.ErrUserNotFound)
}

// UpdateCredentials replaces the stored credential hashes.
func (db *DB) UpdateCredentials(ctx context.Context, userID, pinHash, passwordHash string) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE users SET pin_hash = ?, password_hash = ? WHERE id = ?
	`, pinHash, passwordHash, userID)
	if err != nil {
		return fmt.Errorf("update credentials %s: %w", userID, err)
	}
	return expectRow(res, domain.ErrUserNotFound)
}

// UpdateProfile replaces the user's name and contact details.
func (db *DB) UpdateProfile(ctx context.Context, u domain.User) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE users SET name = ?, email = ?, phone = ? WHERE id = ?
	`, u.Name, u.Email, u.Phone, u.ID)
	if err != nil {
		return fmt.Errorf("update profile %s: %w", u.ID, err)
	}
	return expectRow(res, domain.ErrUserNotFound)
}

// DeleteUser removes a user that owns no accounts.
func (db *DB) DeleteUser(ctx context.Context, id string) error {
	res, err := db.db.ExecContext(ctx, `
		DELETE FROM users
		WHERE id = ? AND NOT EXISTS (SELECT 1 FROM accounts WHERE owner_id = ?)
	`, id, id)
	if err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := db.GetUser(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("delete user %s: user still owns accounts", id)
	}
	return nil
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
