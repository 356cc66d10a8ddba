package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/reward-ledger/generic"
)

// =============================================================================
// USERS
// =============================================================================

type User struct {
	ID          generic.UserID
	DisplayName string
	CreatedAt   time.Time
}

// SaveUser creates a user, or renames an existing one.
func (s *Store) SaveUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return &generic.ValidationError{Field: "id", Message: "is required"}
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name
	`, u.ID, u.DisplayName, FormatTime(createdAt))
	if err != nil {
		return fmt.Errorf("failed to save user: %w", mapError(err))
	}
	return nil
}

// ProvisionWallet creates the user (if needed) and an empty wallet in one
// transaction. Provisioning an existing wallet is a no-op.
func (s *Store) ProvisionWallet(ctx context.Context, u User, now time.Time) (*generic.Wallet, error) {
	if u.ID == "" {
		return nil, &generic.ValidationError{Field: "id", Message: "is required"}
	}
	var wallet generic.Wallet
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, display_name, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, u.ID, u.DisplayName, FormatTime(now))
		if err != nil {
			return fmt.Errorf("failed to create user: %w", mapError(err))
		}
		wallet, err = lockWallet(ctx, tx, u.ID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (s *Store) GetUser(ctx context.Context, id generic.UserID) (*User, error) {
	var (
		u         User
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, display_name, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.DisplayName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "user", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	u.CreatedAt = ParseTime(createdAt)
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, display_name, created_at FROM users ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var (
			u         User
			createdAt string
		)
		if err := rows.Scan(&u.ID, &u.DisplayName, &createdAt); err != nil {
			return nil, err
		}
		u.CreatedAt = ParseTime(createdAt)
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserExists implements generic.UserDirectory.
func (s *Store) UserExists(ctx context.Context, id generic.UserID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return n > 0, nil
}
