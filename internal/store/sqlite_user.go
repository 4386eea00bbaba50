package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vulcan-sh/vulcan/internal/model"
)

func (s *SQLiteStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, role, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		u.ID, u.Username, u.Role, u.PasswordHash, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.db.GetContext(ctx, &u, "SELECT id, username, role, password_hash, created_at FROM users WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	err := s.db.GetContext(ctx, &u, "SELECT id, username, role, password_hash, created_at FROM users WHERE username = ?", username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) CreateAPIToken(ctx context.Context, t *model.APIToken) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO api_tokens (id, user_id, token_hash, name, role, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		t.ID, t.UserID, t.TokenHash, nullIfEmpty(t.Name), t.Role, t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert api token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAPITokenByHash(ctx context.Context, hash string) (*model.APIToken, error) {
	var t model.APIToken
	err := s.db.GetContext(ctx, &t,
		"SELECT id, user_id, token_hash, name, role, created_at, last_used_at, revoked_at FROM api_tokens WHERE token_hash = ?", hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api token: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) TouchAPITokenUse(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE api_tokens SET last_used_at = ? WHERE id = ?", time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch api token use: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *SQLiteStore) RevokeAPIToken(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE api_tokens SET revoked_at = ? WHERE id = ?", time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("revoke api token: %w", err)
	}
	return checkRowsAffected(result)
}
