package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vulcan-sh/vulcan/internal/model"
)

func (s *SQLiteStore) CreateTemplate(ctx context.Context, t *model.Template) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, vcpus, mem_mib, kernel_path, rootfs_path, tags, created_by_user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.VCPUs, t.MemMiB, t.KernelPath, t.RootfsPath, t.Tags, t.CreatedByUserID, t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*model.Template, error) {
	var t model.Template
	err := s.db.GetContext(ctx, &t, "SELECT * FROM templates WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]*model.Template, error) {
	var out []*model.Template
	if err := s.db.SelectContext(ctx, &out, "SELECT * FROM templates ORDER BY created_at DESC"); err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteTemplate(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM templates WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return nil
}
