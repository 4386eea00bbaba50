package store

import (
	"context"
	"fmt"

	"github.com/vulcan-sh/vulcan/internal/model"
)

// RecordAudit writes to the isolated audit schema. Failures here are
// logged by the caller but never block the request they describe.
func (s *SQLiteStore) RecordAudit(ctx context.Context, a *model.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			user_id, username, action, resource_type, resource_id,
			detail, ip, success, error_message, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, nullIfEmpty(a.Username), a.Action, a.ResourceType, nullIfEmpty(a.ResourceID),
		nullIfEmpty(a.Detail), nullIfEmpty(a.IP), a.Success, nullIfEmpty(a.ErrorMessage), a.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, limit, offset int) ([]*model.AuditLog, error) {
	var out []*model.AuditLog
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, user_id, username, action, resource_type, resource_id,
		       detail, ip, success, error_message, recorded_at
		FROM audit_log ORDER BY recorded_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return out, nil
}
