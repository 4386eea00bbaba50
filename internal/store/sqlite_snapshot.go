package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vulcan-sh/vulcan/internal/model"
)

func (s *SQLiteStore) CreateSnapshot(ctx context.Context, sn *model.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, vm_id, snapshot_path, mem_file_path, size_bytes, state, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sn.ID, sn.VMID, sn.SnapshotPath, sn.MemFilePath, sn.SizeBytes, sn.State, nullIfEmpty(sn.ErrorMessage), sn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	var sn model.Snapshot
	err := s.db.GetContext(ctx, &sn, "SELECT id, vm_id, snapshot_path, mem_file_path, size_bytes, state, error_message, created_at FROM snapshots WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &sn, nil
}

func (s *SQLiteStore) ListSnapshotsByVM(ctx context.Context, vmID string) ([]*model.Snapshot, error) {
	var out []*model.Snapshot
	if err := s.db.SelectContext(ctx, &out, "SELECT id, vm_id, snapshot_path, mem_file_path, size_bytes, state, error_message, created_at FROM snapshots WHERE vm_id = ? ORDER BY created_at DESC", vmID); err != nil {
		return nil, fmt.Errorf("list snapshots by vm: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateSnapshotState(ctx context.Context, id, state, errMsg string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE snapshots SET state = ?, error_message = ? WHERE id = ?", state, nullIfEmpty(errMsg), id)
	if err != nil {
		return fmt.Errorf("update snapshot state: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateRuntimeSnapshot(ctx context.Context, rs *model.RuntimeSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_snapshots (
			id, runtime_image, snapshot_path, state, vmm_version,
			success_count, failure_count, compressed_bytes, raw_bytes, last_used_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rs.ID, rs.RuntimeImage, rs.SnapshotPath, rs.State, rs.VMMVersion,
		rs.SuccessCount, rs.FailureCount, rs.CompressedBytes, rs.RawBytes, rs.LastUsedAt, rs.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert runtime snapshot: %w", err)
	}
	return nil
}

// GetReadyRuntimeSnapshot returns the single ready snapshot for a runtime
// image, if one exists (invariant I4 guarantees at most one row).
func (s *SQLiteStore) GetReadyRuntimeSnapshot(ctx context.Context, runtimeImage string) (*model.RuntimeSnapshot, error) {
	var rs model.RuntimeSnapshot
	err := s.db.GetContext(ctx, &rs, `
		SELECT id, runtime_image, snapshot_path, state, vmm_version, success_count,
		       failure_count, compressed_bytes, raw_bytes, last_used_at, created_at
		FROM runtime_snapshots WHERE runtime_image = ? AND state = 'ready'`, runtimeImage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ready runtime snapshot: %w", err)
	}
	return &rs, nil
}

func (s *SQLiteStore) ListRuntimeSnapshots(ctx context.Context, runtimeImage string) ([]*model.RuntimeSnapshot, error) {
	var out []*model.RuntimeSnapshot
	if err := s.db.SelectContext(ctx, &out, `
		SELECT id, runtime_image, snapshot_path, state, vmm_version, success_count,
		       failure_count, compressed_bytes, raw_bytes, last_used_at, created_at
		FROM runtime_snapshots WHERE runtime_image = ? ORDER BY created_at DESC`, runtimeImage); err != nil {
		return nil, fmt.Errorf("list runtime snapshots: %w", err)
	}
	return out, nil
}

// PromoteRuntimeSnapshot demotes any existing ready snapshot for the image
// to unhealthy and promotes newID to ready, inside one transaction, so a
// reader never observes zero or two ready rows (invariant I4).
func (s *SQLiteStore) PromoteRuntimeSnapshot(ctx context.Context, runtimeImage, newID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin promote tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE runtime_snapshots SET state = 'unhealthy' WHERE runtime_image = ? AND state = 'ready' AND id != ?",
		runtimeImage, newID,
	); err != nil {
		return fmt.Errorf("demote previous ready snapshot: %w", err)
	}

	result, err := tx.ExecContext(ctx, "UPDATE runtime_snapshots SET state = 'ready' WHERE id = ?", newID)
	if err != nil {
		return fmt.Errorf("promote new snapshot: %w", err)
	}
	if err := checkRowsAffected(result); err != nil {
		return err
	}

	return tx.Commit()
}

// RecordRuntimeSnapshotUse counts a restore outcome. A success resets
// failure_count, so it holds the number of consecutive failures.
func (s *SQLiteStore) RecordRuntimeSnapshotUse(ctx context.Context, id string, success bool) error {
	column, reset := "success_count", ", failure_count = 0"
	if !success {
		column, reset = "failure_count", ""
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE runtime_snapshots SET "+column+" = "+column+" + 1"+reset+", last_used_at = ? WHERE id = ?",
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("record runtime snapshot use: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkRuntimeSnapshotUnhealthy(ctx context.Context, id, reason string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE runtime_snapshots SET state = 'unhealthy' WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark runtime snapshot unhealthy (%s): %w", reason, err)
	}
	return checkRowsAffected(result)
}
