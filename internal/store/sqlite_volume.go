package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vulcan-sh/vulcan/internal/model"
)

func (s *SQLiteStore) CreateVolume(ctx context.Context, v *model.Volume) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO volumes (id, name, host_id, host_path, size_bytes, type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Name, v.HostID, v.HostPath, v.SizeBytes, v.Type, v.Status, v.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert volume: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetVolume(ctx context.Context, id string) (*model.Volume, error) {
	var v model.Volume
	err := s.db.GetContext(ctx, &v, "SELECT id, name, host_id, host_path, size_bytes, type, status, created_at FROM volumes WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get volume: %w", err)
	}
	return &v, nil
}

func (s *SQLiteStore) ListVolumes(ctx context.Context, hostID string) ([]*model.Volume, error) {
	var vols []*model.Volume
	query := "SELECT id, name, host_id, host_path, size_bytes, type, status, created_at FROM volumes"
	args := []any{}
	if hostID != "" {
		query += " WHERE host_id = ?"
		args = append(args, hostID)
	}
	if err := s.db.SelectContext(ctx, &vols, query, args...); err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}
	return vols, nil
}

func (s *SQLiteStore) UpdateVolumeStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE volumes SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("update volume status: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *SQLiteStore) DeleteVolume(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM volumes WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete volume: %w", err)
	}
	return nil
}

// AttachVolume relies on the volume_attachments UNIQUE (vm_id, drive_id)
// and UNIQUE (volume_id, vm_id) indexes for invariant I3.
func (s *SQLiteStore) AttachVolume(ctx context.Context, a *model.VolumeAttachment) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO volume_attachments (id, volume_id, vm_id, drive_id) VALUES (?, ?, ?, ?)",
		a.ID, a.VolumeID, a.VMID, a.DriveID,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("attach volume: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DetachVolume(ctx context.Context, volumeID, vmID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM volume_attachments WHERE volume_id = ? AND vm_id = ?", volumeID, vmID); err != nil {
		return fmt.Errorf("detach volume: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListVolumeAttachments(ctx context.Context, volumeID string) ([]*model.VolumeAttachment, error) {
	var out []*model.VolumeAttachment
	if err := s.db.SelectContext(ctx, &out, "SELECT id, volume_id, vm_id, drive_id FROM volume_attachments WHERE volume_id = ?", volumeID); err != nil {
		return nil, fmt.Errorf("list volume attachments: %w", err)
	}
	return out, nil
}
