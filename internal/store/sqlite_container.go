package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vulcan-sh/vulcan/internal/model"
)

type containerRow struct {
	ID                 string         `db:"id"`
	Name               string         `db:"name"`
	ImageRef           string         `db:"image_ref"`
	Command            string         `db:"command"`
	Args               string         `db:"args"`
	Env                string         `db:"env"`
	VolumeMounts       string         `db:"volume_mounts"`
	PortMappings       string         `db:"port_mappings"`
	CPUCap             sql.NullInt64  `db:"cpu_cap"`
	MemCapMiB          sql.NullInt64  `db:"mem_cap_mib"`
	RestartPolicy      sql.NullString `db:"restart_policy"`
	State              string         `db:"state"`
	ContainerRuntimeID sql.NullString `db:"container_runtime_id"`
	HostID             string         `db:"host_id"`
	VMID               sql.NullString `db:"vm_id"`
	BootMethod         sql.NullString `db:"boot_method"`
	CreatedByUserID    sql.NullString `db:"created_by_user_id"`
	CreatedAt          sql.NullTime   `db:"created_at"`
	UpdatedAt          sql.NullTime   `db:"updated_at"`
}

func (r *containerRow) toModel() (*model.Container, error) {
	c := &model.Container{
		ID:                 r.ID,
		Name:               r.Name,
		ImageRef:           r.ImageRef,
		RestartPolicy:      r.RestartPolicy.String,
		State:              r.State,
		ContainerRuntimeID: r.ContainerRuntimeID.String,
		HostID:             r.HostID,
		VMID:               r.VMID.String,
		BootMethod:         r.BootMethod.String,
		CreatedAt:          r.CreatedAt.Time,
		UpdatedAt:          r.UpdatedAt.Time,
	}
	if r.Command != "" {
		c.Command = strings.Split(r.Command, "\x1f")
	}
	if r.Args != "" {
		c.Args = strings.Split(r.Args, "\x1f")
	}
	if r.Env != "" {
		if err := json.Unmarshal([]byte(r.Env), &c.Env); err != nil {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	if r.VolumeMounts != "" {
		if err := json.Unmarshal([]byte(r.VolumeMounts), &c.VolumeMounts); err != nil {
			return nil, fmt.Errorf("decode volume mounts: %w", err)
		}
	}
	if r.PortMappings != "" {
		if err := json.Unmarshal([]byte(r.PortMappings), &c.PortMappings); err != nil {
			return nil, fmt.Errorf("decode port mappings: %w", err)
		}
	}
	if r.CPUCap.Valid {
		c.CPUCap = int(r.CPUCap.Int64)
	}
	if r.MemCapMiB.Valid {
		c.MemCapMiB = int(r.MemCapMiB.Int64)
	}
	if r.CreatedByUserID.Valid {
		c.CreatedByUserID = &r.CreatedByUserID.String
	}
	return c, nil
}

func (s *SQLiteStore) CreateContainer(ctx context.Context, c *model.Container) error {
	env, err := json.Marshal(c.Env)
	if err != nil {
		return fmt.Errorf("encode env: %w", err)
	}
	mounts, err := json.Marshal(c.VolumeMounts)
	if err != nil {
		return fmt.Errorf("encode volume mounts: %w", err)
	}
	ports, err := json.Marshal(c.PortMappings)
	if err != nil {
		return fmt.Errorf("encode port mappings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO containers (
			id, name, image_ref, command, args, env, volume_mounts, port_mappings,
			cpu_cap, mem_cap_mib, restart_policy, state, container_runtime_id,
			host_id, vm_id, boot_method, created_by_user_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.ImageRef, strings.Join(c.Command, "\x1f"), strings.Join(c.Args, "\x1f"),
		string(env), string(mounts), string(ports),
		c.CPUCap, c.MemCapMiB, nullIfEmpty(c.RestartPolicy), c.State, nullIfEmpty(c.ContainerRuntimeID),
		c.HostID, nullIfEmpty(c.VMID), nullIfEmpty(c.BootMethod), c.CreatedByUserID, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert container: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetContainer(ctx context.Context, id string) (*model.Container, error) {
	var row containerRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM containers WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get container: %w", err)
	}
	return row.toModel()
}

func (s *SQLiteStore) ListContainers(ctx context.Context, f Filter) ([]*model.Container, int, error) {
	where := ""
	args := []any{}
	if !f.IsAdmin {
		where = "WHERE created_by_user_id = ? OR created_by_user_id IS NULL"
		args = append(args, f.OwnerUserID)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM containers "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count containers: %w", err)
	}

	query := "SELECT * FROM containers " + where + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var rows []containerRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list containers: %w", err)
	}
	out := make([]*model.Container, 0, len(rows))
	for _, r := range rows {
		c, err := r.toModel()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, nil
}

func (s *SQLiteStore) UpdateContainerState(ctx context.Context, id, state string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE containers SET state = ?, updated_at = ? WHERE id = ?", state, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update container state: %w", err)
	}
	return checkRowsAffected(result)
}

// SetContainerBoot records the backing VM, boot method, and new state once
// the Runtime-Snapshot Cache's restore path (or cold-boot fallback) has
// produced a running VM for this Container.
func (s *SQLiteStore) SetContainerBoot(ctx context.Context, id, vmID, bootMethod, state string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE containers SET vm_id = ?, boot_method = ?, state = ?, updated_at = ? WHERE id = ?",
		vmID, bootMethod, state, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set container boot: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *SQLiteStore) DeleteContainer(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM containers WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete container: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordContainerMetrics(ctx context.Context, m *model.ContainerMetrics) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO container_metrics (container_id, cpu_used_pct, mem_used_mib, recorded_at) VALUES (?, ?, ?, ?)",
		m.ContainerID, m.CPUUsedPct, m.MemUsedMiB, m.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record container metrics: %w", err)
	}
	return nil
}
