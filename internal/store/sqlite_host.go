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

type hostRow struct {
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	Address       string         `db:"address"`
	BridgeNames   string         `db:"bridge_names"`
	RuntimeDir    string         `db:"runtime_dir"`
	ImagesDir     string         `db:"images_dir"`
	CPUTotal      int            `db:"cpu_total"`
	MemTotalMiB   int            `db:"mem_total_mib"`
	DiskTotalMiB  int            `db:"disk_total_mib"`
	Capabilities  string         `db:"capabilities"`
	LastSeenAt    sql.NullTime   `db:"last_seen_at"`
	LastMetricsAt sql.NullTime   `db:"last_metrics_at"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (r *hostRow) toModel() (*model.Host, error) {
	caps := map[string]string{}
	if r.Capabilities != "" {
		if err := json.Unmarshal([]byte(r.Capabilities), &caps); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	h := &model.Host{
		ID:           r.ID,
		Name:         r.Name,
		Address:      r.Address,
		RuntimeDir:   r.RuntimeDir,
		ImagesDir:    r.ImagesDir,
		CPUTotal:     r.CPUTotal,
		MemTotalMiB:  r.MemTotalMiB,
		DiskTotalMiB: r.DiskTotalMiB,
		Capabilities: caps,
		CreatedAt:    r.CreatedAt,
	}
	if r.BridgeNames != "" {
		h.BridgeNames = strings.Split(r.BridgeNames, ",")
	}
	if r.LastSeenAt.Valid {
		h.LastSeenAt = &r.LastSeenAt.Time
	}
	if r.LastMetricsAt.Valid {
		h.LastMetricsAt = &r.LastMetricsAt.Time
	}
	return h, nil
}

func (s *SQLiteStore) CreateHost(ctx context.Context, h *model.Host) error {
	caps, err := json.Marshal(h.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hosts (
			id, name, address, bridge_names, runtime_dir, images_dir,
			cpu_total, mem_total_mib, disk_total_mib, capabilities, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Name, h.Address, strings.Join(h.BridgeNames, ","), h.RuntimeDir, h.ImagesDir,
		h.CPUTotal, h.MemTotalMiB, h.DiskTotalMiB, string(caps), h.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert host: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetHost(ctx context.Context, id string) (*model.Host, error) {
	var row hostRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM hosts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get host: %w", err)
	}
	return row.toModel()
}

func (s *SQLiteStore) GetHostByName(ctx context.Context, name string) (*model.Host, error) {
	var row hostRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM hosts WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get host by name: %w", err)
	}
	return row.toModel()
}

func (s *SQLiteStore) ListHosts(ctx context.Context) ([]*model.Host, error) {
	var rows []hostRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM hosts ORDER BY name"); err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	hosts := make([]*model.Host, 0, len(rows))
	for _, r := range rows {
		h, err := r.toModel()
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// UpdateHostHeartbeat refreshes last_seen_at (always) and the capability
// map (the Agent may report new bridges after a reconfigure).
func (s *SQLiteStore) UpdateHostHeartbeat(ctx context.Context, id string, h *model.Host) error {
	caps, err := json.Marshal(h.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE hosts SET last_seen_at = ?, capabilities = ?, bridge_names = ?
		WHERE id = ?`,
		now, string(caps), strings.Join(h.BridgeNames, ","), id,
	)
	if err != nil {
		return fmt.Errorf("update host heartbeat: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *SQLiteStore) RecordHostMetrics(ctx context.Context, m *model.HostMetrics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO host_metrics (host_id, cpu_used_pct, mem_used_mib, disk_used_mib, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.HostID, m.CPUUsedPct, m.MemUsedMiB, m.DiskUsedMiB, m.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record host metrics: %w", err)
	}
	_, err = s.db.ExecContext(ctx, "UPDATE hosts SET last_metrics_at = ? WHERE id = ?", m.RecordedAt, m.HostID)
	if err != nil {
		return fmt.Errorf("touch host last_metrics_at: %w", err)
	}
	return nil
}

func checkRowsAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation matches modernc.org/sqlite's constraint-violation error
// text; the driver does not expose a typed sentinel the way pq/pgx do.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
