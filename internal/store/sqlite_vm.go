package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vulcan-sh/vulcan/internal/model"
)

type vmRow struct {
	ID               string         `db:"id"`
	Name             string         `db:"name"`
	HostID           string         `db:"host_id"`
	SourceTemplateID sql.NullString `db:"source_template_id"`
	SourceSnapshotID sql.NullString `db:"source_snapshot_id"`
	VCPUs            int            `db:"vcpus"`
	MemMiB           int            `db:"mem_mib"`
	KernelPath       string         `db:"kernel_path"`
	RootfsPath       string         `db:"rootfs_path"`
	APISocketPath    sql.NullString `db:"api_socket_path"`
	TAPName          sql.NullString `db:"tap_name"`
	LogPath          sql.NullString `db:"log_path"`
	GuestAgentPort   sql.NullInt64  `db:"guest_agent_port"`
	SupervisionUnit  sql.NullString `db:"supervision_unit"`
	State            string         `db:"state"`
	GuestIP          sql.NullString `db:"guest_ip"`
	Tags             string         `db:"tags"`
	FaultMessage     sql.NullString `db:"fault_message"`
	CreatedByUserID  sql.NullString `db:"created_by_user_id"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r *vmRow) toModel() *model.VM {
	vm := &model.VM{
		ID:              r.ID,
		Name:            r.Name,
		HostID:          r.HostID,
		VCPUs:           r.VCPUs,
		MemMiB:          r.MemMiB,
		KernelPath:      r.KernelPath,
		RootfsPath:      r.RootfsPath,
		APISocketPath:   r.APISocketPath.String,
		TAPName:         r.TAPName.String,
		LogPath:         r.LogPath.String,
		SupervisionUnit: r.SupervisionUnit.String,
		State:           r.State,
		GuestIP:         r.GuestIP.String,
		FaultMessage:    r.FaultMessage.String,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.SourceTemplateID.Valid {
		vm.SourceTemplateID = &r.SourceTemplateID.String
	}
	if r.SourceSnapshotID.Valid {
		vm.SourceSnapshotID = &r.SourceSnapshotID.String
	}
	if r.GuestAgentPort.Valid {
		vm.GuestAgentPort = int(r.GuestAgentPort.Int64)
	}
	if r.CreatedByUserID.Valid {
		vm.CreatedByUserID = &r.CreatedByUserID.String
	}
	if r.Tags != "" {
		vm.Tags = strings.Split(r.Tags, ",")
	}
	return vm
}

func (s *SQLiteStore) CreateVM(ctx context.Context, vm *model.VM) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vms (
			id, name, host_id, source_template_id, source_snapshot_id, vcpus, mem_mib,
			kernel_path, rootfs_path, api_socket_path, tap_name, log_path,
			guest_agent_port, supervision_unit, state, guest_ip, tags,
			fault_message, created_by_user_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vm.ID, vm.Name, vm.HostID, vm.SourceTemplateID, vm.SourceSnapshotID, vm.VCPUs, vm.MemMiB,
		vm.KernelPath, vm.RootfsPath, nullIfEmpty(vm.APISocketPath), nullIfEmpty(vm.TAPName), nullIfEmpty(vm.LogPath),
		vm.GuestAgentPort, nullIfEmpty(vm.SupervisionUnit), vm.State, nullIfEmpty(vm.GuestIP), strings.Join(vm.Tags, ","),
		nullIfEmpty(vm.FaultMessage), vm.CreatedByUserID, vm.CreatedAt, vm.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert vm: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetVM(ctx context.Context, id string) (*model.VM, error) {
	var row vmRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM vms WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vm: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLiteStore) GetVMByName(ctx context.Context, name string) (*model.VM, error) {
	var row vmRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM vms WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vm by name: %w", err)
	}
	return row.toModel(), nil
}

// ListVMs applies the ownership predicate directly in SQL (spec.md §5):
// created_by_user_id = f.OwnerUserID OR created_by_user_id IS NULL, unless
// f.IsAdmin bypasses it.
func (s *SQLiteStore) ListVMs(ctx context.Context, f Filter) ([]*model.VM, int, error) {
	where := ""
	args := []any{}
	if !f.IsAdmin {
		where = "WHERE created_by_user_id = ? OR created_by_user_id IS NULL"
		args = append(args, f.OwnerUserID)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM vms " + where
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count vms: %w", err)
	}

	query := "SELECT * FROM vms " + where + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var rows []vmRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list vms: %w", err)
	}
	vms := make([]*model.VM, 0, len(rows))
	for _, r := range rows {
		vms = append(vms, r.toModel())
	}
	return vms, total, nil
}

func (s *SQLiteStore) ListVMsByHost(ctx context.Context, hostID string) ([]*model.VM, error) {
	var rows []vmRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM vms WHERE host_id = ?", hostID); err != nil {
		return nil, fmt.Errorf("list vms by host: %w", err)
	}
	vms := make([]*model.VM, 0, len(rows))
	for _, r := range rows {
		vms = append(vms, r.toModel())
	}
	return vms, nil
}

func (s *SQLiteStore) UpdateVMState(ctx context.Context, id, state, faultMessage string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE vms SET state = ?, fault_message = ?, updated_at = ? WHERE id = ?",
		state, nullIfEmpty(faultMessage), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update vm state: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *SQLiteStore) UpdateVMGuestIP(ctx context.Context, id, guestIP string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE vms SET guest_ip = ?, updated_at = ? WHERE id = ?",
		guestIP, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update vm guest ip: %w", err)
	}
	return checkRowsAffected(result)
}

// SetVMRuntimeInfo records the Agent-assigned runtime handles returned by
// create_vm/restore_vm.
func (s *SQLiteStore) SetVMRuntimeInfo(ctx context.Context, id, apiSocketPath, tapName, logPath, supervisionUnit string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE vms SET api_socket_path = ?, tap_name = ?, log_path = ?, supervision_unit = ?, updated_at = ? WHERE id = ?",
		nullIfEmpty(apiSocketPath), nullIfEmpty(tapName), nullIfEmpty(logPath), nullIfEmpty(supervisionUnit), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set vm runtime info: %w", err)
	}
	return checkRowsAffected(result)
}

// DeleteVM is idempotent: deleting an absent VM succeeds (spec.md §10). A
// tombstone row is left behind so the reconciler can tell an orphan it
// caused itself apart from a genuinely unrecognized VM.
func (s *SQLiteStore) DeleteVM(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vms WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete vm: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vm_tombstones (vm_id, deleted_at) VALUES (?, ?)
		ON CONFLICT (vm_id) DO UPDATE SET deleted_at = excluded.deleted_at`,
		id, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("tombstone vm: %w", err)
	}
	return nil
}

// IsRecentlyTombstoned reports whether id was deleted within the last
// `within` duration.
func (s *SQLiteStore) IsRecentlyTombstoned(ctx context.Context, id string, within time.Duration) (bool, error) {
	var deletedAt time.Time
	err := s.db.GetContext(ctx, &deletedAt, "SELECT deleted_at FROM vm_tombstones WHERE vm_id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get vm tombstone: %w", err)
	}
	return time.Since(deletedAt) <= within, nil
}

func (s *SQLiteStore) AddVMDrive(ctx context.Context, d *model.VMDrive) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vm_drives (id, vm_id, drive_id, host_path, is_root_device, read_only, size_bytes, cache_hint, io_engine)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.VMID, d.DriveID, d.HostPath, d.IsRootDevice, d.ReadOnly, d.SizeBytes, nullIfEmpty(d.CacheHint), nullIfEmpty(d.IOEngine),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("add vm drive: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveVMDrive(ctx context.Context, vmID, driveID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vm_drives WHERE vm_id = ? AND drive_id = ?", vmID, driveID); err != nil {
		return fmt.Errorf("remove vm drive: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListVMDrives(ctx context.Context, vmID string) ([]*model.VMDrive, error) {
	var drives []*model.VMDrive
	if err := s.db.SelectContext(ctx, &drives, "SELECT id, vm_id, drive_id, host_path, is_root_device, read_only, size_bytes, cache_hint, io_engine FROM vm_drives WHERE vm_id = ?", vmID); err != nil {
		return nil, fmt.Errorf("list vm drives: %w", err)
	}
	return drives, nil
}

func (s *SQLiteStore) AddVMNIC(ctx context.Context, n *model.VMNIC) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vm_nics (id, vm_id, iface_id, host_dev_name, guest_mac, rate_limiter, network_id, assigned_ip)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.VMID, n.IfaceID, n.HostDevName, nullIfEmpty(n.GuestMAC), nullIfEmpty(n.RateLimiter), n.NetworkID, nullIfEmpty(n.AssignedIP),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("add vm nic: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveVMNIC(ctx context.Context, vmID, ifaceID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vm_nics WHERE vm_id = ? AND iface_id = ?", vmID, ifaceID); err != nil {
		return fmt.Errorf("remove vm nic: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListVMNICs(ctx context.Context, vmID string) ([]*model.VMNIC, error) {
	var nics []*model.VMNIC
	if err := s.db.SelectContext(ctx, &nics, "SELECT id, vm_id, iface_id, host_dev_name, guest_mac, rate_limiter, network_id, assigned_ip FROM vm_nics WHERE vm_id = ?", vmID); err != nil {
		return nil, fmt.Errorf("list vm nics: %w", err)
	}
	return nics, nil
}

// CreatePortForward relies on the (host_port, protocol) UNIQUE index for
// invariant I5; a clash surfaces as ErrConflict for the caller to turn into
// apierr.Conflict.
func (s *SQLiteStore) CreatePortForward(ctx context.Context, pf *model.PortForward) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO port_forwards (id, vm_id, host_port, guest_port, protocol) VALUES (?, ?, ?, ?, ?)",
		pf.ID, pf.VMID, pf.HostPort, pf.GuestPort, pf.Protocol,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create port forward: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPortForward(ctx context.Context, id string) (*model.PortForward, error) {
	var pf model.PortForward
	err := s.db.GetContext(ctx, &pf, "SELECT id, vm_id, host_port, guest_port, protocol FROM port_forwards WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get port forward: %w", err)
	}
	return &pf, nil
}

func (s *SQLiteStore) DeletePortForward(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM port_forwards WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete port forward: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPortForwards(ctx context.Context, vmID string) ([]*model.PortForward, error) {
	var pfs []*model.PortForward
	if err := s.db.SelectContext(ctx, &pfs, "SELECT id, vm_id, host_port, guest_port, protocol FROM port_forwards WHERE vm_id = ?", vmID); err != nil {
		return nil, fmt.Errorf("list port forwards: %w", err)
	}
	return pfs, nil
}

func (s *SQLiteStore) RecordVMMetrics(ctx context.Context, m *model.VMMetrics) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO vm_metrics (vm_id, cpu_used_pct, mem_used_mib, recorded_at) VALUES (?, ?, ?, ?)",
		m.VMID, m.CPUUsedPct, m.MemUsedMiB, m.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record vm metrics: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
