package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vulcan-sh/vulcan/internal/model"
)

type functionRow struct {
	ID              string         `db:"id"`
	Name            string         `db:"name"`
	Runtime         string         `db:"runtime"`
	Handler         string         `db:"handler"`
	TimeoutSeconds  int            `db:"timeout_seconds"`
	MemMiB          int            `db:"mem_mib"`
	VCPUs           int            `db:"vcpus"`
	Env             string         `db:"env"`
	BackingVMID     sql.NullString `db:"backing_vm_id"`
	GuestIP         sql.NullString `db:"guest_ip"`
	ListenPort      sql.NullInt64  `db:"listen_port"`
	State           string         `db:"state"`
	CreatedByUserID sql.NullString `db:"created_by_user_id"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	LastInvokedAt   sql.NullTime   `db:"last_invoked_at"`
}

func (r *functionRow) toModel() (*model.Function, error) {
	f := &model.Function{
		ID:             r.ID,
		Name:           r.Name,
		Runtime:        r.Runtime,
		Handler:        r.Handler,
		TimeoutSeconds: r.TimeoutSeconds,
		MemMiB:         r.MemMiB,
		VCPUs:          r.VCPUs,
		GuestIP:        r.GuestIP.String,
		State:          r.State,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.Env != "" {
		if err := json.Unmarshal([]byte(r.Env), &f.Env); err != nil {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	if r.BackingVMID.Valid {
		f.BackingVMID = &r.BackingVMID.String
	}
	if r.ListenPort.Valid {
		f.ListenPort = int(r.ListenPort.Int64)
	}
	if r.CreatedByUserID.Valid {
		f.CreatedByUserID = &r.CreatedByUserID.String
	}
	if r.LastInvokedAt.Valid {
		f.LastInvokedAt = &r.LastInvokedAt.Time
	}
	return f, nil
}

func (s *SQLiteStore) CreateFunction(ctx context.Context, f *model.Function) error {
	env, err := json.Marshal(f.Env)
	if err != nil {
		return fmt.Errorf("encode env: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO functions (
			id, name, runtime, handler, timeout_seconds, mem_mib, vcpus, env,
			backing_vm_id, guest_ip, listen_port, state, created_by_user_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.Runtime, f.Handler, f.TimeoutSeconds, f.MemMiB, f.VCPUs, string(env),
		f.BackingVMID, nullIfEmpty(f.GuestIP), f.ListenPort, f.State, f.CreatedByUserID, f.CreatedAt, f.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert function: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFunction(ctx context.Context, id string) (*model.Function, error) {
	var row functionRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM functions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get function: %w", err)
	}
	return row.toModel()
}

func (s *SQLiteStore) ListFunctions(ctx context.Context, f Filter) ([]*model.Function, int, error) {
	where := ""
	args := []any{}
	if !f.IsAdmin {
		where = "WHERE created_by_user_id = ? OR created_by_user_id IS NULL"
		args = append(args, f.OwnerUserID)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM functions "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count functions: %w", err)
	}

	query := "SELECT * FROM functions " + where + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var rows []functionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list functions: %w", err)
	}
	out := make([]*model.Function, 0, len(rows))
	for _, r := range rows {
		fn, err := r.toModel()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, fn)
	}
	return out, total, nil
}

func (s *SQLiteStore) UpdateFunctionState(ctx context.Context, id, state string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE functions SET state = ?, updated_at = ? WHERE id = ?", state, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update function state: %w", err)
	}
	return checkRowsAffected(result)
}

// BindFunctionVM records the backing VM a Function cold-started onto,
// enforcing invariant I2 at the caller (the VM must be booting or running
// before this is called; see model.CompatibleForFunction).
func (s *SQLiteStore) BindFunctionVM(ctx context.Context, id, vmID, guestIP string, listenPort int) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE functions SET backing_vm_id = ?, guest_ip = ?, listen_port = ?, updated_at = ? WHERE id = ?",
		vmID, guestIP, listenPort, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("bind function vm: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *SQLiteStore) TouchFunctionInvoked(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE functions SET last_invoked_at = ? WHERE id = ?", time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch function invoked: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *SQLiteStore) DeleteFunction(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM functions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete function: %w", err)
	}
	return nil
}
