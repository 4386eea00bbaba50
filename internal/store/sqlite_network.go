package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vulcan-sh/vulcan/internal/model"
)

type networkRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	HostID       sql.NullString `db:"host_id"`
	Type         string         `db:"type"`
	BridgeName   string         `db:"bridge_name"`
	VLANID       sql.NullInt64  `db:"vlan_id"`
	VNI          sql.NullInt64  `db:"vni"`
	CIDR         sql.NullString `db:"cidr"`
	Gateway      sql.NullString `db:"gateway"`
	DHCPEnabled  bool           `db:"dhcp_enabled"`
	DHCPRangeLo  sql.NullString `db:"dhcp_range_lo"`
	DHCPRangeHi  sql.NullString `db:"dhcp_range_hi"`
	Status       string         `db:"status"`
	ErrorMessage sql.NullString `db:"error_message"`
}

func (r *networkRow) toModel() *model.Network {
	n := &model.Network{
		ID:           r.ID,
		Name:         r.Name,
		Type:         r.Type,
		BridgeName:   r.BridgeName,
		CIDR:         r.CIDR.String,
		Gateway:      r.Gateway.String,
		DHCPEnabled:  r.DHCPEnabled,
		DHCPRangeLo:  r.DHCPRangeLo.String,
		DHCPRangeHi:  r.DHCPRangeHi.String,
		Status:       r.Status,
		ErrorMessage: r.ErrorMessage.String,
	}
	if r.HostID.Valid {
		n.HostID = &r.HostID.String
	}
	if r.VLANID.Valid {
		v := int(r.VLANID.Int64)
		n.VLANID = &v
	}
	if r.VNI.Valid {
		v := int(r.VNI.Int64)
		n.VNI = &v
	}
	return n
}

func (s *SQLiteStore) CreateNetwork(ctx context.Context, n *model.Network) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO networks (
			id, name, host_id, type, bridge_name, vlan_id, vni, cidr, gateway,
			dhcp_enabled, dhcp_range_lo, dhcp_range_hi, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Name, n.HostID, n.Type, n.BridgeName, n.VLANID, n.VNI, nullIfEmpty(n.CIDR), nullIfEmpty(n.Gateway),
		n.DHCPEnabled, nullIfEmpty(n.DHCPRangeLo), nullIfEmpty(n.DHCPRangeHi), n.Status, nullIfEmpty(n.ErrorMessage),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert network: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetNetwork(ctx context.Context, id string) (*model.Network, error) {
	var row networkRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM networks WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get network: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLiteStore) ListNetworks(ctx context.Context) ([]*model.Network, error) {
	var rows []networkRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM networks ORDER BY name"); err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	out := make([]*model.Network, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLiteStore) UpdateNetworkStatus(ctx context.Context, id, status, errMsg string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE networks SET status = ?, error_message = ? WHERE id = ?",
		status, nullIfEmpty(errMsg), id,
	)
	if err != nil {
		return fmt.Errorf("update network status: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *SQLiteStore) DeleteNetwork(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM networks WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete network: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddNetworkHost(ctx context.Context, nh *model.NetworkHost) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO network_hosts (network_id, host_id, vtep_ip, is_gateway) VALUES (?, ?, ?, ?)",
		nh.NetworkID, nh.HostID, nh.VTEPIP, nh.IsGateway,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("add network host: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListNetworkHosts(ctx context.Context, networkID string) ([]*model.NetworkHost, error) {
	var out []*model.NetworkHost
	if err := s.db.SelectContext(ctx, &out, "SELECT network_id, host_id, vtep_ip, is_gateway FROM network_hosts WHERE network_id = ?", networkID); err != nil {
		return nil, fmt.Errorf("list network hosts: %w", err)
	}
	return out, nil
}
