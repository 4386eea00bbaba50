package model

import "time"

// Host represents a compute node running an Agent.
type Host struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Address          string            `json:"address"`
	BridgeNames      []string          `json:"bridge_names"`
	RuntimeDir       string            `json:"runtime_dir"`
	ImagesDir        string            `json:"images_dir"`
	CPUTotal         int               `json:"cpu_total"`
	MemTotalMiB      int               `json:"mem_total_mib"`
	DiskTotalMiB     int               `json:"disk_total_mib"`
	Capabilities     map[string]string `json:"capabilities,omitempty"`
	LastSeenAt       *time.Time        `json:"last_seen_at,omitempty"`
	LastMetricsAt    *time.Time        `json:"last_metrics_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// IsHealthy reports whether the Host's last heartbeat is within the
// liveness window measured from now.
func (h *Host) IsHealthy(now time.Time, livenessWindow time.Duration) bool {
	if h.LastSeenAt == nil {
		return false
	}
	return now.Sub(*h.LastSeenAt) <= livenessWindow
}

// HostMetrics is an append-only time-series row in the metrics schema.
type HostMetrics struct {
	ID          int64     `json:"id" db:"id"`
	HostID      string    `json:"host_id" db:"host_id"`
	CPUUsedPct  float64   `json:"cpu_used_pct" db:"cpu_used_pct"`
	MemUsedMiB  int       `json:"mem_used_mib" db:"mem_used_mib"`
	DiskUsedMiB int       `json:"disk_used_mib" db:"disk_used_mib"`
	RecordedAt  time.Time `json:"recorded_at" db:"recorded_at"`
}
