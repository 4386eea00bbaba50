package model

import "time"

// VM lifecycle states (spec.md §3, §4.1).
const (
	VMCreating = "creating"
	VMBooting  = "booting"
	VMRunning  = "running"
	VMPaused   = "paused"
	VMStopped  = "stopped"
	VMError    = "error"
)

// vmTransitions is the authoritative state machine for observed VM state,
// mirrored on both Manager and Agent (spec.md §4.1 table).
var vmTransitions = map[string]map[string]bool{
	VMCreating: {VMBooting: true, VMError: true},
	VMBooting:  {VMRunning: true, VMError: true},
	VMRunning:  {VMPaused: true, VMStopped: true, VMError: true},
	VMPaused:   {VMRunning: true, VMStopped: true, VMError: true},
	VMStopped:  {VMError: true},
}

// ValidVMTransition reports whether a VM may move from one state to another.
// Any state may transition to VMError (an Agent-local failure can occur at
// any point), which is encoded as a blanket allowance here rather than
// repeated in every row.
func ValidVMTransition(from, to string) bool {
	if to == VMError {
		return true
	}
	targets, ok := vmTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalVMStates are states in which no in-flight Agent RPC should remain
// outstanding past the RPC timeout (invariant I6).
var TerminalVMStates = map[string]bool{
	VMRunning: true,
	VMStopped: true,
	VMError:   true,
}

// VM is a microVM workload scheduled onto a Host.
type VM struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	HostID           string     `json:"host_id"`
	SourceTemplateID *string    `json:"source_template_id,omitempty"`
	SourceSnapshotID *string    `json:"source_snapshot_id,omitempty"`
	VCPUs            int        `json:"vcpus"`
	MemMiB           int        `json:"mem_mib"`
	KernelPath       string     `json:"kernel_path"`
	RootfsPath       string     `json:"rootfs_path"`
	APISocketPath    string     `json:"api_socket_path,omitempty"`
	TAPName          string     `json:"tap_name,omitempty"`
	LogPath          string     `json:"log_path,omitempty"`
	GuestAgentPort   int        `json:"guest_agent_port,omitempty"`
	SupervisionUnit  string     `json:"supervision_unit,omitempty"`
	State            string     `json:"state"`
	GuestIP          string     `json:"guest_ip,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	FaultMessage     string     `json:"fault_message,omitempty"`
	CreatedByUserID  *string    `json:"created_by_user_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// HasTag reports whether the VM carries the given tag (e.g. "type:function").
func (v *VM) HasTag(tag string) bool {
	for _, t := range v.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// VMDrive is a block device attached to a VM.
type VMDrive struct {
	ID           string  `json:"id" db:"id"`
	VMID         string  `json:"vm_id" db:"vm_id"`
	DriveID      string  `json:"drive_id" db:"drive_id"`
	HostPath     string  `json:"host_path" db:"host_path"`
	IsRootDevice bool    `json:"is_root_device" db:"is_root_device"`
	ReadOnly     bool    `json:"read_only" db:"read_only"`
	SizeBytes    *int64  `json:"size_bytes,omitempty" db:"size_bytes"`
	CacheHint    string  `json:"cache_hint,omitempty" db:"cache_hint"`
	IOEngine     string  `json:"io_engine,omitempty" db:"io_engine"`
}

// VMNIC is a network interface attached to a VM.
type VMNIC struct {
	ID          string `json:"id" db:"id"`
	VMID        string `json:"vm_id" db:"vm_id"`
	IfaceID     string `json:"iface_id" db:"iface_id"`
	HostDevName string `json:"host_dev_name" db:"host_dev_name"`
	GuestMAC    string `json:"guest_mac,omitempty" db:"guest_mac"`
	RateLimiter string `json:"rate_limiter,omitempty" db:"rate_limiter"`
	NetworkID   string `json:"network_id" db:"network_id"`
	AssignedIP  string `json:"assigned_ip,omitempty" db:"assigned_ip"`
}

// PortForward maps a host port to a guest port on a VM.
type PortForward struct {
	ID        string `json:"id" db:"id"`
	VMID      string `json:"vm_id" db:"vm_id"`
	HostPort  int    `json:"host_port" db:"host_port"`
	GuestPort int    `json:"guest_port" db:"guest_port"`
	Protocol  string `json:"protocol" db:"protocol"` // "tcp" | "udp"
}

// VM state actions accepted by POST /v1/vms/{id}/state.
const (
	VMActionStart        = "start"
	VMActionStop         = "stop"
	VMActionPause        = "pause"
	VMActionResume       = "resume"
	VMActionFlushMetrics = "flush_metrics"
	VMActionCtrlAltDel   = "ctrl_alt_del"
)

// ValidVMAction reports whether action names a recognized VM state action.
func ValidVMAction(action string) bool {
	switch action {
	case VMActionStart, VMActionStop, VMActionPause, VMActionResume, VMActionFlushMetrics, VMActionCtrlAltDel:
		return true
	default:
		return false
	}
}

// VMMetrics is an append-only time-series row in the metrics schema.
type VMMetrics struct {
	ID         int64     `json:"id" db:"id"`
	VMID       string    `json:"vm_id" db:"vm_id"`
	CPUUsedPct float64   `json:"cpu_used_pct" db:"cpu_used_pct"`
	MemUsedMiB int       `json:"mem_used_mib" db:"mem_used_mib"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}
