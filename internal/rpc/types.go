package rpc

import "time"

// Snapshot kinds accepted by CreateSnapshot (spec.md §4.1).
const (
	SnapshotKindFull = "Full"
	SnapshotKindDiff = "Diff"
)

// DriveSpec describes a block device to attach to a VM at launch or via
// attach_drive. Attachments only take effect on the VM's next restart.
type DriveSpec struct {
	DriveID      string `json:"drive_id"`
	HostPath     string `json:"host_path"`
	IsRootDevice bool   `json:"is_root_device"`
	ReadOnly     bool   `json:"read_only"`
	SizeBytes    *int64 `json:"size_bytes,omitempty"`
	CacheHint    string `json:"cache_hint,omitempty"`
	IOEngine     string `json:"io_engine,omitempty"`
}

// NICSpec describes a network interface to attach to a VM at launch or via
// attach_nic.
type NICSpec struct {
	IfaceID     string `json:"iface_id"`
	NetworkID   string `json:"network_id"`
	NetworkType string `json:"network_type,omitempty"` // nat | bridged | isolated | vxlan
	BridgeName  string `json:"bridge_name"`
	VLANID      *int   `json:"vlan_id,omitempty"`
	VNI         *int   `json:"vni,omitempty"`
	CIDR        string `json:"cidr,omitempty"`
	Gateway     string `json:"gateway,omitempty"`
	GuestMAC    string `json:"guest_mac,omitempty"`
	RateLimiter string `json:"rate_limiter,omitempty"`
}

// CredentialSpec carries an optional shell account to inject into the
// rootfs at provisioning time. The password is never persisted by the
// Manager; it is forwarded once and discarded by the Agent after use.
type CredentialSpec struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateVMRequest is the body of POST /v1/vms on the Agent.
type CreateVMRequest struct {
	VMID             string          `json:"vm_id"`
	Name             string          `json:"name"`
	VCPUs            int             `json:"vcpus"`
	MemMiB           int             `json:"mem_mib"`
	KernelPath       string          `json:"kernel_path"`
	RootfsPath       string          `json:"rootfs_path"`
	Drives           []DriveSpec     `json:"drives"`
	NICs             []NICSpec       `json:"nics"`
	SourceSnapshotID string          `json:"source_snapshot_id,omitempty"`
	Credential       *CredentialSpec `json:"credential,omitempty"`
}

// CreateVMResult is returned on success from create_vm.
type CreateVMResult struct {
	APISocketPath   string `json:"api_socket_path"`
	TAPNames        []string `json:"tap_names"`
	LogPath         string `json:"log_path"`
	SupervisionUnit string `json:"supervision_unit"`
}

// UpdateVMStateRequest is the body of POST /v1/vms/{id}/state on the Agent.
type UpdateVMStateRequest struct {
	Action string `json:"action"` // start | stop | pause | resume | flush_metrics | ctrl_alt_del
}

// CreateSnapshotRequest is the body of POST /v1/vms/{id}/snapshot.
type CreateSnapshotRequest struct {
	Kind string `json:"kind"` // Full | Diff
}

// CreateSnapshotResult reports the artifacts produced by a snapshot.
// SnapshotDir holds all three files on a conventional layout ("mem",
// "vmstate", "disk.ext4") so callers that only need to persist one path
// (the Runtime-Snapshot Cache's store row) can do so.
type CreateSnapshotResult struct {
	SnapshotDir  string `json:"snapshot_dir"`
	MemoryPath   string `json:"memory_path"`
	DiskPath     string `json:"disk_path"`
	MemorySizeB  int64  `json:"memory_size_bytes"`
	DiskSizeB    int64  `json:"disk_size_bytes"`
	MemorySHA256 string `json:"memory_sha256"`
	DiskSHA256   string `json:"disk_sha256"`
	VMMVersion   string `json:"vmm_version"`
}

// RestoreVMRequest is the body of POST /v1/vms/restore.
type RestoreVMRequest struct {
	VMID        string    `json:"vm_id"`
	Name        string    `json:"name"`
	VCPUs       int       `json:"vcpus"`
	MemMiB      int       `json:"mem_mib"`
	KernelPath  string    `json:"kernel_path"`
	NICs        []NICSpec `json:"nics"`
	SnapshotDir string    `json:"snapshot_dir"`
	VMMVersion  string    `json:"vmm_version"`
}

// AttachDriveRequest is the body of POST /v1/vms/{id}/drives.
type AttachDriveRequest struct {
	Drive DriveSpec `json:"drive"`
}

// AttachNICRequest is the body of POST /v1/vms/{id}/nics.
type AttachNICRequest struct {
	NIC NICSpec `json:"nic"`
}

// ProgramPortForwardRequest is the body of POST /v1/vms/{id}/port-forwards.
type ProgramPortForwardRequest struct {
	HostPort  int    `json:"host_port"`
	GuestPort int    `json:"guest_port"`
	Protocol  string `json:"protocol"`
}

// ProgramVXLANRequest installs a VTEP/FDB entry set for a VXLAN overlay
// Network on this Host.
type ProgramVXLANRequest struct {
	NetworkID  string      `json:"network_id"`
	VNI        int         `json:"vni"`
	BridgeName string      `json:"bridge_name"`
	LocalVTEP  string      `json:"local_vtep_ip"`
	Peers      []VXLANPeer `json:"peers"`
}

// VXLANPeer is one remote Host's VTEP participating in an overlay.
type VXLANPeer struct {
	HostID string `json:"host_id"`
	VTEPIP string `json:"vtep_ip"`
}

// InventoryVM is one VM the Agent currently tracks in memory, reported
// with the state, PID and handles it recorded for that VM. Used
// exclusively by the reconciler to detect drift against persisted state.
type InventoryVM struct {
	VMID            string    `json:"vm_id"`
	State           string    `json:"state"`
	PID             int       `json:"pid,omitempty"`
	APISocketPath   string    `json:"api_socket_path"`
	TAPNames        []string  `json:"tap_names"`
	ObservedStartAt time.Time `json:"observed_start_at"`
}

// InventoryResponse is returned from GET /v1/inventory.
type InventoryResponse struct {
	HostID string        `json:"host_id"`
	VMs    []InventoryVM `json:"vms"`
}

// GuestReadyResponse is returned from GET /v1/vms/{id}/guest-ready, which
// the Agent answers by relaying a Ping/Info request to the guest-agent
// introspection daemon over vsock (spec.md §4.4 step 2).
type GuestReadyResponse struct {
	Ready          bool   `json:"ready"`
	ContainerReady bool   `json:"container_runtime_ready"`
	GuestIP        string `json:"guest_ip,omitempty"`
}

// ClearGuestNetworkRequest is the body of POST /v1/vms/{id}/clear-network,
// used by the snapshot-creation pipeline to drop the temporary VM's DHCP
// lease before pausing, so a restored clone acquires a fresh one
// (spec.md §4.4 step 3).
type ClearGuestNetworkRequest struct{}

// RegisterHostRequest is the body an Agent POSTs to the Manager's
// /v1/hosts endpoint once at startup, before it begins heartbeating.
type RegisterHostRequest struct {
	Name         string            `json:"name"`
	Address      string            `json:"address"`
	BridgeNames  []string          `json:"bridge_names,omitempty"`
	RuntimeDir   string            `json:"runtime_dir"`
	ImagesDir    string            `json:"images_dir"`
	CPUTotal     int               `json:"cpu_total"`
	MemTotalMiB  int               `json:"mem_total_mib"`
	DiskTotalMiB int               `json:"disk_total_mib"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

// RegisterHostResponse is the Manager's response to a successful
// registration, carrying the Host ID the Agent must use for every
// subsequent heartbeat.
type RegisterHostResponse struct {
	ID string `json:"id"`
}

// HeartbeatRequest is the body an Agent POSTs to the Manager's
// /v1/hosts/{id}/heartbeat endpoint. The Agent initiates this call; the
// Manager never polls.
type HeartbeatRequest struct {
	CPUTotal      int               `json:"cpu_total"`
	MemTotalMiB   int               `json:"mem_total_mib"`
	DiskTotalMiB  int               `json:"disk_total_mib"`
	CPUUsedPct    float64           `json:"cpu_used_pct"`
	MemUsedMiB    int               `json:"mem_used_mib"`
	DiskUsedMiB   int               `json:"disk_used_mib"`
	Capabilities  map[string]string `json:"capabilities,omitempty"`
}

// errorEnvelope is the JSON body returned by both Manager and Agent APIs
// on non-2xx responses (spec.md §7).
type errorEnvelope struct {
	Kind         string `json:"kind"`
	FaultMessage string `json:"fault_message"`
}
