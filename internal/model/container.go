package model

import "time"

// Container lifecycle states.
const (
	ContainerCreating    = "creating"
	ContainerBooting     = "booting"
	ContainerInitializing = "initializing"
	ContainerRunning     = "running"
	ContainerStopped     = "stopped"
	ContainerPaused      = "paused"
	ContainerError       = "error"
)

// Container boot methods.
const (
	BootWarm = "warm"
	BootCold = "cold"
)

// PortMapping maps a container port to a host-visible port.
type PortMapping struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port"`
	Protocol      string `json:"protocol"` // "tcp" | "udp"
}

// VolumeMount mounts a Volume into a Container's filesystem.
type VolumeMount struct {
	VolumeID  string `json:"volume_id"`
	MountPath string `json:"mount_path"`
	ReadOnly  bool   `json:"read_only"`
}

// Container is a Docker-in-microVM workload, optionally cold-started from
// a RuntimeSnapshot matching its ImageRef.
type Container struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	ImageRef          string            `json:"image_ref"`
	Command           []string          `json:"command,omitempty"`
	Args              []string          `json:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	VolumeMounts      []VolumeMount     `json:"volume_mounts,omitempty"`
	PortMappings      []PortMapping     `json:"port_mappings,omitempty"`
	CPUCap            int               `json:"cpu_cap,omitempty"`
	MemCapMiB         int               `json:"mem_cap_mib,omitempty"`
	RestartPolicy     string            `json:"restart_policy,omitempty"` // "no" | "always" | "on-failure"
	State             string            `json:"state"`
	ContainerRuntimeID string           `json:"container_runtime_id,omitempty"`
	HostID            string            `json:"host_id"`
	VMID              string            `json:"vm_id,omitempty"`
	BootMethod        string            `json:"boot_method,omitempty"`
	CreatedByUserID   *string           `json:"created_by_user_id,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Function lifecycle states.
const (
	FunctionCreating  = "creating"
	FunctionBooting   = "booting"
	FunctionDeploying = "deploying"
	FunctionReady     = "ready"
	FunctionError     = "error"
	FunctionStopped   = "stopped"
	FunctionFailed    = "failed"
	FunctionCrashed   = "crashed"
)

// Function runtime tags.
const (
	RuntimeNode   = "node"
	RuntimePython = "python"
	RuntimeGo     = "go"
	RuntimeRust   = "rust"
)

// Function is a single-invocation workload executed inside a backing VM,
// typically cold-started from a warm RuntimeSnapshot for the matching
// runtime tag.
type Function struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Runtime         string            `json:"runtime"`
	CodeBlob        []byte            `json:"-"`
	Handler         string            `json:"handler"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	MemMiB          int               `json:"mem_mib"`
	VCPUs           int               `json:"vcpus"`
	Env             map[string]string `json:"env,omitempty"`
	BackingVMID     *string           `json:"backing_vm_id,omitempty"`
	GuestIP         string            `json:"guest_ip,omitempty"`
	ListenPort      int               `json:"listen_port,omitempty"`
	State           string            `json:"state"`
	CreatedByUserID *string           `json:"created_by_user_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastInvokedAt   *time.Time        `json:"last_invoked_at,omitempty"`
}

// CompatibleForFunction reports whether a VM's state allows a Function to
// bind to it as a backing VM (invariant I2).
func CompatibleForFunction(vmState string) bool {
	return vmState == VMBooting || vmState == VMRunning
}

// ContainerMetrics is an append-only time-series row in the metrics schema.
type ContainerMetrics struct {
	ID          int64     `json:"id" db:"id"`
	ContainerID string    `json:"container_id" db:"container_id"`
	CPUUsedPct  float64   `json:"cpu_used_pct" db:"cpu_used_pct"`
	MemUsedMiB  int       `json:"mem_used_mib" db:"mem_used_mib"`
	RecordedAt  time.Time `json:"recorded_at" db:"recorded_at"`
}
