package model

import "time"

// Snapshot lifecycle states.
const (
	SnapshotCreating = "creating"
	SnapshotReady    = "ready"
	SnapshotError    = "error"
	SnapshotDeleted  = "deleted"
)

// Snapshot is a point-in-time capture of a VM's memory + disk state,
// usable to restore a new VM without re-running guest boot.
type Snapshot struct {
	ID           string    `json:"id" db:"id"`
	VMID         string    `json:"vm_id" db:"vm_id"`
	SnapshotPath string    `json:"snapshot_path" db:"snapshot_path"`
	MemFilePath  string    `json:"mem_file_path" db:"mem_file_path"`
	SizeBytes    int64     `json:"size_bytes,omitempty" db:"size_bytes"`
	State        string    `json:"state" db:"state"`
	ErrorMessage string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// RuntimeSnapshot lifecycle states.
const (
	RuntimeSnapshotCreating  = "creating"
	RuntimeSnapshotReady     = "ready"
	RuntimeSnapshotUnhealthy = "unhealthy"
	RuntimeSnapshotDeleted   = "deleted"
)

// RuntimeSnapshot is a golden, paused-VM snapshot keyed by runtime image,
// used by the Runtime-Snapshot Cache to reduce container/function
// cold-start latency. Invariant I4: at most one RuntimeSnapshot per
// RuntimeImage may be in the "ready" state at a time (enforced by a
// partial-unique index in the store).
type RuntimeSnapshot struct {
	ID              string     `json:"id" db:"id"`
	RuntimeImage    string     `json:"runtime_image" db:"runtime_image"`
	SnapshotPath    string     `json:"snapshot_path" db:"snapshot_path"`
	State           string     `json:"state" db:"state"`
	VMMVersion      string     `json:"vmm_version" db:"vmm_version"`
	SuccessCount    int64      `json:"success_count" db:"success_count"`
	FailureCount    int64      `json:"failure_count" db:"failure_count"`
	CompressedBytes int64      `json:"compressed_bytes,omitempty" db:"compressed_bytes"`
	RawBytes        int64      `json:"raw_bytes,omitempty" db:"raw_bytes"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// Healthy reports whether the runtime snapshot is in the ready state and
// its recorded VMM version matches the running Agent's, per restore_vm's
// version-skew guard (spec.md §4.1).
func (r *RuntimeSnapshot) Healthy(runningVMMVersion string) bool {
	return r.State == RuntimeSnapshotReady && r.VMMVersion == runningVMMVersion
}
