package model

import "time"

// Volume types and states.
const (
	VolumeRaw   = "raw"
	VolumeQCOW2 = "qcow2"
	VolumeExt4  = "ext4"

	VolumeAvailable = "available"
	VolumeAttached  = "attached"
	VolumeCreating  = "creating"
	VolumeError     = "error"
)

// Volume is a block-storage artifact on a Host, optionally attached to a VM.
type Volume struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	HostID    string    `json:"host_id" db:"host_id"`
	HostPath  string    `json:"host_path" db:"host_path"`
	SizeBytes int64     `json:"size_bytes" db:"size_bytes"`
	Type      string    `json:"type" db:"type"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// VolumeAttachment links a Volume to a VM drive slot.
type VolumeAttachment struct {
	ID       string `json:"id" db:"id"`
	VolumeID string `json:"volume_id" db:"volume_id"`
	VMID     string `json:"vm_id" db:"vm_id"`
	DriveID  string `json:"drive_id" db:"drive_id"`
}
