package model

import "time"

// Template is a reusable VM spec that POST /v1/templates/{id}/instantiate
// clones into a new VM row with source_template_id set (spec.md §6).
type Template struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	VCPUs           int       `json:"vcpus" db:"vcpus"`
	MemMiB          int       `json:"mem_mib" db:"mem_mib"`
	KernelPath      string    `json:"kernel_path" db:"kernel_path"`
	RootfsPath      string    `json:"rootfs_path" db:"rootfs_path"`
	Tags            string    `json:"tags,omitempty" db:"tags"`
	CreatedByUserID *string   `json:"created_by_user_id,omitempty" db:"created_by_user_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
