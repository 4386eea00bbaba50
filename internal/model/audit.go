package model

import "time"

// AuditLog is an append-only record of a state-changing API call, stored
// in the isolated audit schema. UserID is SET NULL if the user is later
// deleted; Username is copied at write time so the record stays readable.
type AuditLog struct {
	ID           int64     `json:"id" db:"id"`
	UserID       *string   `json:"user_id,omitempty" db:"user_id"`
	Username     string    `json:"username,omitempty" db:"username"`
	Action       string    `json:"action" db:"action"`
	ResourceType string    `json:"resource_type" db:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty" db:"resource_id"`
	Detail       string    `json:"detail,omitempty" db:"detail"` // JSON-encoded request/response detail
	IP           string    `json:"ip,omitempty" db:"ip"`
	Success      bool      `json:"success" db:"success"`
	ErrorMessage string    `json:"error_message,omitempty" db:"error_message"`
	RecordedAt   time.Time `json:"recorded_at" db:"recorded_at"`
}
