// Package auth implements bearer-token issuance and the role-based access
// control matrix for the Manager API (spec.md §4.2, §9).
package auth

import (
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/store"
)

// Action is one mutating or read verb the RBAC matrix is checked against.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin" // token issuance, user management
)

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the principal holds the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role == model.RoleAdmin
}

// Allowed reports whether a principal's role may perform action, per the
// permission matrix in spec.md §6: admin can do anything; user can read and
// write (subject to ownership filtering applied separately); viewer can
// only read.
func Allowed(role string, action Action) bool {
	switch role {
	case model.RoleAdmin:
		return true
	case model.RoleUser:
		return action == ActionRead || action == ActionWrite
	case model.RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// FilterFor builds a store.Filter applying the ownership predicate from
// spec.md §9: a non-admin principal sees created_by_user_id = self OR NULL.
// This is handed to the store layer so it becomes a SQL predicate, never a
// post-fetch filter (pagination/counts stay correct).
func FilterFor(p Principal, limit, offset int) store.Filter {
	return store.Filter{
		OwnerUserID: p.UserID,
		IsAdmin:     p.IsAdmin(),
		Limit:       limit,
		Offset:      offset,
	}
}
