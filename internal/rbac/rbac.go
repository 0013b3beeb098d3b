// Package rbac decides what a user may do with a course.
package rbac

import (
	"coursecore/api/internal/apperr"
	"coursecore/api/internal/store"
)

type Role string
type Action string

const (
	RoleNone   Role = "none"
	RoleReader Role = "reader"
	RoleOwner  Role = "owner"
)

const (
	ActionRead  Action = "read"
	ActionFork  Action = "fork"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleReader:
		return action == ActionRead || action == ActionFork
	default:
		return false
	}
}

// RoleFor returns userID's role on course. Owners hold every right; anyone
// may read and fork a public course.
func RoleFor(course store.Course, userID string) Role {
	switch {
	case userID != "" && course.OwnerID == userID:
		return RoleOwner
	case course.Public:
		return RoleReader
	default:
		return RoleNone
	}
}

// Authorize fails with Unauthorized when userID may not perform action.
func Authorize(course store.Course, userID string, action Action) error {
	role := RoleFor(course, userID)
	if Can(role, action) {
		return nil
	}
	return apperr.Unauthorized("user %q may not %s course %s", userID, action, course.ID).
		WithDetails(map[string]any{"courseId": course.ID, "action": action, "role": role})
}
