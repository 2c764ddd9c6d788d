package rbac

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("rbac: invalid input")
	ErrNotFound     = errors.New("rbac: not found")
	ErrConflict     = errors.New("rbac: resource conflict")
)

// ErrReservedRole rejects deletion of a system role.
var ErrReservedRole = errors.New("rbac: reserved role")

// PermissionError reports a failed permission check along with the
// permission names that were required, so callers can render a
// meaningful denial.
type PermissionError struct {
	Permissions []string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("rbac: permission denied (requires %v)", e.Permissions)
}

// Denied constructs a PermissionError for the given permission names.
func Denied(names ...string) error {
	return &PermissionError{Permissions: names}
}
