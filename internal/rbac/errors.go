package rbac

import "errors"

var (
	ErrNotFound       = errors.New("rbac: not found")
	ErrConflict       = errors.New("rbac: resource conflict")
	ErrInvalidInput   = errors.New("rbac: invalid input")
	ErrForbidden      = errors.New("rbac: forbidden")
	ErrTenantMismatch = errors.New("rbac: tenant mismatch")
)
