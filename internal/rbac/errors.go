package rbac

import "errors"

var (
	// ErrUnauthenticated is returned for requests without a resolvable principal.
	ErrUnauthenticated = errors.New("rbac: unauthenticated")
	// ErrInactivePrincipal is returned when the principal has been deactivated.
	ErrInactivePrincipal = errors.New("rbac: principal inactive")
	// ErrPermissionDenied is returned when no allow rule matches.
	ErrPermissionDenied = errors.New("rbac: permission denied")
	// ErrDecisionMismatch is returned when a decision is presented for a
	// different module or action than the operation requires.
	ErrDecisionMismatch = errors.New("rbac: decision does not cover operation")
	// ErrPrincipalNotFound is returned by principal stores for unknown ids.
	ErrPrincipalNotFound = errors.New("rbac: principal not found")

	ErrUnknownRole   = errors.New("rbac: unknown role")
	ErrUnknownModule = errors.New("rbac: unknown module")
	ErrUnknownAction = errors.New("rbac: unknown action")
	// ErrInvalidPolicy wraps every policy compilation failure.
	ErrInvalidPolicy = errors.New("rbac: invalid policy")
)
