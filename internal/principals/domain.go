package principals

import (
	"fmt"
	"time"

	"github.com/phc-his/his/internal/platform/httpx"
	"github.com/phc-his/his/internal/rbac"
)

// Staff is a provisioned account. Rows are never deleted; deactivation is
// a flag so audit records keep resolving to a person.
type Staff struct {
	ID            int64      `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Role          rbac.Role  `json:"role"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// Principal projects the account onto what the gate evaluates.
func (s Staff) Principal() rbac.Principal {
	return rbac.Principal{ID: s.ID, Role: s.Role, Active: s.Active}
}

// ProvisionInput carries a new account.
type ProvisionInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Name     string `json:"name" validate:"required,max=120"`
	Role     string `json:"role" validate:"required"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// ListFilter narrows staff listings.
type ListFilter struct {
	Role       rbac.Role
	ActiveOnly bool
	Page       int
	PerPage    int
}

var (
	// ErrSelfDeactivation rejects a principal deactivating their own account.
	ErrSelfDeactivation = fmt.Errorf("%w: cannot deactivate own account", httpx.ErrConflict)
	// ErrAlreadyInState is returned when a change would not change anything.
	ErrAlreadyInState = fmt.Errorf("%w: account already in requested state", httpx.ErrConflict)
)
