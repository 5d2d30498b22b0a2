package auth

import (
	"errors"

	"github.com/phc-his/his/internal/rbac"
)

// Account is a staff member as seen by the login flow.
type Account struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         rbac.Role `json:"role"`
	Active       bool      `json:"active"`
}

var (
	// ErrInvalidToken covers malformed, expired and wrongly signed tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrWrongTokenKind rejects a refresh token used as access token and
	// vice versa.
	ErrWrongTokenKind = errors.New("auth: wrong token kind")
)
