// Package domain contains entities without logic, just meta-data.
package domain

import "errors"

const MaxUsernameLen = 36

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID string

// Role is the account-level role issued by the auth collaborator.
// Whether a user is the GM of a room is a property of the room.
type Role string

const (
	RolePlayer Role = "PLAYER"
	RoleGM     Role = "GM"
	RoleAdmin  Role = "ADMIN"
)

type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in callers.
func NewUser(id UserID, username string, role Role) (*User, error) {
	if len(username) == 0 {
		return nil, ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	return &User{ID: id, Username: username, Role: role}, nil
}
