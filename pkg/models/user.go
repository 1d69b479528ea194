package models

import "time"

// Role is the account role of a user.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleUser    Role = "user"
	RolePending Role = "pending"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleUser, RolePending:
		return true
	}
	return false
}

// User is a user record together with its token account fields.
type User struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	Role                   Role      `json:"role"`
	APIKeyHash             string    `json:"-"`
	TokenBalance           int64     `json:"token_balance"`
	TotalTokensUsed        int64     `json:"total_tokens_used"`
	LastTokenReplenishTime time.Time `json:"last_token_replenish_time"`
	CreatedAt              time.Time `json:"created_at"`
}

// IsAdmin reports whether the user bypasses token checks.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
