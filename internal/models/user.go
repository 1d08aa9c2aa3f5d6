package models

import "time"

const (
	RoleBuyer = "buyer"
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func ValidRole(role string) bool {
	switch role {
	case RoleBuyer, RoleAgent, RoleAdmin:
		return true
	default:
		return false
	}
}
