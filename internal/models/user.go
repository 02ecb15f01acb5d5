package models

type UserRole string

const (
	RoleUser UserRole = "user"
	// RoleService is carried by upstream modules allowed to publish events over HTTP.
	RoleService UserRole = "service"
)

func IsValidRole(role UserRole) bool {
	switch role {
	case RoleUser, RoleService:
		return true
	}
	return false
}

type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	IsActive bool   `json:"is_active"`
}
