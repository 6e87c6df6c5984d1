// Package models - company_member.go defines company membership and the role
// a member holds within the company.
package models

import "time"

// Role is a member's standing within a company.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// CompanyMember is the (company, user) pair that grants repository access.
type CompanyMember struct {
	CompanyID string    `json:"company_id" db:"company_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Role      Role      `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// HasRole reports whether the member holds any of roles.
func (m *CompanyMember) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if m.Role == r {
			return true
		}
	}
	return false
}

// UserCompany is a membership joined with the company it belongs to.
type UserCompany struct {
	CompanyID   string    `json:"company_id" db:"company_id"`
	CompanyName string    `json:"company_name" db:"company_name"`
	Role        Role      `json:"role" db:"role"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
