// Package models - company.go defines the Company model. A company is the tenant
// unit: it owns exactly one bare repository and a member list.
package models

import "time"

// Company represents a tenant. RepoPath is recorded when the bare repository
// is first created and never changes afterwards.
type Company struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Slug      string    `json:"slug" db:"slug"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	RepoPath  *string   `json:"repo_path,omitempty" db:"repo_path"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasRepository reports whether a bare repository path has been recorded.
func (c *Company) HasRepository() bool {
	return c.RepoPath != nil && *c.RepoPath != ""
}
