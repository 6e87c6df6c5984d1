// membership_repository.go implements MembershipRepository, the lookup behind the
// repository access gate.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/foldersync/foldersync/internal/db/models"
)

// MembershipRepository handles database operations for company membership
type MembershipRepository struct {
	db *sql.DB
}

// NewMembershipRepository creates a new membership repository
func NewMembershipRepository(db *sql.DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

// GetMember retrieves a user's membership in a company. Not a member is (nil, nil).
func (r *MembershipRepository) GetMember(ctx context.Context, companyID, userID string) (*models.CompanyMember, error) {
	query := `
		SELECT company_id, user_id, role, created_at
		FROM company_members
		WHERE company_id = $1 AND user_id = $2
	`

	member := &models.CompanyMember{}
	err := r.db.QueryRowContext(ctx, query, companyID, userID).Scan(
		&member.CompanyID,
		&member.UserID,
		&member.Role,
		&member.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}

	return member, nil
}

// ListForUser returns every company the user belongs to, oldest membership first.
func (r *MembershipRepository) ListForUser(ctx context.Context, userID string) ([]*models.UserCompany, error) {
	query := `
		SELECT m.company_id, c.name, m.role, m.created_at
		FROM company_members m
		JOIN companies c ON c.id = m.company_id
		WHERE m.user_id = $1
		ORDER BY m.created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	out := make([]*models.UserCompany, 0)
	for rows.Next() {
		uc := &models.UserCompany{}
		if err := rows.Scan(&uc.CompanyID, &uc.CompanyName, &uc.Role, &uc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		out = append(out, uc)
	}

	return out, rows.Err()
}
