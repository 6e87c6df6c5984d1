// company_repository.go implements CompanyRepository, the read path for companies
// and the one-time recording of a company's repository location.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/foldersync/foldersync/internal/db/models"
	"github.com/jmoiron/sqlx"
)

// CompanyRepository handles database operations for companies
type CompanyRepository struct {
	db *sqlx.DB
}

// NewCompanyRepository creates a new company repository
func NewCompanyRepository(db *sqlx.DB) *CompanyRepository {
	return &CompanyRepository{db: db}
}

// GetByID retrieves a company by ID. A missing company is (nil, nil).
func (r *CompanyRepository) GetByID(ctx context.Context, id string) (*models.Company, error) {
	query := `
		SELECT id, name, slug, owner_id, repo_path, created_at, updated_at
		FROM companies
		WHERE id = $1
	`

	var company models.Company
	if err := r.db.GetContext(ctx, &company, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get company: %w", err)
	}
	return &company, nil
}

// RecordRepoPath stores the bare repository path for a company if none has been
// recorded yet. It reports whether this call wrote the value; a company whose
// path is already set keeps it.
func (r *CompanyRepository) RecordRepoPath(ctx context.Context, id, repoPath string) (bool, error) {
	query := `
		UPDATE companies
		SET repo_path = $2, updated_at = NOW()
		WHERE id = $1 AND repo_path IS NULL
	`

	res, err := r.db.ExecContext(ctx, query, id, repoPath)
	if err != nil {
		return false, fmt.Errorf("failed to record repository path: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record repository path: %w", err)
	}
	return n > 0, nil
}
