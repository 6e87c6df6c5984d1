// session_repository.go implements SessionRepository. The server never writes
// sessions; it only resolves tokens that the login service issued.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/foldersync/foldersync/internal/db/models"
	"github.com/jmoiron/sqlx"
)

// SessionRepository reads the sessions table
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// GetActive returns the session for token if it exists and has not expired at
// now. Unknown and expired tokens are both (nil, nil).
func (r *SessionRepository) GetActive(ctx context.Context, token string, now time.Time) (*models.Session, error) {
	query := `
		SELECT token, user_id, expires_at, created_at
		FROM sessions
		WHERE token = $1 AND expires_at > $2
	`

	var s models.Session
	if err := r.db.GetContext(ctx, &s, query, token, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}
