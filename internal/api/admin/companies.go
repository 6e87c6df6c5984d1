// companies.go implements the caller's company listing.
package admin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/foldersync/foldersync/internal/db/models"
	"github.com/foldersync/foldersync/internal/middleware"
	"github.com/gin-gonic/gin"
)

// MembershipLister lists the companies a user belongs to.
type MembershipLister interface {
	ListForUser(ctx context.Context, userID string) ([]*models.UserCompany, error)
}

// ListMyCompaniesHandler lists the caller's companies with their role, so a
// client can discover which repositories it may clone.
// GET /api/v1/me/companies
func ListMyCompaniesHandler(members MembershipLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)
		companies, err := members.ListForUser(c.Request.Context(), userID)
		if err != nil {
			slog.Error("listing memberships", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list companies"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"companies": companies})
	}
}
