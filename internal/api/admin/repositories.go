// repositories.go implements the repository lifecycle endpoints: per-company
// create, delete and backup, and the operator-only fleet maintenance sweeps.
package admin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/foldersync/foldersync/internal/api/apierr"
	"github.com/foldersync/foldersync/internal/db/models"
	"github.com/foldersync/foldersync/internal/gitrepo"
	"github.com/foldersync/foldersync/internal/middleware"
	"github.com/gin-gonic/gin"
)

// CompanyStore is the company persistence the handlers need.
type CompanyStore interface {
	GetByID(ctx context.Context, id string) (*models.Company, error)
	RecordRepoPath(ctx context.Context, id, repoPath string) (bool, error)
}

// RepositoryHandlers handles repository lifecycle endpoints
type RepositoryHandlers struct {
	repos     *gitrepo.Manager
	companies CompanyStore
}

// NewRepositoryHandlers creates a new RepositoryHandlers instance
func NewRepositoryHandlers(repos *gitrepo.Manager, companies CompanyStore) *RepositoryHandlers {
	return &RepositoryHandlers{repos: repos, companies: companies}
}

// CreateRepositoryHandler creates the company's bare repository. Repeating
// the call is harmless and answers 200 instead of 201.
// POST /api/v1/companies/:id/repository
func (h *RepositoryHandlers) CreateRepositoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString(middleware.TenantIDKey)

		company, err := h.companies.GetByID(c.Request.Context(), tenantID)
		if err != nil {
			slog.Error("loading company", "tenant_id", tenantID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load company"})
			return
		}
		if company == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Company not found"})
			return
		}

		result, err := h.repos.CreateBareRepository(c.Request.Context(), company.ID)
		if err != nil {
			apierr.Abort(c, "create repository", err)
			return
		}

		recorded, err := h.companies.RecordRepoPath(c.Request.Context(), company.ID, result.Path)
		if err != nil {
			// The repository exists; the next create call records the path.
			slog.Error("recording repository path", "tenant_id", company.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record repository"})
			return
		}
		if !recorded && company.HasRepository() && *company.RepoPath != result.Path {
			slog.Warn("recorded repository path differs from the configured location",
				"tenant_id", company.ID, "recorded", *company.RepoPath)
		}

		status := http.StatusCreated
		if result.AlreadyExisted {
			status = http.StatusOK
		}
		c.JSON(status, gin.H{
			"company_id":      company.ID,
			"already_existed": result.AlreadyExisted,
		})
	}
}

// DeleteRepositoryHandler irreversibly removes the company's repository and
// working copy.
// DELETE /api/v1/companies/:id/repository
func (h *RepositoryHandlers) DeleteRepositoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString(middleware.TenantIDKey)
		if err := h.repos.DeleteRepository(c.Request.Context(), tenantID); err != nil {
			apierr.Abort(c, "delete repository", err)
			return
		}
		slog.Info("repository deleted via API", "tenant_id", tenantID, "user_id", c.GetString(middleware.UserIDKey))
		c.Status(http.StatusNoContent)
	}
}

// BackupRepositoryHandler uploads a bundle of the repository to the backup store.
// POST /api/v1/companies/:id/repository/backup
func (h *RepositoryHandlers) BackupRepositoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString(middleware.TenantIDKey)
		if err := h.repos.Backup(c.Request.Context(), tenantID); err != nil {
			apierr.Abort(c, "backup repository", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"company_id": tenantID, "status": "backed_up"})
	}
}

// ReinstallHooksHandler rewrites the pre-receive hook in every repository.
// POST /api/v1/admin/repositories/reinstall-hooks
func (h *RepositoryHandlers) ReinstallHooksHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.repos.ReinstallHooksOnAllRepositories(c.Request.Context())
		writeReport(c, "reinstall hooks", report, err)
	}
}

// EnablePushHandler sets http.receivepack on every repository.
// POST /api/v1/admin/repositories/enable-push
func (h *RepositoryHandlers) EnablePushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.repos.EnablePushOnAllRepositories(c.Request.Context())
		writeReport(c, "enable push", report, err)
	}
}

func writeReport(c *gin.Context, op string, report *gitrepo.MaintenanceReport, err error) {
	if err != nil && report == nil {
		apierr.Abort(c, op, err)
		return
	}
	if err != nil {
		// Interrupted sweep: report what was done.
		slog.Warn(op+" interrupted", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Sweep interrupted", "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}
