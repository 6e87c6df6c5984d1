// Package folders implements the folder-management REST API. Every change is
// made in the company's server-side working copy, committed and pushed to the
// bare repository, so git clients see it on their next fetch.
package folders

import (
	"context"
	"fmt"
	"net/http"

	"github.com/foldersync/foldersync/internal/api/apierr"
	"github.com/foldersync/foldersync/internal/gitrepo"
	"github.com/foldersync/foldersync/internal/middleware"
	"github.com/foldersync/foldersync/internal/telemetry"
	"github.com/gin-gonic/gin"
)

// Handlers serves folder operations for the tenant resolved by
// middleware.RequireTenantAccess.
type Handlers struct {
	repos *gitrepo.Manager
}

// NewHandlers creates folder handlers backed by repos.
func NewHandlers(repos *gitrepo.Manager) *Handlers {
	return &Handlers{repos: repos}
}

// CreateFolderRequest is the body of POST /folders.
type CreateFolderRequest struct {
	Path string `json:"path" binding:"required"`
}

// RenameFolderRequest is the body of POST /folders/rename.
type RenameFolderRequest struct {
	From string `json:"from" binding:"required"`
	To   string `json:"to" binding:"required"`
}

// change runs fn in the tenant's working copy and commits the result.
func (h *Handlers) change(c *gin.Context, operation, message string, fn func(wc *gitrepo.WorkingCopy) error) (*gitrepo.PushOutcome, error) {
	var outcome *gitrepo.PushOutcome
	err := h.repos.WithWorkingCopy(c.Request.Context(), c.GetString(middleware.TenantIDKey),
		func(ctx context.Context, wc *gitrepo.WorkingCopy) error {
			if err := fn(wc); err != nil {
				return err
			}
			var err error
			outcome, err = h.repos.CommitAndPush(ctx, wc, message)
			return err
		})
	telemetry.WorkingCopyOperationsTotal.WithLabelValues(operation, telemetry.Outcome(err)).Inc()
	return outcome, err
}

func author(c *gin.Context) string {
	return c.GetString(middleware.UserIDKey)
}

// ListFoldersHandler lists the working-copy tree.
// GET /api/v1/companies/:id/folders
func (h *Handlers) ListFoldersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var entries []gitrepo.Entry
		err := h.repos.WithWorkingCopy(c.Request.Context(), c.GetString(middleware.TenantIDKey),
			func(_ context.Context, wc *gitrepo.WorkingCopy) error {
				var err error
				entries, err = wc.Tree()
				return err
			})
		telemetry.WorkingCopyOperationsTotal.WithLabelValues("list", telemetry.Outcome(err)).Inc()
		if err != nil {
			apierr.Abort(c, "list folders", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

// CreateFolderHandler creates a folder holding a keep file.
// POST /api/v1/companies/:id/folders
func (h *Handlers) CreateFolderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateFolderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: path is required"})
			return
		}
		path, err := gitrepo.CleanFolderPath(req.Path)
		if err != nil {
			apierr.Abort(c, "create folder", err)
			return
		}

		outcome, err := h.change(c, "create_folder",
			fmt.Sprintf("Create folder %s\n\nRequested by %s", path, author(c)),
			func(wc *gitrepo.WorkingCopy) error { return wc.CreateFolder(path) })
		if err != nil {
			apierr.Abort(c, "create folder", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"path":       path,
			"commit":     outcome.Commit,
			"propagated": outcome.Propagated,
		})
	}
}

// RenameFolderHandler moves a folder.
// POST /api/v1/companies/:id/folders/rename
func (h *Handlers) RenameFolderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RenameFolderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: from and to are required"})
			return
		}
		from, err := gitrepo.CleanFolderPath(req.From)
		if err != nil {
			apierr.Abort(c, "rename folder", err)
			return
		}
		to, err := gitrepo.CleanFolderPath(req.To)
		if err != nil {
			apierr.Abort(c, "rename folder", err)
			return
		}

		outcome, err := h.change(c, "rename_folder",
			fmt.Sprintf("Rename folder %s to %s\n\nRequested by %s", from, to, author(c)),
			func(wc *gitrepo.WorkingCopy) error { return wc.RenameFolder(from, to) })
		if err != nil {
			apierr.Abort(c, "rename folder", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"from":       from,
			"to":         to,
			"commit":     outcome.Commit,
			"propagated": outcome.Propagated,
		})
	}
}

// DeleteFolderHandler removes a folder and its contents.
// DELETE /api/v1/companies/:id/folders?path=
func (h *Handlers) DeleteFolderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		path, err := gitrepo.CleanFolderPath(c.Query("path"))
		if err != nil {
			apierr.Abort(c, "delete folder", err)
			return
		}

		outcome, err := h.change(c, "delete_folder",
			fmt.Sprintf("Delete folder %s\n\nRequested by %s", path, author(c)),
			func(wc *gitrepo.WorkingCopy) error { return wc.DeleteFolder(path) })
		if err != nil {
			apierr.Abort(c, "delete folder", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"path":       path,
			"commit":     outcome.Commit,
			"propagated": outcome.Propagated,
		})
	}
}
