// Package apierr maps repository and folder errors onto REST responses.
package apierr

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/foldersync/foldersync/internal/gitrepo"
	"github.com/foldersync/foldersync/internal/middleware"
	"github.com/gin-gonic/gin"
)

// Status returns the HTTP status for err.
func Status(err error) int {
	switch {
	case errors.Is(err, gitrepo.ErrRepositoryNotFound), errors.Is(err, gitrepo.ErrFolderNotFound):
		return http.StatusNotFound
	case errors.Is(err, gitrepo.ErrInvalidTenantID), errors.Is(err, gitrepo.ErrInvalidFolderPath):
		return http.StatusBadRequest
	case errors.Is(err, gitrepo.ErrFolderExists):
		return http.StatusConflict
	case errors.Is(err, gitrepo.ErrNoArchiver):
		return http.StatusNotImplemented
	case errors.Is(err, gitrepo.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-facing text for err. Server errors get a
// generic message; their detail stays in the log.
func Message(err error) string {
	switch Status(err) {
	case http.StatusNotFound:
		if errors.Is(err, gitrepo.ErrFolderNotFound) {
			return "Folder not found"
		}
		return "Repository not found"
	case http.StatusBadRequest:
		return err.Error()
	case http.StatusConflict:
		return "Folder already exists"
	case http.StatusNotImplemented:
		return "Repository backups are not configured"
	case http.StatusServiceUnavailable:
		return "Repository busy, try again later"
	default:
		return "Internal server error"
	}
}

// Abort writes the response for err and logs server-side failures.
func Abort(c *gin.Context, op string, err error) {
	status := Status(err)
	if status >= http.StatusInternalServerError {
		slog.Error(op+" failed",
			"tenant_id", c.GetString(middleware.TenantIDKey),
			"request_id", c.GetString(middleware.RequestIDKey),
			"error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": Message(err)})
}
