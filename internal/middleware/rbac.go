package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/foldersync/foldersync/internal/db/models"
	"github.com/foldersync/foldersync/internal/gitrepo"
	"github.com/gin-gonic/gin"
)

// RepositoryChecker reports whether a tenant has a bare repository.
type RepositoryChecker interface {
	Exists(tenantID string) (bool, error)
}

// MemberLookup finds a user's membership of a company; nil means none.
type MemberLookup interface {
	GetMember(ctx context.Context, companyID, userID string) (*models.CompanyMember, error)
}

// TenantAccessOptions configures RequireTenantAccess.
type TenantAccessOptions struct {
	// Param is the route parameter naming the tenant.
	Param string
	// Suffix is stripped from the parameter before it is sanitized, so
	// "acme.git" names tenant "acme".
	Suffix string
	// RequireRepository answers 404 when the tenant has no bare repository.
	RequireRepository bool
	// ConcealExistence answers 404 rather than 403 to non-members, so
	// strangers cannot probe which tenants exist.
	ConcealExistence bool
}

// RequireTenantAccess resolves the tenant from the route and admits only its
// members. Checks run in order: malformed id 400, missing repository 404,
// missing membership 403. It must run after an auth middleware.
func RequireTenantAccess(repos RepositoryChecker, members MemberLookup, opts TenantAccessOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := gitrepo.TenantFromSegment(c.Param(opts.Param), opts.Suffix)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid repository name"})
			return
		}
		userID := c.GetString(UserIDKey)

		notFound := func() {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Repository not found"})
		}

		if opts.RequireRepository {
			exists, err := repos.Exists(tenantID)
			if err != nil {
				slog.Error("checking repository existence", "tenant_id", tenantID, "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
				return
			}
			if !exists {
				notFound()
				return
			}
		}

		member, err := members.GetMember(c.Request.Context(), tenantID, userID)
		if err != nil {
			slog.Error("loading membership", "tenant_id", tenantID, "user_id", userID, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		if member == nil {
			if opts.ConcealExistence {
				notFound()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Not a member of this company"})
			return
		}

		c.Set(TenantIDKey, tenantID)
		c.Set(MembershipKey, member)
		c.Next()
	}
}

// MembershipFromContext returns the membership stored by RequireTenantAccess.
func MembershipFromContext(c *gin.Context) (*models.CompanyMember, bool) {
	v, ok := c.Get(MembershipKey)
	if !ok {
		return nil, false
	}
	m, ok := v.(*models.CompanyMember)
	return m, ok && m != nil
}

// RequireTenantRole admits members holding one of roles.
func RequireTenantRole(roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		member, ok := MembershipFromContext(c)
		if !ok || !member.HasRole(roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			return
		}
		c.Next()
	}
}

// RequireOperator admits users for which isOperator returns true.
func RequireOperator(isOperator func(userID string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(UserIDKey)
		if userID == "" || !isOperator(userID) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Operator access required"})
			return
		}
		c.Next()
	}
}
