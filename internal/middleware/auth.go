// Package middleware provides Gin HTTP middleware for authentication, tenant
// access control, rate limiting, security headers and request metrics.
//
// Ordering is fixed in router.go:
//
//	RequestID → Metrics → Logger → Security → Auth → RateLimit → TenantAccess → Handler
//
// Security headers are set before any middleware can abort, so they appear
// on error responses too.
// Rate limiting runs after auth and is keyed by the authenticated user id, so
// tenants behind one NAT do not share a bucket. Requests without valid
// credentials are answered 401 by Auth and never reach the limiter.
// Auth stores the caller's user id; TenantAccess reads it.
package middleware

import (
	"context"
	"net/http"

	"github.com/foldersync/foldersync/internal/auth"
	"github.com/gin-gonic/gin"
)

// gin.Context keys set by the middleware in this package.
const (
	UserIDKey     = "user_id"
	AuthMethodKey = "auth_method"
	TenantIDKey   = "tenant_id"
	MembershipKey = "membership"
)

// basicChallenge makes git clients prompt for (or look up) credentials and retry.
const basicChallenge = `Basic realm="foldersync", charset="UTF-8"`

// IdentityResolver turns an Authorization header into a caller identity.
type IdentityResolver interface {
	ResolveBasic(ctx context.Context, header string) *auth.Identity
	ResolveHeader(ctx context.Context, header string) *auth.Identity
}

// GitBasicAuth authenticates git smart HTTP requests. The session token is
// the Basic password; the username is ignored. Failures get a 401 with a
// Basic challenge because git only sends credentials after one.
func GitBasicAuth(resolver IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := resolver.ResolveBasic(c.Request.Context(), c.GetHeader("Authorization"))
		if id == nil {
			c.Header("WWW-Authenticate", basicChallenge)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}

		c.Set(UserIDKey, id.UserID)
		c.Set(AuthMethodKey, "basic")
		c.Next()
	}
}

// RESTAuth authenticates API requests carrying the session token either as
// a Bearer token or as a Basic password.
func RESTAuth(resolver IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}

		id := resolver.ResolveHeader(c.Request.Context(), header)
		if id == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		c.Set(UserIDKey, id.UserID)
		c.Set(AuthMethodKey, "session")
		c.Next()
	}
}
