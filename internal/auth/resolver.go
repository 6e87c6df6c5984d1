package auth

import (
	"context"
	"log/slog"

	"github.com/foldersync/foldersync/internal/db/models"
)

// Identity is an authenticated caller.
type Identity struct {
	UserID string
}

// SessionLookup is the read side of the session store.
type SessionLookup interface {
	Lookup(ctx context.Context, token string) (*models.Session, error)
}

// Resolver turns Authorization headers into identities.
type Resolver struct {
	sessions SessionLookup
}

// NewResolver creates a resolver backed by sessions.
func NewResolver(sessions SessionLookup) *Resolver {
	return &Resolver{sessions: sessions}
}

// ResolveBasic resolves a Basic Authorization header as sent by git clients.
// It returns nil for every failure: absent, malformed, unknown or expired
// credentials, and store errors (which are logged here and go no further).
func (r *Resolver) ResolveBasic(ctx context.Context, header string) *Identity {
	token, ok := ParseBasicToken(header)
	if !ok {
		return nil
	}
	return r.ResolveToken(ctx, token)
}

// ResolveHeader is ResolveBasic that also accepts Bearer credentials.
func (r *Resolver) ResolveHeader(ctx context.Context, header string) *Identity {
	token, ok := TokenFromHeader(header)
	if !ok {
		return nil
	}
	return r.ResolveToken(ctx, token)
}

// ResolveToken looks up a bare session token.
func (r *Resolver) ResolveToken(ctx context.Context, token string) *Identity {
	if token == "" {
		return nil
	}
	session, err := r.sessions.Lookup(ctx, token)
	if err != nil {
		slog.Error("session lookup failed", "error", err)
		return nil
	}
	if session == nil || session.UserID == "" {
		return nil
	}
	return &Identity{UserID: session.UserID}
}
