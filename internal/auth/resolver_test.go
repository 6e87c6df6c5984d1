package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foldersync/foldersync/internal/db/models"
)

// fakeSessions is an in-memory SessionLookup.
type fakeSessions struct {
	byToken map[string]*models.Session
	err     error
	calls   int
}

func (f *fakeSessions) Lookup(_ context.Context, token string) (*models.Session, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.byToken[token], nil
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{byToken: map[string]*models.Session{
		"good": {Token: "good", UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)},
	}}
}

func TestResolver_ResolveBasic(t *testing.T) {
	r := NewResolver(newFakeSessions())

	id := r.ResolveBasic(context.Background(), basic("whoever:good"))
	if id == nil || id.UserID != "user-1" {
		t.Fatalf("ResolveBasic(valid) = %+v, want user-1", id)
	}

	cases := map[string]string{
		"missing":   "",
		"malformed": "Basic %%%",
		"unknown":   basic("u:nope"),
		"bearer":    "Bearer good",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			if id := r.ResolveBasic(context.Background(), header); id != nil {
				t.Errorf("ResolveBasic(%q) = %+v, want nil", header, id)
			}
		})
	}
}

func TestResolver_ResolveHeaderAcceptsBearer(t *testing.T) {
	r := NewResolver(newFakeSessions())
	id := r.ResolveHeader(context.Background(), "Bearer good")
	if id == nil || id.UserID != "user-1" {
		t.Errorf("ResolveHeader(bearer) = %+v, want user-1", id)
	}
}

func TestResolver_StoreErrorIsAbsentIdentity(t *testing.T) {
	fs := newFakeSessions()
	fs.err = errors.New("db unavailable")
	r := NewResolver(fs)

	if id := r.ResolveBasic(context.Background(), basic("u:good")); id != nil {
		t.Errorf("ResolveBasic with store error = %+v, want nil", id)
	}
	if fs.calls != 1 {
		t.Errorf("lookup calls = %d, want 1", fs.calls)
	}
}

func TestResolver_MalformedSkipsLookup(t *testing.T) {
	fs := newFakeSessions()
	r := NewResolver(fs)
	r.ResolveBasic(context.Background(), "Basic")
	if fs.calls != 0 {
		t.Errorf("lookup calls = %d, want 0 for malformed header", fs.calls)
	}
}
