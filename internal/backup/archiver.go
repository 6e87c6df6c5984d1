package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/foldersync/foldersync/internal/gitrepo"
)

// Archiver bundles bare repositories with `git bundle create --all` and
// uploads the result to a Store under <tenant>/<UTC timestamp>.bundle.
type Archiver struct {
	git   *gitrepo.Git
	store Store
	now   func() time.Time
}

// NewArchiver returns an Archiver that runs git through g.
func NewArchiver(g *gitrepo.Git, store Store) *Archiver {
	return &Archiver{git: g, store: store, now: time.Now}
}

// Key returns the object key a bundle taken at t is stored under.
func Key(tenantID string, t time.Time) string {
	return path.Join(tenantID, t.UTC().Format("20060102T150405Z")+".bundle")
}

// Archive implements gitrepo.Archiver. A repository without refs has
// nothing to bundle and is skipped.
func (a *Archiver) Archive(ctx context.Context, tenantID, barePath string) error {
	refs, err := a.git.RunTrimmed(ctx, barePath, "for-each-ref", "--count=1", "--format=%(refname)")
	if err != nil {
		return fmt.Errorf("listing refs: %w", err)
	}
	if refs == "" {
		slog.Info("repository has no refs, skipping backup", "tenant_id", tenantID)
		return nil
	}

	tmp, err := os.MkdirTemp("", "foldersync-bundle-*")
	if err != nil {
		return fmt.Errorf("creating bundle dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	bundle := filepath.Join(tmp, "repo.bundle")
	if _, err := a.git.Run(ctx, barePath, "bundle", "create", bundle, "--all"); err != nil {
		return fmt.Errorf("creating bundle: %w", err)
	}

	f, err := os.Open(bundle)
	if err != nil {
		return fmt.Errorf("opening bundle: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat bundle: %w", err)
	}

	key := Key(tenantID, a.now())
	obj, err := a.store.Put(ctx, key, f, st.Size())
	if err != nil {
		return fmt.Errorf("uploading bundle: %w", err)
	}
	slog.Info("repository backed up", "tenant_id", tenantID, "key", obj.Key, "size", obj.Size)
	return nil
}

// ContentType is the media type bundles are uploaded with.
const ContentType = "application/x-git-bundle"
