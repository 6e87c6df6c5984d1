package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/foldersync/foldersync/internal/telemetry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Options configures a Manager.
type Options struct {
	ReposDir   string
	WorkdirDir string
	// Suffix is appended to the tenant id to name the bare repository directory.
	Suffix string
	// DefaultBranches are fast-forwarded in order; the first also names the
	// initial branch of new repositories.
	DefaultBranches []string
	WorkerPoolSize  int
	AuthorName      string
	AuthorEmail     string
	// BackupBeforeDelete archives a repository before DeleteRepository removes it.
	BackupBeforeDelete bool
}

// Archiver stores a copy of a bare repository somewhere durable.
type Archiver interface {
	Archive(ctx context.Context, tenantID, barePath string) error
}

// Manager creates and maintains bare repositories and working copies.
// Working-copy operations for one tenant never overlap, and at most
// WorkerPoolSize of them run at once across all tenants.
type Manager struct {
	opts     Options
	git      *Git
	hooks    *HookInstaller
	archiver Archiver

	locks *keyLock
	pool  *semaphore.Weighted
}

// CreateResult describes the outcome of CreateBareRepository.
type CreateResult struct {
	Path           string
	AlreadyExisted bool
}

// PushOutcome describes the outcome of CommitAndPush. The commit always
// exists in the working copy; Propagated reports whether the bare
// repository received it too.
type PushOutcome struct {
	Commit     string
	Propagated bool
}

// WorkingCopy is a checked-out clone of a tenant's bare repository.
type WorkingCopy struct {
	TenantID string
	Path     string
	BarePath string
}

// MaintenanceReport summarises a fleet-wide sweep.
type MaintenanceReport struct {
	Total     int             `json:"total"`
	Succeeded int             `json:"succeeded"`
	Failed    []RepositoryErr `json:"failed,omitempty"`
}

// RepositoryErr is one repository that a sweep could not update.
type RepositoryErr struct {
	TenantID string `json:"tenant_id"`
	Error    string `json:"error"`
}

// NewManager creates a Manager. Directory options are made absolute so the
// working copies' remote URLs are stable regardless of the process cwd.
func NewManager(opts Options, git *Git, hooks *HookInstaller) (*Manager, error) {
	var err error
	if opts.ReposDir, err = filepath.Abs(opts.ReposDir); err != nil {
		return nil, fmt.Errorf("resolving repos dir: %w", err)
	}
	if opts.WorkdirDir, err = filepath.Abs(opts.WorkdirDir); err != nil {
		return nil, fmt.Errorf("resolving workdir dir: %w", err)
	}
	if len(opts.DefaultBranches) == 0 {
		opts.DefaultBranches = []string{"main", "master"}
	}
	if opts.WorkerPoolSize < 1 {
		opts.WorkerPoolSize = 1
	}
	if opts.AuthorName == "" {
		opts.AuthorName = "foldersync"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "foldersync@localhost"
	}

	return &Manager{
		opts:  opts,
		git:   git,
		hooks: hooks,
		locks: newKeyLock(),
		pool:  semaphore.NewWeighted(int64(opts.WorkerPoolSize)),
	}, nil
}

// SetArchiver configures where DeleteRepository and Backup send archives.
func (m *Manager) SetArchiver(a Archiver) {
	m.archiver = a
}

// Git returns the runner used for repository commands.
func (m *Manager) Git() *Git { return m.git }

// ReposDir returns the absolute root holding bare repositories.
func (m *Manager) ReposDir() string { return m.opts.ReposDir }

// Suffix returns the bare repository directory suffix.
func (m *Manager) Suffix() string { return m.opts.Suffix }

// BarePath returns REPOS_DIR/<sanitized id><suffix>.
func (m *Manager) BarePath(tenantID string) (string, error) {
	id := Sanitize(tenantID)
	if id == "" {
		return "", ErrInvalidTenantID
	}
	return filepath.Join(m.opts.ReposDir, id+m.opts.Suffix), nil
}

// WorkPath returns WORKDIR_DIR/<sanitized id>.
func (m *Manager) WorkPath(tenantID string) (string, error) {
	id := Sanitize(tenantID)
	if id == "" {
		return "", ErrInvalidTenantID
	}
	return filepath.Join(m.opts.WorkdirDir, id), nil
}

// Exists reports whether the tenant has a bare repository.
func (m *Manager) Exists(tenantID string) (bool, error) {
	path, err := m.BarePath(tenantID)
	if err != nil {
		return false, err
	}
	return isDir(path), nil
}

// CreateBareRepository initialises an empty bare repository for the tenant,
// enables push over HTTP and installs the pre-receive hook. Creating an
// existing repository succeeds with AlreadyExisted set and changes nothing.
func (m *Manager) CreateBareRepository(ctx context.Context, tenantID string) (*CreateResult, error) {
	id := Sanitize(tenantID)
	path, err := m.BarePath(id)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locks.Lock(ctx, "bare:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := os.Stat(path); err == nil {
		return &CreateResult{Path: path, AlreadyExisted: true}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("checking repository path: %w", err)
	}

	if err := os.MkdirAll(m.opts.ReposDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating repos dir: %w", err)
	}

	if err := m.initBare(ctx, path); err != nil {
		// A partial repository would make the next call report AlreadyExisted.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			slog.Error("failed to remove partially created repository", "tenant_id", id, "error", rmErr)
		}
		return nil, err
	}

	slog.Info("bare repository created", "tenant_id", id, "path", path)
	return &CreateResult{Path: path}, nil
}

func (m *Manager) initBare(ctx context.Context, path string) error {
	if _, err := m.git.Run(ctx, "", "init", "--bare", "--quiet", path); err != nil {
		return err
	}
	if _, err := m.git.Run(ctx, path, "symbolic-ref", "HEAD", "refs/heads/"+m.opts.DefaultBranches[0]); err != nil {
		return err
	}
	if err := m.enablePush(ctx, path); err != nil {
		return err
	}
	return m.installHook(path)
}

func (m *Manager) enablePush(ctx context.Context, barePath string) error {
	_, err := m.git.Run(ctx, barePath, "config", "http.receivepack", "true")
	return err
}

func (m *Manager) installHook(barePath string) error {
	err := m.hooks.Install(barePath)
	telemetry.HookInstallsTotal.WithLabelValues(telemetry.Outcome(err)).Inc()
	return err
}

// ListRepositories returns the tenant ids of every bare repository under
// REPOS_DIR, sorted.
func (m *Manager) ListRepositories() ([]string, error) {
	entries, err := os.ReadDir(m.opts.ReposDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing repositories: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasSuffix(name, m.opts.Suffix) {
			continue
		}
		id := strings.TrimSuffix(name, m.opts.Suffix)
		if id == "" || Sanitize(id) != id {
			continue
		}
		if !isFile(filepath.Join(m.opts.ReposDir, name, "HEAD")) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ReinstallHooksOnAllRepositories rewrites the pre-receive hook in every bare
// repository. Hooks are copies, so this must run whenever the hook template
// or the pattern file location changes.
func (m *Manager) ReinstallHooksOnAllRepositories(ctx context.Context) (*MaintenanceReport, error) {
	return m.sweep(ctx, "reinstall hooks", func(_ context.Context, barePath string) error {
		return m.installHook(barePath)
	})
}

// EnablePushOnAllRepositories sets http.receivepack on every bare repository.
// Repositories created before push over HTTP was enabled need it once.
func (m *Manager) EnablePushOnAllRepositories(ctx context.Context) (*MaintenanceReport, error) {
	return m.sweep(ctx, "enable push", m.enablePush)
}

func (m *Manager) sweep(ctx context.Context, what string, fn func(ctx context.Context, barePath string) error) (*MaintenanceReport, error) {
	ids, err := m.ListRepositories()
	if err != nil {
		return nil, err
	}

	report := &MaintenanceReport{Total: len(ids)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.WorkerPoolSize)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			path, _ := m.BarePath(id)
			err := fn(gctx, path)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("repository maintenance failed", "operation", what, "tenant_id", id, "error", err)
				report.Failed = append(report.Failed, RepositoryErr{TenantID: id, Error: err.Error()})
				return nil
			}
			report.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].TenantID < report.Failed[j].TenantID })
	slog.Info("repository maintenance finished", "operation", what,
		"total", report.Total, "succeeded", report.Succeeded, "failed", len(report.Failed))
	return report, ctx.Err()
}

// Backup archives the tenant's bare repository with the configured Archiver.
func (m *Manager) Backup(ctx context.Context, tenantID string) error {
	if m.archiver == nil {
		return ErrNoArchiver
	}
	path, err := m.BarePath(tenantID)
	if err != nil {
		return err
	}
	if !isDir(path) {
		return ErrRepositoryNotFound
	}
	err = m.archiver.Archive(ctx, Sanitize(tenantID), path)
	telemetry.RepositoryBackupsTotal.WithLabelValues(telemetry.Outcome(err)).Inc()
	return err
}

// DeleteRepository removes the tenant's bare repository and working copy.
// It is irreversible; with BackupBeforeDelete a failed backup aborts it.
func (m *Manager) DeleteRepository(ctx context.Context, tenantID string) error {
	id := Sanitize(tenantID)
	barePath, err := m.BarePath(id)
	if err != nil {
		return err
	}
	workPath, _ := m.WorkPath(id)

	unlockBare, err := m.locks.Lock(ctx, "bare:"+id)
	if err != nil {
		return err
	}
	defer unlockBare()
	unlockWork, err := m.locks.Lock(ctx, "work:"+id)
	if err != nil {
		return err
	}
	defer unlockWork()

	if !isDir(barePath) {
		return ErrRepositoryNotFound
	}

	if m.opts.BackupBeforeDelete {
		if err := m.Backup(ctx, id); err != nil {
			return fmt.Errorf("backup before delete: %w", err)
		}
	}

	if err := os.RemoveAll(workPath); err != nil {
		return fmt.Errorf("removing working copy: %w", err)
	}
	if err := os.RemoveAll(barePath); err != nil {
		return fmt.Errorf("removing repository: %w", err)
	}
	slog.Info("repository deleted", "tenant_id", id)
	return nil
}

// WithWorkingCopy prepares the tenant's working copy and runs fn while
// holding the tenant's exclusive region and a worker pool slot. Both waits
// end early if ctx is cancelled.
func (m *Manager) WithWorkingCopy(ctx context.Context, tenantID string, fn func(ctx context.Context, wc *WorkingCopy) error) error {
	id := Sanitize(tenantID)
	if id == "" {
		return ErrInvalidTenantID
	}

	unlock, err := m.locks.Lock(ctx, "work:"+id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.pool.Release(1)

	wc, err := m.GetOrCreateWorkingCopy(ctx, id)
	if err != nil {
		return err
	}
	return fn(ctx, wc)
}

// GetOrCreateWorkingCopy returns a working copy that mirrors the tenant's
// bare repository. A missing or unusable working copy is cloned afresh. An
// existing one is first cleared of whatever an interrupted operation left
// behind (lock files, a half-done rebase, uncommitted changes), has its
// origin pointed back at the bare repository if it drifted, and is then
// synchronised with origin: fast-forwarded when behind, rebased when local
// commits and pushed commits have diverged. Local commits are pushed again.
//
// Callers outside WithWorkingCopy must provide their own serialisation.
func (m *Manager) GetOrCreateWorkingCopy(ctx context.Context, tenantID string) (*WorkingCopy, error) {
	id := Sanitize(tenantID)
	barePath, err := m.BarePath(id)
	if err != nil {
		return nil, err
	}
	if !isDir(barePath) {
		return nil, ErrRepositoryNotFound
	}
	workPath, _ := m.WorkPath(id)
	wc := &WorkingCopy{TenantID: id, Path: workPath, BarePath: barePath}

	if !m.isWorkingCopy(ctx, workPath) {
		if err := m.clone(ctx, wc); err != nil {
			telemetry.WorkingCopyOperationsTotal.WithLabelValues("clone", "error").Inc()
			return nil, err
		}
		telemetry.WorkingCopyOperationsTotal.WithLabelValues("clone", "ok").Inc()
		return wc, nil
	}

	if err := m.clearInterrupted(ctx, wc); err != nil {
		return nil, err
	}
	if err := m.repairOrigin(ctx, wc); err != nil {
		return nil, err
	}
	m.syncWithOrigin(ctx, wc)
	return wc, nil
}

func (m *Manager) isWorkingCopy(ctx context.Context, workPath string) bool {
	if !isDir(workPath) {
		return false
	}
	top, err := m.git.RunTrimmed(ctx, workPath, "rev-parse", "--show-toplevel")
	if err != nil {
		return false
	}
	return samePath(top, workPath)
}

func (m *Manager) clone(ctx context.Context, wc *WorkingCopy) error {
	if err := os.RemoveAll(wc.Path); err != nil {
		return fmt.Errorf("clearing working copy: %w", err)
	}
	if err := os.MkdirAll(m.opts.WorkdirDir, 0o755); err != nil {
		return fmt.Errorf("creating workdir dir: %w", err)
	}
	if _, err := m.git.Run(ctx, "", "clone", "--quiet", "--no-hardlinks", wc.BarePath, wc.Path); err != nil {
		return err
	}
	// Cloning an empty repository leaves HEAD on the client's default branch name.
	if !m.hasCommits(ctx, wc.Path) {
		if _, err := m.git.Run(ctx, wc.Path, "symbolic-ref", "HEAD", "refs/heads/"+m.opts.DefaultBranches[0]); err != nil {
			return err
		}
	}
	slog.Info("working copy cloned", "tenant_id", wc.TenantID)
	return nil
}

// clearInterrupted undoes what a git process killed mid-operation leaves in
// the working copy. It must run inside the tenant's exclusive region: no
// other git process can own the lock files it removes.
func (m *Manager) clearInterrupted(ctx context.Context, wc *WorkingCopy) error {
	gitDir := filepath.Join(wc.Path, ".git")
	for _, lock := range []string{"index.lock", "HEAD.lock"} {
		err := os.Remove(filepath.Join(gitDir, lock))
		if err == nil {
			slog.Warn("removed stale git lock from working copy", "tenant_id", wc.TenantID, "lock", lock)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing stale %s: %w", lock, err)
		}
	}

	for _, dir := range []string{"rebase-merge", "rebase-apply"} {
		if !isDir(filepath.Join(gitDir, dir)) {
			continue
		}
		slog.Warn("aborting interrupted rebase in working copy", "tenant_id", wc.TenantID)
		if _, err := m.git.Run(ctx, wc.Path, "rebase", "--abort"); err != nil {
			if err := os.RemoveAll(filepath.Join(gitDir, dir)); err != nil {
				return fmt.Errorf("removing %s: %w", dir, err)
			}
		}
	}

	if m.hasCommits(ctx, wc.Path) {
		if _, err := m.git.Run(ctx, wc.Path, "reset", "--hard", "--quiet", "HEAD"); err != nil {
			return err
		}
	}
	_, err := m.git.Run(ctx, wc.Path, "clean", "-fdq")
	return err
}

func (m *Manager) repairOrigin(ctx context.Context, wc *WorkingCopy) error {
	current, err := m.git.RunTrimmed(ctx, wc.Path, "config", "--get", "remote.origin.url")
	if err != nil {
		// No origin at all.
		_, err = m.git.Run(ctx, wc.Path, "remote", "add", "origin", wc.BarePath)
		return err
	}
	if current == wc.BarePath {
		return nil
	}
	slog.Warn("working copy remote drifted, repairing", "tenant_id", wc.TenantID, "was", current, "now", wc.BarePath)
	_, err = m.git.Run(ctx, wc.Path, "remote", "set-url", "origin", wc.BarePath)
	return err
}

// syncWithOrigin fetches the bare repository, brings the working copy level
// with it and pushes local commits on top. Local commits that cannot be
// rebased onto what clients pushed are discarded in favour of origin. It
// reports whether every local commit reached the bare repository.
func (m *Manager) syncWithOrigin(ctx context.Context, wc *WorkingCopy) bool {
	if _, err := m.git.Run(ctx, wc.Path, "fetch", "--quiet", "--prune", "origin"); err != nil {
		slog.Warn("fetching from bare repository failed", "tenant_id", wc.TenantID, "error", err)
		return false
	}

	branch, upstream := m.upstream(ctx, wc.Path)
	if upstream == "" {
		// Nothing pushed yet: whatever the working copy holds is new.
		if !m.hasCommits(ctx, wc.Path) {
			return true
		}
		return m.pushPending(ctx, wc, "HEAD")
	}
	if !m.hasCommits(ctx, wc.Path) {
		_, err := m.git.Run(ctx, wc.Path, "reset", "--hard", "--quiet", upstream)
		return err == nil
	}

	behind, ahead, err := m.divergence(ctx, wc.Path, upstream)
	if err != nil {
		slog.Warn("comparing working copy with origin failed", "tenant_id", wc.TenantID, "error", err)
		return false
	}

	switch {
	case ahead == 0 && behind == 0:
		return true
	case ahead == 0:
		_, err := m.git.Run(ctx, wc.Path, "merge", "--ff-only", "--quiet", upstream)
		if err != nil {
			slog.Warn("fast-forward from origin failed", "tenant_id", wc.TenantID, "error", err)
		}
		return err == nil
	case behind > 0:
		if !m.rebaseOnto(ctx, wc, upstream, ahead) {
			return false
		}
	}
	return m.pushPending(ctx, wc, "HEAD:refs/heads/"+branch)
}

// upstream returns the first default branch present in origin and its
// remote-tracking ref, or empty strings when origin has none of them.
func (m *Manager) upstream(ctx context.Context, workPath string) (branch, ref string) {
	for _, b := range m.opts.DefaultBranches {
		ref := "refs/remotes/origin/" + b
		if _, err := m.git.Run(ctx, workPath, "rev-parse", "--verify", "--quiet", ref); err == nil {
			return b, ref
		}
	}
	return "", ""
}

// divergence counts the commits only upstream has and those only HEAD has.
func (m *Manager) divergence(ctx context.Context, workPath, upstream string) (behind, ahead int, err error) {
	out, err := m.git.RunTrimmed(ctx, workPath, "rev-list", "--left-right", "--count", upstream+"...HEAD")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("parsing rev-list counts %q", out)
	}
	if behind, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, fmt.Errorf("parsing rev-list counts %q: %w", out, err)
	}
	if ahead, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, fmt.Errorf("parsing rev-list counts %q: %w", out, err)
	}
	return behind, ahead, nil
}

// rebaseOnto replays local commits on top of upstream. On a conflict the
// local commits are dropped and the working copy is reset to upstream; it
// then reports false.
func (m *Manager) rebaseOnto(ctx context.Context, wc *WorkingCopy, upstream string, pending int) bool {
	args := append(m.identity(), "rebase", "--quiet", upstream)
	_, err := m.git.Run(ctx, wc.Path, args...)
	if err == nil {
		telemetry.WorkingCopyOperationsTotal.WithLabelValues("rebase", "ok").Inc()
		return true
	}
	telemetry.WorkingCopyOperationsTotal.WithLabelValues("rebase", "error").Inc()
	slog.Warn("local commits conflict with pushed history, discarding them",
		"tenant_id", wc.TenantID, "commits", pending, "error", err)

	_, _ = m.git.Run(ctx, wc.Path, "rebase", "--abort")
	if _, err := m.git.Run(ctx, wc.Path, "reset", "--hard", "--quiet", upstream); err != nil {
		slog.Error("resetting working copy to origin failed", "tenant_id", wc.TenantID, "error", err)
	}
	return false
}

func (m *Manager) pushPending(ctx context.Context, wc *WorkingCopy, refspec string) bool {
	if _, err := m.git.Run(ctx, wc.Path, "push", "--quiet", "origin", refspec); err != nil {
		telemetry.PushPropagationFailuresTotal.Inc()
		slog.Warn("push to bare repository failed; commits kept in working copy",
			"tenant_id", wc.TenantID, "error", err)
		return false
	}
	telemetry.PushReconciledTotal.Inc()
	slog.Info("unpropagated commits pushed", "tenant_id", wc.TenantID)
	return true
}

func (m *Manager) hasCommits(ctx context.Context, workPath string) bool {
	_, err := m.git.Run(ctx, workPath, "rev-parse", "--verify", "--quiet", "HEAD")
	return err == nil
}

// identity is the -c prefix that makes commits and rebases independent of
// the host's git configuration.
func (m *Manager) identity() []string {
	return []string{
		"-c", "user.name=" + m.opts.AuthorName,
		"-c", "user.email=" + m.opts.AuthorEmail,
		"-c", "commit.gpgsign=false",
	}
}

// CommitAndPush stages everything in the working copy, commits (an empty
// commit is allowed) and pushes to the bare repository. When a client push
// got there first the commit is rebased onto it and pushed again. A push
// that still fails is logged and counted but not returned: the working copy
// keeps the commit and the next GetOrCreateWorkingCopy pushes it again.
func (m *Manager) CommitAndPush(ctx context.Context, wc *WorkingCopy, message string) (*PushOutcome, error) {
	if _, err := m.git.Run(ctx, wc.Path, "add", "-A"); err != nil {
		return nil, err
	}
	args := append(m.identity(), "commit", "--quiet", "--allow-empty", "--no-verify", "-m", message)
	if _, err := m.git.Run(ctx, wc.Path, args...); err != nil {
		return nil, err
	}

	out := &PushOutcome{Propagated: true}
	if _, err := m.git.Run(ctx, wc.Path, "push", "--quiet", "origin", "HEAD"); err != nil {
		slog.Debug("direct push failed, synchronising with origin", "tenant_id", wc.TenantID, "error", err)
		out.Propagated = m.syncWithOrigin(ctx, wc)
	}

	commit, err := m.git.RunTrimmed(ctx, wc.Path, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	out.Commit = commit
	return out, nil
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func isFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// samePath compares two paths after resolving symlinks, so /tmp and
// /private/tmp style aliases match.
func samePath(a, b string) bool {
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		ra = filepath.Clean(a)
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		rb = filepath.Clean(b)
	}
	return ra == rb
}
