// Package jobs contains background workers that run on a schedule.
// The hook reconciler keeps every repository's pre-receive hook current and
// watches the secret pattern file so a broken edit is noticed before it
// starts rejecting every push.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/foldersync/foldersync/internal/gitrepo"
	"github.com/foldersync/foldersync/internal/safego"
	"github.com/foldersync/foldersync/internal/scanner"
	"github.com/foldersync/foldersync/internal/telemetry"
	"github.com/fsnotify/fsnotify"
)

// defaultDebounce coalesces the burst of events an editor's save produces.
const defaultDebounce = 500 * time.Millisecond

// HookSweeper reinstalls hooks across the fleet.
type HookSweeper interface {
	ReinstallHooksOnAllRepositories(ctx context.Context) (*gitrepo.MaintenanceReport, error)
}

// HookReconciler periodically reinstalls hooks on all repositories and, when
// a pattern file is configured, revalidates it whenever it changes on disk
// and refreshes the hooks once it loads again.
type HookReconciler struct {
	repos        HookSweeper
	interval     time.Duration
	patternsFile string
	debounce     time.Duration

	started  bool
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewHookReconciler creates the job. A zero interval disables the periodic
// sweep; an empty patternsFile disables watching.
func NewHookReconciler(repos HookSweeper, interval time.Duration, patternsFile string) *HookReconciler {
	return &HookReconciler{
		repos:        repos,
		interval:     interval,
		patternsFile: patternsFile,
		debounce:     defaultDebounce,
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start validates the pattern file once, sets up the watcher and runs the
// loop in the background until Stop is called or ctx ends.
func (r *HookReconciler) Start(ctx context.Context) error {
	var watcher *fsnotify.Watcher
	if r.patternsFile != "" {
		r.checkPatterns()

		var err error
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating pattern file watcher: %w", err)
		}
		// Watch the directory: editors and config management replace the
		// file rather than writing it in place.
		if err := watcher.Add(filepath.Dir(r.patternsFile)); err != nil {
			watcher.Close()
			return fmt.Errorf("watching %s: %w", filepath.Dir(r.patternsFile), err)
		}
	}

	slog.Info("hook reconciler started", "interval", r.interval, "patterns_file", r.patternsFile)
	r.started = true
	safego.Go("hook-reconciler", func() { r.run(ctx, watcher) })
	return nil
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (r *HookReconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	if r.started {
		<-r.done
	}
}

func (r *HookReconciler) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(r.done)

	var (
		tick   <-chan time.Time
		events <-chan fsnotify.Event
		errs   <-chan error
		fire   <-chan time.Time
		timer  *time.Timer
	)
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	if watcher != nil {
		defer watcher.Close()
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-tick:
			r.reinstall(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !r.concerns(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
				defer timer.Stop()
			} else {
				timer.Reset(r.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if r.checkPatterns() {
				r.reinstall(ctx)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("pattern file watcher error", "error", err)
		case <-r.stopChan:
			slog.Info("hook reconciler stopped")
			return
		case <-ctx.Done():
			slog.Info("hook reconciler context cancelled")
			return
		}
	}
}

func (r *HookReconciler) concerns(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != filepath.Clean(r.patternsFile) {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) ||
		ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}

// checkPatterns loads the pattern file and reports whether it is usable.
func (r *HookReconciler) checkPatterns() bool {
	patterns, err := scanner.LoadPatterns(r.patternsFile)
	if err != nil {
		telemetry.PatternFileValid.Set(0)
		slog.Error("secret pattern file is invalid; pushes will be rejected until it is fixed",
			"patterns_file", r.patternsFile, "error", err)
		return false
	}
	telemetry.PatternFileValid.Set(1)
	slog.Info("secret pattern file loaded", "patterns_file", r.patternsFile, "patterns", len(patterns))
	return true
}

func (r *HookReconciler) reinstall(ctx context.Context) {
	report, err := r.repos.ReinstallHooksOnAllRepositories(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("hook reconciliation failed", "error", err)
		return
	}
	if report != nil && len(report.Failed) > 0 {
		slog.Warn("hook reconciliation left repositories without a current hook",
			"failed", len(report.Failed), "total", report.Total)
	}
}
