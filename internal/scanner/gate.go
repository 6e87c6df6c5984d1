package scanner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/foldersync/foldersync/internal/gitrepo"
)

// RefUpdate is one "<old> <new> <ref>" line of pre-receive input.
type RefUpdate struct {
	OldRev string
	NewRev string
	Ref    string
}

// IsDeletion reports whether the update removes the ref.
func (u RefUpdate) IsDeletion() bool { return isZeroOID(u.NewRev) }

// IsCreation reports whether the update creates the ref.
func (u RefUpdate) IsCreation() bool { return isZeroOID(u.OldRev) }

func isZeroOID(oid string) bool {
	return (len(oid) == 40 || len(oid) == 64) && strings.Trim(oid, "0") == ""
}

// ParseRefUpdates reads pre-receive input. Repeated lines are returned once.
func ParseRefUpdates(r io.Reader) ([]RefUpdate, error) {
	var updates []RefUpdate
	seen := make(map[RefUpdate]bool)

	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("pre-receive input line %d: want \"<old> <new> <ref>\", got %q", n, line)
		}
		u := RefUpdate{OldRev: fields[0], NewRev: fields[1], Ref: fields[2]}
		if seen[u] {
			continue
		}
		seen[u] = true
		updates = append(updates, u)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading pre-receive input: %w", err)
	}
	return updates, nil
}

// Finding is a pattern hit. Hits are unique per (File, Pattern) in a Report.
type Finding struct {
	Ref     string
	File    string
	Pattern string
	// Line is the line in the new file for diff-mode hits; zero when the
	// whole file content was scanned.
	Line int
}

// Report collects the findings for one push.
type Report struct {
	Findings []Finding
	seen     map[[2]string]bool
}

func (r *Report) add(f Finding) {
	if r.seen == nil {
		r.seen = make(map[[2]string]bool)
	}
	key := [2]string{f.File, f.Pattern}
	if r.seen[key] {
		return
	}
	r.seen[key] = true
	r.Findings = append(r.Findings, f)
}

// Rejected reports whether the push must be refused.
func (r *Report) Rejected() bool { return len(r.Findings) > 0 }

// WriteTo renders the rejection message relayed to the pushing client.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	sorted := append([]Finding(nil), r.Findings...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].File != sorted[j].File {
			return sorted[i].File < sorted[j].File
		}
		return sorted[i].Pattern < sorted[j].Pattern
	})

	var b bytes.Buffer
	b.WriteString("\n*** Push rejected: possible secrets detected ***\n\n")
	for _, f := range sorted {
		loc := f.File
		if f.Line > 0 {
			loc += ":" + strconv.Itoa(f.Line)
		}
		fmt.Fprintf(&b, "  %s\n      pattern: %s\n      ref:     %s\n", loc, f.Pattern, f.Ref)
	}
	b.WriteString("\nRemove the secrets from these files, amend or rewrite the commits that\n")
	b.WriteString("introduced them and push again. No ref in this push was updated.\n\n")
	return b.WriteTo(w)
}

// Gate scans the objects introduced by a push.
type Gate struct {
	git      *gitrepo.Git
	dir      string
	patterns []Pattern
	// MaxBlobSize skips full-content scanning of larger blobs; zero means no limit.
	MaxBlobSize int64
}

// NewGate returns a Gate running git in dir. Inside a pre-receive hook dir
// is empty and git finds the repository through the inherited environment.
func NewGate(git *gitrepo.Git, dir string, patterns []Pattern) *Gate {
	return &Gate{git: git, dir: dir, patterns: patterns}
}

// Scan checks every update and returns the combined report. Deletions and
// no-op updates are skipped; a new ref has its whole tree scanned; an updated
// ref has only the lines its diff adds scanned.
func (g *Gate) Scan(ctx context.Context, updates []RefUpdate) (*Report, error) {
	report := &Report{}
	for _, u := range updates {
		var err error
		switch {
		case u.IsDeletion():
			slog.Debug("ref deleted, not scanned", "ref", u.Ref)
			continue
		case u.OldRev == u.NewRev:
			continue
		case u.IsCreation():
			err = g.scanTree(ctx, u, report)
		default:
			err = g.scanDiff(ctx, u, report)
		}
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", u.Ref, err)
		}
	}
	return report, nil
}

func (g *Gate) matchAll(content []byte) []string {
	var names []string
	for _, p := range g.patterns {
		if p.Regexp.Match(content) {
			names = append(names, p.Name)
		}
	}
	return names
}

type treeEntry struct {
	oid  string
	path string
}

// scanTree scans every blob reachable from the new ref's tree.
func (g *Gate) scanTree(ctx context.Context, u RefUpdate, report *Report) error {
	out, err := g.git.Run(ctx, g.dir, "ls-tree", "-r", "-z", "--full-tree", u.NewRev)
	if err != nil {
		return err
	}

	var entries []treeEntry
	for _, rec := range strings.Split(out, "\x00") {
		if rec == "" {
			continue
		}
		meta, path, ok := strings.Cut(rec, "\t")
		fields := strings.Fields(meta)
		if !ok || len(fields) != 3 {
			return fmt.Errorf("unexpected ls-tree record %q", rec)
		}
		// Submodule entries are commits in another repository.
		if fields[1] != "blob" {
			continue
		}
		entries = append(entries, treeEntry{oid: fields[2], path: path})
	}
	if len(entries) == 0 {
		return nil
	}

	return g.catBlobs(ctx, entries, func(e treeEntry, content []byte) {
		for _, name := range g.matchAll(content) {
			report.add(Finding{Ref: u.Ref, File: e.path, Pattern: name})
		}
	})
}

// catBlobs streams every entry's content through one "git cat-file --batch".
func (g *Gate) catBlobs(ctx context.Context, entries []treeEntry, fn func(treeEntry, []byte)) error {
	var cancel context.CancelFunc
	if g.git.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, g.git.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	cmd := g.git.Command(ctx, g.dir, "cat-file", "--batch")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr := gitrepo.NewCappedBuffer(16 << 10)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting git cat-file: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		w := bufio.NewWriter(stdin)
		for _, e := range entries {
			if _, err := w.WriteString(e.oid + "\n"); err != nil {
				writeErr <- err
				stdin.Close()
				return
			}
		}
		err := w.Flush()
		stdin.Close()
		writeErr <- err
	}()

	readErr := g.readBatch(bufio.NewReaderSize(stdout, 64<<10), entries, fn)
	if readErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()

	switch {
	case readErr != nil:
		return readErr
	case waitErr != nil:
		return fmt.Errorf("git cat-file: %w (stderr: %s)", waitErr, strings.TrimSpace(stderr.String()))
	}
	return <-writeErr
}

func (g *Gate) readBatch(r *bufio.Reader, entries []treeEntry, fn func(treeEntry, []byte)) error {
	for _, e := range entries {
		header, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading cat-file header for %s: %w", e.path, err)
		}
		fields := strings.Fields(header)
		if len(fields) == 2 && fields[1] == "missing" {
			return fmt.Errorf("object %s for %s is missing", e.oid, e.path)
		}
		if len(fields) != 3 {
			return fmt.Errorf("unexpected cat-file header %q", strings.TrimSpace(header))
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("unexpected cat-file size in %q: %w", strings.TrimSpace(header), err)
		}

		if g.MaxBlobSize > 0 && size > g.MaxBlobSize {
			slog.Warn("blob exceeds scan limit, skipped", "path", e.path, "size", size)
			if _, err := io.CopyN(io.Discard, r, size+1); err != nil {
				return err
			}
			continue
		}

		content := make([]byte, size+1)
		if _, err := io.ReadFull(r, content); err != nil {
			return fmt.Errorf("reading %s: %w", e.path, err)
		}
		fn(e, content[:size])
	}
	return nil
}

// scanDiff scans only the lines added between the old and new revisions.
// Content git would call binary is diffed as text, so a NUL byte cannot hide
// the lines after it.
func (g *Gate) scanDiff(ctx context.Context, u RefUpdate, report *Report) error {
	out, err := g.git.Run(ctx, g.dir,
		"diff", "--text", "--no-color", "--no-ext-diff", "--no-textconv", "--no-renames",
		"--src-prefix=a/", "--dst-prefix=b/", "-U0",
		u.OldRev, u.NewRev, "--",
	)
	if err != nil {
		return err
	}
	files, err := ParseDiff(strings.NewReader(out))
	if err != nil {
		return fmt.Errorf("parsing diff: %w", err)
	}

	for _, f := range files {
		if f.Binary {
			return fmt.Errorf("diff of %s has no text lines to scan", f.Path())
		}
		for _, line := range f.AddedLines() {
			for _, name := range g.matchAll([]byte(line.Text)) {
				report.add(Finding{Ref: u.Ref, File: f.Path(), Pattern: name, Line: line.NewLineNo})
			}
		}
	}
	return nil
}

// ErrRejected is returned by RunHook when the push carried secrets.
var ErrRejected = errors.New("push rejected by content scan")

// RunHook reads pre-receive input from in, scans it and writes any report to
// out. It returns nil to accept the push. Scan failures also reject: a push
// that could not be checked is never let through.
func RunHook(ctx context.Context, gate *Gate, in io.Reader, out io.Writer) error {
	updates, err := ParseRefUpdates(in)
	if err != nil {
		fmt.Fprintf(out, "foldersync: cannot read push: %v\n", err)
		return err
	}
	report, err := gate.Scan(ctx, updates)
	if err != nil {
		slog.Error("content scan failed", "error", err)
		fmt.Fprintln(out, "foldersync: content scan failed, push rejected")
		return err
	}
	if report.Rejected() {
		if _, err := report.WriteTo(out); err != nil {
			return err
		}
		return ErrRejected
	}
	return nil
}
