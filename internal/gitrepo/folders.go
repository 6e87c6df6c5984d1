package gitrepo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// KeepFile is written into new folders so git tracks them while empty.
const KeepFile = ".gitkeep"

// Entry is one node of a working copy tree listing.
type Entry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

// CleanFolderPath validates a client-supplied folder path and returns it in
// clean slash-separated form. It rejects empty and absolute paths, any ".."
// or ".git" component, backslashes and control characters.
func CleanFolderPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	p = strings.Trim(p, "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidFolderPath)
	}
	if strings.ContainsRune(p, '\\') {
		return "", fmt.Errorf("%w: backslash not allowed", ErrInvalidFolderPath)
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control character", ErrInvalidFolderPath)
		}
	}
	for _, seg := range strings.Split(p, "/") {
		switch {
		case seg == "":
			return "", fmt.Errorf("%w: empty segment", ErrInvalidFolderPath)
		case seg == "." || seg == "..":
			return "", fmt.Errorf("%w: relative segment %q", ErrInvalidFolderPath, seg)
		case strings.EqualFold(seg, ".git"):
			return "", fmt.Errorf("%w: .git is reserved", ErrInvalidFolderPath)
		}
	}
	return path.Clean(p), nil
}

// Resolve maps a validated folder path to a filesystem path inside the
// working copy, refusing to traverse symlinks.
func (wc *WorkingCopy) Resolve(rel string) (string, error) {
	clean, err := CleanFolderPath(rel)
	if err != nil {
		return "", err
	}
	root := filepath.Clean(wc.Path)
	full := filepath.Join(root, filepath.FromSlash(clean))
	if !isWithin(root, full) || hasSymlinkComponent(root, full) {
		return "", fmt.Errorf("%w: escapes working copy", ErrInvalidFolderPath)
	}
	return full, nil
}

// CreateFolder creates rel (and missing parents) with a keep file inside.
func (wc *WorkingCopy) CreateFolder(rel string) error {
	full, err := wc.Resolve(rel)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(full); err == nil {
		return ErrFolderExists
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("creating folder: %w", err)
	}
	if err := os.WriteFile(filepath.Join(full, KeepFile), nil, 0o644); err != nil {
		return fmt.Errorf("creating keep file: %w", err)
	}
	return nil
}

// DeleteFolder removes rel and everything beneath it.
func (wc *WorkingCopy) DeleteFolder(rel string) error {
	full, err := wc.Resolve(rel)
	if err != nil {
		return err
	}
	st, err := os.Lstat(full)
	if err != nil || !st.IsDir() {
		return ErrFolderNotFound
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("removing folder: %w", err)
	}
	return nil
}

// RenameFolder moves from to to. The destination must not exist; its parent
// is created if needed.
func (wc *WorkingCopy) RenameFolder(from, to string) error {
	src, err := wc.Resolve(from)
	if err != nil {
		return err
	}
	dst, err := wc.Resolve(to)
	if err != nil {
		return err
	}
	if st, err := os.Lstat(src); err != nil || !st.IsDir() {
		return ErrFolderNotFound
	}
	if _, err := os.Lstat(dst); err == nil {
		return ErrFolderExists
	}
	if isWithin(src, dst) {
		return fmt.Errorf("%w: cannot move a folder into itself", ErrInvalidFolderPath)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating destination parent: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("renaming folder: %w", err)
	}
	return nil
}

// Tree lists every folder and file in the working copy except git metadata,
// sorted by path.
func (wc *WorkingCopy) Tree() ([]Entry, error) {
	root := filepath.Clean(wc.Path)
	entries := make([]Entry, 0)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		if d.Name() == ".git" {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		e := Entry{Path: filepath.ToSlash(rel), Type: "file"}
		switch {
		case d.IsDir():
			e.Type = "dir"
		case d.Type()&fs.ModeSymlink != 0:
			e.Type = "symlink"
		default:
			if info, err := d.Info(); err == nil {
				e.Size = info.Size()
			}
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entries, nil
		}
		return nil, fmt.Errorf("walking working copy: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func isWithin(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if root == candidate {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(candidate, root)
}

// hasSymlinkComponent reports whether any existing component of fullPath
// below root is a symlink.
func hasSymlinkComponent(root, fullPath string) bool {
	rel, err := filepath.Rel(root, fullPath)
	if err != nil {
		return true
	}
	if rel == "." {
		return false
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		st, err := os.Lstat(cur)
		if err != nil {
			return false
		}
		if st.Mode()&os.ModeSymlink != 0 {
			return true
		}
	}
	return false
}
