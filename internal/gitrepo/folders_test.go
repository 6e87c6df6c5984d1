package gitrepo

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCleanFolderPath(t *testing.T) {
	valid := map[string]string{
		"sales":             "sales",
		"/sales/":           "sales",
		"sales/2026/q1":     "sales/2026/q1",
		"  notes  ":         "notes",
		"with space/ok":     "with space/ok",
		".hidden":           ".hidden",
		"unicode/résumé":    "unicode/résumé",
		"dots.in.name/x.md": "dots.in.name/x.md",
	}
	for in, want := range valid {
		got, err := CleanFolderPath(in)
		if err != nil || got != want {
			t.Errorf("CleanFolderPath(%q) = (%q, %v), want %q", in, got, err, want)
		}
	}

	invalid := []string{"", "/", "..", "a/../b", "./a", "a//b", ".git", "a/.GIT/b", `a\b`, "a\x00b", "tab\there"}
	for _, in := range invalid {
		if _, err := CleanFolderPath(in); !errors.Is(err, ErrInvalidFolderPath) {
			t.Errorf("CleanFolderPath(%q) error = %v, want ErrInvalidFolderPath", in, err)
		}
	}
}

func newTestWorkingCopy(t *testing.T) *WorkingCopy {
	t.Helper()
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	return &WorkingCopy{TenantID: "acme", Path: root}
}

func TestWorkingCopy_CreateFolder(t *testing.T) {
	wc := newTestWorkingCopy(t)

	if err := wc.CreateFolder("sales/2026"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if _, err := os.Stat(filepath.Join(wc.Path, "sales", "2026", KeepFile)); err != nil {
		t.Errorf("keep file missing: %v", err)
	}
	if err := wc.CreateFolder("sales/2026"); !errors.Is(err, ErrFolderExists) {
		t.Errorf("second CreateFolder error = %v, want ErrFolderExists", err)
	}
}

func TestWorkingCopy_ResolveRefusesSymlinks(t *testing.T) {
	wc := newTestWorkingCopy(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(wc.Path, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if _, err := wc.Resolve("link/inner"); !errors.Is(err, ErrInvalidFolderPath) {
		t.Errorf("Resolve through symlink error = %v, want ErrInvalidFolderPath", err)
	}
	if err := wc.CreateFolder("link/inner"); !errors.Is(err, ErrInvalidFolderPath) {
		t.Errorf("CreateFolder through symlink error = %v, want ErrInvalidFolderPath", err)
	}
}

func TestWorkingCopy_DeleteFolder(t *testing.T) {
	wc := newTestWorkingCopy(t)
	if err := wc.CreateFolder("old"); err != nil {
		t.Fatal(err)
	}
	if err := wc.DeleteFolder("old"); err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}
	if _, err := os.Stat(filepath.Join(wc.Path, "old")); !os.IsNotExist(err) {
		t.Errorf("folder still present: %v", err)
	}
	if err := wc.DeleteFolder("old"); !errors.Is(err, ErrFolderNotFound) {
		t.Errorf("DeleteFolder missing error = %v, want ErrFolderNotFound", err)
	}
}

func TestWorkingCopy_RenameFolder(t *testing.T) {
	wc := newTestWorkingCopy(t)
	if err := wc.CreateFolder("drafts"); err != nil {
		t.Fatal(err)
	}
	if err := wc.CreateFolder("final"); err != nil {
		t.Fatal(err)
	}

	if err := wc.RenameFolder("drafts", "archive/2026/drafts"); err != nil {
		t.Fatalf("RenameFolder: %v", err)
	}
	if _, err := os.Stat(filepath.Join(wc.Path, "archive", "2026", "drafts", KeepFile)); err != nil {
		t.Errorf("renamed folder missing: %v", err)
	}

	if err := wc.RenameFolder("missing", "x"); !errors.Is(err, ErrFolderNotFound) {
		t.Errorf("rename missing error = %v, want ErrFolderNotFound", err)
	}
	if err := wc.RenameFolder("final", "archive"); !errors.Is(err, ErrFolderExists) {
		t.Errorf("rename onto existing error = %v, want ErrFolderExists", err)
	}
	if err := wc.RenameFolder("final", "final/inner"); !errors.Is(err, ErrInvalidFolderPath) {
		t.Errorf("rename into self error = %v, want ErrInvalidFolderPath", err)
	}
}

func TestWorkingCopy_Tree(t *testing.T) {
	wc := newTestWorkingCopy(t)
	if err := wc.CreateFolder("b"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wc.Path, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wc.Path, ".git", "config"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := wc.Tree()
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	want := []Entry{
		{Path: "a.txt", Type: "file", Size: 5},
		{Path: "b", Type: "dir"},
		{Path: "b/" + KeepFile, Type: "file"},
	}
	if len(entries) != len(want) {
		t.Fatalf("Tree() = %+v, want %+v", entries, want)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], want[i])
		}
	}
}
