package gitrepo

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed templates/pre-receive.tmpl
var defaultHookTemplate string

// HookMode is the permission set of an installed hook.
const HookMode os.FileMode = 0o755

// HookConfig describes how the pre-receive hook is rendered.
type HookConfig struct {
	// Executable is the server binary the hook execs.
	Executable string
	// PatternsFile is passed through as --patterns when set.
	PatternsFile string
	// TemplatePath replaces the built-in template when set.
	TemplatePath string
}

// HookInstaller renders the pre-receive hook once and copies it into repositories.
type HookInstaller struct {
	script []byte
}

// NewHookInstaller renders the hook script from cfg.
func NewHookInstaller(cfg HookConfig) (*HookInstaller, error) {
	text := defaultHookTemplate
	if cfg.TemplatePath != "" {
		raw, err := os.ReadFile(cfg.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("reading hook template: %w", err)
		}
		text = string(raw)
	}

	tmpl, err := template.New("pre-receive").
		Funcs(template.FuncMap{"quote": shellQuote}).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing hook template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return nil, fmt.Errorf("rendering hook template: %w", err)
	}
	return &HookInstaller{script: buf.Bytes()}, nil
}

// Script returns the rendered hook.
func (h *HookInstaller) Script() []byte {
	return h.script
}

// Install writes the hook into barePath/hooks/pre-receive. The file is
// replaced atomically so a push never runs a half-written hook.
func (h *HookInstaller) Install(barePath string) error {
	dir := filepath.Join(barePath, "hooks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating hooks directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".pre-receive-*")
	if err != nil {
		return fmt.Errorf("creating hook: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(h.script); err != nil {
		tmp.Close()
		return fmt.Errorf("writing hook: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing hook: %w", err)
	}
	// CreateTemp uses 0600 and the umask may strip bits, so chmod explicitly.
	if err := os.Chmod(tmp.Name(), HookMode); err != nil {
		return fmt.Errorf("chmod hook: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, "pre-receive")); err != nil {
		return fmt.Errorf("installing hook: %w", err)
	}
	return nil
}

// shellQuote wraps s in single quotes for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
