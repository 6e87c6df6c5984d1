// Package gitrepo manages the bare repositories that back each company and
// the server-side working copies used by the folder REST API.
//
// Every object-level operation shells out to the git binary. Commands target
// a directory via "git -C <dir>", run under a context deadline, and carry
// their stderr into the returned error so failures are diagnosable from the
// server log alone.
package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/foldersync/foldersync/internal/telemetry"
)

// stderrLimit caps how much diagnostic output is retained per subprocess.
const stderrLimit = 64 << 10

// repoScopedEnv are variables that would redirect git to another repository
// if inherited. A receive-pack child sets several of them.
var repoScopedEnv = []string{
	"GIT_DIR",
	"GIT_WORK_TREE",
	"GIT_INDEX_FILE",
	"GIT_OBJECT_DIRECTORY",
	"GIT_ALTERNATE_OBJECT_DIRECTORIES",
	"GIT_QUARANTINE_PATH",
	"GIT_NAMESPACE",
	"GIT_PREFIX",
}

// Git runs the git binary.
type Git struct {
	// Binary is the git executable name or path.
	Binary string
	// Timeout bounds each Run; zero means only the caller's context applies.
	Timeout time.Duration
	// InheritRepoEnv keeps GIT_DIR and the quarantine variables. Only the
	// pre-receive hook wants this: it must read objects that are not yet
	// visible outside the quarantine directory.
	InheritRepoEnv bool
}

// NewGit returns a Git using binary with a per-command timeout.
func NewGit(binary string, timeout time.Duration) *Git {
	if binary == "" {
		binary = "git"
	}
	return &Git{Binary: binary, Timeout: timeout}
}

// Environ returns the environment git subprocesses run with.
func (g *Git) Environ() []string {
	env := os.Environ()
	if !g.InheritRepoEnv {
		env = filterEnv(env, repoScopedEnv)
	}
	return append(env, "GIT_TERMINAL_PROMPT=0")
}

// Command returns an *exec.Cmd for git without running it. When dir is not
// empty the command targets it with -C. The caller owns ctx and the timeout.
func (g *Git) Command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	fullArgs := args
	if dir != "" {
		fullArgs = append([]string{"-C", dir}, args...)
	}
	cmd := exec.CommandContext(ctx, g.Binary, fullArgs...)
	cmd.Env = g.Environ()
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

// Run executes git in dir and returns its stdout.
func (g *Git) Run(ctx context.Context, dir string, args ...string) (string, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	var stdout bytes.Buffer
	stderr := NewCappedBuffer(stderrLimit)
	cmd := g.Command(ctx, dir, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	started := time.Now()
	err := cmd.Run()
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	telemetry.ObserveGit(Subcommand(args), started, err, timedOut)

	if err != nil {
		if timedOut {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// RunTrimmed is Run with surrounding whitespace removed from stdout.
func (g *Git) RunTrimmed(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := g.Run(ctx, dir, args...)
	return strings.TrimSpace(out), err
}

// Subcommand returns the git subcommand in args, skipping global options.
func Subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "-c" || a == "-C":
			i++
		case strings.HasPrefix(a, "-"):
		default:
			return a
		}
	}
	return "unknown"
}

func filterEnv(env, drop []string) []string {
	out := env[:0:0]
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		keep := true
		for _, d := range drop {
			if name == d {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, kv)
		}
	}
	return out
}

// CappedBuffer keeps the first max bytes written to it and silently drops the rest.
type CappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

// NewCappedBuffer returns a buffer that retains at most max bytes.
func NewCappedBuffer(max int) *CappedBuffer {
	return &CappedBuffer{max: max}
}

func (b *CappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *CappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "...[truncated]"
	}
	return b.buf.String()
}
