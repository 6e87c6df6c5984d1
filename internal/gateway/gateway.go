// Package gateway serves the git smart HTTP protocol by running
// "git http-backend" as a CGI program for each request.
//
// The subprocess response is streamed: its CGI header block is parsed as soon
// as it arrives and the body is copied to the client as it is produced, so a
// large clone never sits in server memory.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/foldersync/foldersync/internal/gitrepo"
	"github.com/foldersync/foldersync/internal/middleware"
	"github.com/foldersync/foldersync/internal/telemetry"
	"github.com/gin-gonic/gin"
)

// ErrSubprocess marks a failed or misbehaving http-backend run.
var ErrSubprocess = errors.New("git http-backend failed")

// Paths served below the repository segment.
const (
	PathInfoRefs    = "/info/refs"
	PathUploadPack  = "/git-upload-pack"
	PathReceivePack = "/git-receive-pack"
	PathHEAD        = "/HEAD"
)

// services accepted in the info/refs query.
var services = map[string]bool{
	"git-upload-pack":  true,
	"git-receive-pack": true,
}

// defaultPassEnv is inherited from the server process by every subprocess.
var defaultPassEnv = []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "TZ"}

// Options configures a Gateway.
type Options struct {
	// GitBinary is the git executable.
	GitBinary string
	// ProjectRoot is the directory holding the bare repositories.
	ProjectRoot string
	// Suffix is the bare repository directory suffix, e.g. ".git".
	Suffix string
	// Timeout bounds one request's subprocess; zero means no bound beyond
	// the client connection.
	Timeout time.Duration
	// PassEnv lists extra variables copied from the server environment.
	// Variables prefixed FOLDERSYNC_ are always copied so the hook sees the
	// server's logging settings.
	PassEnv []string
}

// Gateway runs git http-backend for authorised requests.
type Gateway struct {
	opts Options
}

// New returns a Gateway.
func New(opts Options) *Gateway {
	if opts.GitBinary == "" {
		opts.GitBinary = "git"
	}
	return &Gateway{opts: opts}
}

// Handler returns a gin handler serving tail (one of the Path constants)
// for the repository resolved by the access middleware.
func (g *Gateway) Handler(tail string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString(middleware.TenantIDKey)
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Repository not found"})
			return
		}

		if tail == PathInfoRefs && !services[c.Query("service")] {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Unsupported service"})
			return
		}

		g.serve(c, "/"+tenantID+g.opts.Suffix+tail)
	}
}

func (g *Gateway) environ(c *gin.Context, pathInfo string) []string {
	env := make([]string, 0, 16)
	for _, names := range [][]string{defaultPassEnv, g.opts.PassEnv} {
		for _, name := range names {
			if v, ok := os.LookupEnv(name); ok {
				env = append(env, name+"="+v)
			}
		}
	}
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "FOLDERSYNC_") {
			env = append(env, kv)
		}
	}

	r := c.Request
	env = append(env,
		"GIT_PROJECT_ROOT="+g.opts.ProjectRoot,
		"GIT_HTTP_EXPORT_ALL=1",
		"PATH_INFO="+pathInfo,
		"QUERY_STRING="+r.URL.RawQuery,
		"REQUEST_METHOD="+r.Method,
		"REMOTE_USER="+c.GetString(middleware.UserIDKey),
		"REMOTE_ADDR="+c.ClientIP(),
		"SERVER_PROTOCOL="+r.Proto,
		"GATEWAY_INTERFACE=CGI/1.1",
	)
	if v := r.Header.Get("Git-Protocol"); v != "" {
		env = append(env, "GIT_PROTOCOL="+v)
	}
	if v := r.Header.Get("Content-Type"); v != "" {
		env = append(env, "CONTENT_TYPE="+v)
	}
	if r.ContentLength > 0 {
		env = append(env, "CONTENT_LENGTH="+strconv.FormatInt(r.ContentLength, 10))
	}
	if v := r.Header.Get("Content-Encoding"); v != "" {
		env = append(env, "HTTP_CONTENT_ENCODING="+v)
	}
	return env
}

func (g *Gateway) serve(c *gin.Context, pathInfo string) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if g.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(c.Request.Context(), g.opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(c.Request.Context())
	}
	defer cancel()

	log := slog.With(
		"tenant_id", c.GetString(middleware.TenantIDKey),
		"user_id", c.GetString(middleware.UserIDKey),
		"path_info", pathInfo,
		"request_id", c.GetString(middleware.RequestIDKey),
	)

	cmd := exec.CommandContext(ctx, g.opts.GitBinary, "http-backend")
	cmd.Env = g.environ(c, pathInfo)
	cmd.WaitDelay = 5 * time.Second
	if c.Request.Method == http.MethodPost && c.Request.Body != nil {
		cmd.Stdin = c.Request.Body
	}
	stderr := gitrepo.NewCappedBuffer(16 << 10)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		g.fail(c, log, fmt.Errorf("%w: stdout pipe: %v", ErrSubprocess, err), "")
		return
	}
	started := time.Now()
	if err := cmd.Start(); err != nil {
		g.fail(c, log, fmt.Errorf("%w: start: %v", ErrSubprocess, err), "")
		return
	}

	br := bufio.NewReaderSize(stdout, 32<<10)
	status, header, headerErr := readCGIHeader(br)
	if headerErr != nil {
		// Drain so the process can exit, then report the real cause.
		_, _ = io.Copy(io.Discard, br)
		waitErr := cmd.Wait()
		g.observe(ctx, started, waitErr)
		cause := headerErr
		if waitErr != nil {
			cause = waitErr
		}
		g.fail(c, log, fmt.Errorf("%w: %v", ErrSubprocess, cause), stderr.String())
		return
	}

	w := c.Writer
	for k, vs := range header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(status)
	written, copyErr := copyFlushing(w, br)
	if copyErr != nil {
		// Nobody is reading any more; stop the subprocess.
		cancel()
	}
	waitErr := cmd.Wait()
	g.observe(ctx, started, waitErr)

	switch {
	case copyErr != nil:
		log.Warn("copying git http-backend output failed", "error", copyErr, "bytes", written)
	case waitErr != nil:
		// The status line is already on the wire; the client sees a truncated stream.
		log.Error("git http-backend failed after response started",
			"error", waitErr, "bytes", written, "stderr", strings.TrimSpace(stderr.String()))
	default:
		if s := strings.TrimSpace(stderr.String()); s != "" {
			log.Debug("git http-backend diagnostics", "stderr", s)
		}
	}
}

func (g *Gateway) observe(ctx context.Context, started time.Time, err error) {
	telemetry.ObserveGit("http-backend", started, err, errors.Is(ctx.Err(), context.DeadlineExceeded))
}

// fail logs err with the subprocess stderr and sends a generic 500.
func (g *Gateway) fail(c *gin.Context, log *slog.Logger, err error, stderr string) {
	log.Error("git request failed", "error", err, "stderr", strings.TrimSpace(stderr))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

// copyFlushing copies src to w, flushing after every read so protocol
// progress reaches the client while the subprocess is still working.
func copyFlushing(w gin.ResponseWriter, src io.Reader) (int64, error) {
	buf := make([]byte, 32<<10)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			total += int64(m)
			if werr != nil {
				return total, werr
			}
			w.Flush()
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
