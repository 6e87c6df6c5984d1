package api

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/foldersync/foldersync/internal/config"
	"github.com/foldersync/foldersync/internal/db/models"
	"github.com/foldersync/foldersync/internal/gitrepo"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// fakeSessions maps tokens to user ids.
type fakeSessions map[string]string

func (f fakeSessions) Lookup(_ context.Context, token string) (*models.Session, error) {
	uid, ok := f[token]
	if !ok {
		return nil, nil
	}
	return &models.Session{Token: token, UserID: uid, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

const (
	memberToken   = "tok-member"
	strangerToken = "tok-stranger"
	operatorToken = "tok-operator"
)

var memberCols = []string{"company_id", "user_id", "role", "created_at"}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Repos.Suffix = ".git"
	cfg.Repos.GitBinary = "git"
	cfg.Repos.SubprocessTimeout = 30 * time.Second
	cfg.Security.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Access.OperatorUserIDs = []string{"op-1"}
	return cfg
}

type testServer struct {
	router *gin.Engine
	mock   sqlmock.Sqlmock
	repos  *gitrepo.Manager
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tmpl := filepath.Join(t.TempDir(), "hook.tmpl")
	if err := os.WriteFile(tmpl, []byte("#!/bin/sh\ncat >/dev/null\nexit 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	hooks, err := gitrepo.NewHookInstaller(gitrepo.HookConfig{TemplatePath: tmpl})
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	repos, err := gitrepo.NewManager(gitrepo.Options{
		ReposDir:   filepath.Join(root, "repos"),
		WorkdirDir: filepath.Join(root, "work"),
		Suffix:     cfg.Repos.Suffix,
	}, gitrepo.NewGit("git", 30*time.Second), hooks)
	if err != nil {
		t.Fatal(err)
	}

	router, bg := NewRouter(cfg, Dependencies{
		DB:       db,
		Sessions: fakeSessions{memberToken: "user-1", strangerToken: "user-2", operatorToken: "op-1"},
		Repos:    repos,
	})
	t.Cleanup(bg.Shutdown)
	return &testServer{router: router, mock: mock, repos: repos}
}

func (s *testServer) createRepo(t *testing.T, tenantID string) {
	t.Helper()
	requireGit(t)
	if _, err := s.repos.CreateBareRepository(context.Background(), tenantID); err != nil {
		t.Fatalf("CreateBareRepository: %v", err)
	}
}

func (s *testServer) expectMember(role string) {
	s.mock.ExpectQuery("FROM company_members WHERE company_id").
		WithArgs("acme", "user-1").
		WillReturnRows(sqlmock.NewRows(memberCols).AddRow("acme", "user-1", role, time.Now()))
}

func (s *testServer) expectNonMember(userID string) {
	s.mock.ExpectQuery("FROM company_members WHERE company_id").
		WithArgs("acme", userID).
		WillReturnRows(sqlmock.NewRows(memberCols))
}

func basic(token string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte("git:"+token))
}

func (s *testServer) do(method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

const infoRefs = "/acme.git/info/refs?service=git-upload-pack"

// ---------------------------------------------------------------------------
// Git routes: authentication and access ordering
// ---------------------------------------------------------------------------

func TestGitRoute_NoCredentials(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := s.do(http.MethodGet, infoRefs, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Basic ") {
		t.Errorf("WWW-Authenticate = %q, want a Basic challenge", got)
	}
}

func TestGitRoute_UnknownToken(t *testing.T) {
	s := newTestServer(t, testConfig())

	if w := s.do(http.MethodGet, infoRefs, basic("nope")); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestGitRoute_BearerIsNotAcceptedForGit(t *testing.T) {
	s := newTestServer(t, testConfig())

	if w := s.do(http.MethodGet, infoRefs, "Bearer "+memberToken); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestGitRoute_MissingRepositoryBeforeMembership(t *testing.T) {
	s := newTestServer(t, testConfig())

	// A stranger asking for a repository that does not exist gets 404, and
	// membership is never consulted.
	if w := s.do(http.MethodGet, infoRefs, basic(strangerToken)); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if err := s.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected queries: %v", err)
	}
}

func TestGitRoute_NonMember(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.createRepo(t, "acme")
	s.expectNonMember("user-2")

	if w := s.do(http.MethodGet, infoRefs, basic(strangerToken)); w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestGitRoute_ConcealExistence(t *testing.T) {
	cfg := testConfig()
	cfg.Access.ConcealExistence = true
	s := newTestServer(t, cfg)
	s.createRepo(t, "acme")
	s.expectNonMember("user-2")

	if w := s.do(http.MethodGet, infoRefs, basic(strangerToken)); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGitRoute_InvalidRepositoryName(t *testing.T) {
	s := newTestServer(t, testConfig())

	if w := s.do(http.MethodGet, "/...git/info/refs?service=git-upload-pack", basic(memberToken)); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGitClone_EndToEnd(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.createRepo(t, "acme")
	// One lookup per protocol request; git makes a handful.
	for i := 0; i < 8; i++ {
		s.expectMember("member")
	}

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := strings.Replace(srv.URL, "http://", "http://git:"+memberToken+"@", 1) + "/acme.git"
	dest := filepath.Join(t.TempDir(), "clone")
	cmd := exec.Command("git", "clone", url, dest)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git clone: %v\n%s", err, out)
	}
	if _, err := os.Stat(filepath.Join(dest, ".git")); err != nil {
		t.Errorf("clone has no .git directory: %v", err)
	}
}

// ---------------------------------------------------------------------------
// REST routes
// ---------------------------------------------------------------------------

func TestREST_RequiresCredentials(t *testing.T) {
	s := newTestServer(t, testConfig())

	if w := s.do(http.MethodGet, "/api/v1/me/companies", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestREST_ListMyCompanies(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.mock.ExpectQuery("FROM company_members m JOIN companies c").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"company_id", "name", "role", "created_at"}).
			AddRow("acme", "Acme Corp", "owner", time.Now()))

	w := s.do(http.MethodGet, "/api/v1/me/companies", "Bearer "+memberToken)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"acme"`) {
		t.Errorf("body = %s, want company acme", w.Body.String())
	}
}

func TestREST_FoldersMissingRepository(t *testing.T) {
	s := newTestServer(t, testConfig())

	if w := s.do(http.MethodGet, "/api/v1/companies/acme/folders", basic(memberToken)); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestREST_FoldersNonMember(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.createRepo(t, "acme")
	s.expectNonMember("user-2")

	if w := s.do(http.MethodGet, "/api/v1/companies/acme/folders", "Bearer "+strangerToken); w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestREST_ListFolders(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.createRepo(t, "acme")
	s.expectMember("member")

	w := s.do(http.MethodGet, "/api/v1/companies/acme/folders", "Bearer "+memberToken)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestREST_DeleteRepositoryNeedsOwner(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.expectMember("admin")

	if w := s.do(http.MethodDelete, "/api/v1/companies/acme/repository", "Bearer "+memberToken); w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestREST_OperatorRoutes(t *testing.T) {
	s := newTestServer(t, testConfig())

	if w := s.do(http.MethodPost, "/api/v1/admin/repositories/reinstall-hooks", "Bearer "+memberToken); w.Code != http.StatusForbidden {
		t.Errorf("non-operator status = %d, want 403", w.Code)
	}

	w := s.do(http.MethodPost, "/api/v1/admin/repositories/reinstall-hooks", "Bearer "+operatorToken)
	if w.Code != http.StatusOK {
		t.Fatalf("operator status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var report gitrepo.MaintenanceReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Total != 0 {
		t.Errorf("Total = %d, want 0", report.Total)
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestRateLimit_AppliesAfterAuthentication(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RateLimiting.Enabled = true
	cfg.Security.RateLimiting.RequestsPerMinute = 1
	cfg.Security.RateLimiting.Burst = 1
	s := newTestServer(t, cfg)

	if w := s.do(http.MethodGet, infoRefs, basic(memberToken)); w.Code != http.StatusNotFound {
		t.Fatalf("first status = %d, want 404", w.Code)
	}
	w := s.do(http.MethodGet, infoRefs, basic(memberToken))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}

	// Buckets are per user: another caller from the same address is unaffected.
	if w := s.do(http.MethodGet, infoRefs, basic(strangerToken)); w.Code != http.StatusNotFound {
		t.Errorf("other user status = %d, want 404", w.Code)
	}

	// Unauthenticated requests are turned away by auth before they spend tokens.
	for i := 0; i < 3; i++ {
		if w := s.do(http.MethodGet, infoRefs, basic("guessed-token")); w.Code != http.StatusUnauthorized {
			t.Errorf("bad token status = %d, want 401", w.Code)
		}
	}
	if w := s.do(http.MethodGet, infoRefs, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Operations endpoints
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.mock.ExpectPing()

	if w := s.do(http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestHealth_DatabaseDown(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.mock.ExpectPing().WillReturnError(sql.ErrConnDone)

	if w := s.do(http.MethodGet, "/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestReady(t *testing.T) {
	requireGit(t)
	s := newTestServer(t, testConfig())
	if err := os.MkdirAll(s.repos.ReposDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	s.mock.ExpectPing()

	w := s.do(http.MethodGet, "/ready", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var body struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, check := range []string{"database", "repositories", "git"} {
		if body.Checks[check] != "healthy" {
			t.Errorf("check %s = %q, want healthy", check, body.Checks[check])
		}
	}
}

func TestReady_RepositoriesDirMissing(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.mock.ExpectPing()

	if w := s.do(http.MethodGet, "/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestVersion(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := s.do(http.MethodGet, "/version", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), Version) {
		t.Errorf("body = %s, want version %s", w.Body.String(), Version)
	}
}

// ---------------------------------------------------------------------------
// CORS
// ---------------------------------------------------------------------------

func TestCORS_Preflight(t *testing.T) {
	s := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/me/companies", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestCORS_UnknownOrigin(t *testing.T) {
	s := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
}
