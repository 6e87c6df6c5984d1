package gateway

import (
	"context"
	"os"
	"testing"

	"github.com/foldersync/foldersync/internal/gitrepo"
	"github.com/foldersync/foldersync/internal/scanner"
	"github.com/gin-gonic/gin"
)

// hookEnv marks a re-execution of the test binary as the pre-receive hook
// installed into the test repositories.
const hookEnv = "FOLDERSYNC_TEST_HOOK"

func TestMain(m *testing.M) {
	if os.Getenv(hookEnv) == "1" && len(os.Args) > 1 && os.Args[1] == "pre-receive" {
		os.Exit(runTestHook())
	}
	gin.SetMode(gin.TestMode)
	// Inherited by http-backend, receive-pack and finally the hook.
	os.Setenv(hookEnv, "1")
	os.Exit(m.Run())
}

func runTestHook() int {
	git := &gitrepo.Git{Binary: "git", InheritRepoEnv: true}
	gate := scanner.NewGate(git, "", scanner.DefaultPatterns())
	if err := scanner.RunHook(context.Background(), gate, os.Stdin, os.Stderr); err != nil {
		return 1
	}
	return 0
}
