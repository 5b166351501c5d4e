// Package gittest has helpers for tests which need real upstream
// repositories on local disk.
package gittest

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/utilitywarehouse/git-backup/internal/utils"
)

const (
	MainBranch = "e2e-main"
	GitUser    = "git-backup-e2e"
)

// ENVs is passed to every git command run by the helpers. It is set by Setup.
var ENVs []string

// Setup creates isolated global git config and returns cleanup func. It is
// meant to be called from TestMain.
func Setup() func() {
	t := &testing.T{}

	tmpDir := MustTmpDir(t)

	ENVs = []string{
		fmt.Sprintf("GIT_CONFIG_GLOBAL=%s/gitconfig", tmpDir),
		`GIT_CONFIG_SYSTEM=/dev/null`,
	}

	MustExec(t, "", "git", "config", "--global", "user.name", GitUser)
	MustExec(t, "", "git", "config", "--global", "user.email", GitUser+"@example.com")
	MustExec(t, "", "git", "config", "--global", "protocol.file.allow", "always")

	return func() { os.RemoveAll(tmpDir) }
}

// MustInitRepo (re)creates a non-bare repository with one commit on
// MainBranch and returns the commit hash
func MustInitRepo(t *testing.T, repo, file, content string) string {
	t.Helper()

	// clear old data if any
	if err := utils.ReCreate(repo); err != nil {
		t.Fatalf("unable to re-create err: %v", err)
	}

	MustExec(t, repo, "git", "init", "-q", "-b", MainBranch)

	return MustCommit(t, repo, file, content)
}

// MustCommit writes content to file and commits it on the current branch
func MustCommit(t *testing.T, repo, file, content string) string {
	t.Helper()

	dirs, _ := utils.SplitAbs(file)
	if dirs != "" && dirs != "/" {
		if err := os.MkdirAll(filepath.Join(repo, dirs), 0755); err != nil {
			t.Fatalf("unable to create file path dirs err: %v", err)
		}
	}

	if err := os.WriteFile(filepath.Join(repo, file), []byte(content), 0644); err != nil {
		t.Fatalf("unable to write to file err: %v", err)
	}
	MustExec(t, repo, "git", "add", file)
	msg := content
	if len(content) > 50 {
		msg = content[:50]
	}
	MustExec(t, repo, "git", "commit", "-m", msg)
	return MustExec(t, repo, "git", "rev-list", "-n1", "HEAD")
}

func MustTmpDir(t *testing.T) string {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "git-backup-e2e-*")
	if err != nil {
		t.Fatalf("unable to make dir: %v", err)
	}
	return tmpDir
}

func MustExec(t *testing.T, cwd string, name string, arg ...string) string {
	t.Helper()

	cmd := exec.Command(name, arg...)
	if cwd != "" {
		cmd.Dir = cwd
	}

	cmd.Env = ENVs

	stdoutStderr, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("err:%v run(%s): { stdoutStderr %q }", err, cmd.String(), stdoutStderr)
	}
	return strings.TrimSpace(string(stdoutStderr))
}

// RefsOf returns "<sha> <ref>" lines of all refs of the repository
func RefsOf(t *testing.T, repo string) string {
	t.Helper()
	return MustExec(t, repo, "git", "for-each-ref", "--format=%(objectname) %(refname)")
}

// AssertBareMirror fails the test if path is not a bare repository with
// HEAD pointing at head and the same refs as upstream's local refs
func AssertBareMirror(t *testing.T, path, upstream, head string) {
	t.Helper()

	if got := MustExec(t, path, "git", "rev-parse", "--is-bare-repository"); got != "true" {
		t.Fatalf("%s is not a bare repository", path)
	}
	if got := MustExec(t, path, "git", "symbolic-ref", "HEAD"); got != head {
		t.Errorf("HEAD of %s got:%s want:%s", path, got, head)
	}
	want := RefsOf(t, upstream)
	if got := RefsOf(t, path); got != want {
		t.Errorf("refs of %s mismatch\ngot:\n%s\nwant:\n%s", path, got, want)
	}
}
