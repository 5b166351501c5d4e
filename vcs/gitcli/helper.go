package gitcli

import (
	"errors"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/utilitywarehouse/git-backup/vcs"
)

var (
	// porcelain fetch output "<flag> <old-object-id> <new-object-id> <local-reference>"
	// '=' flag is used for up to date refs
	updatedRefRgx = regexp.MustCompile(`(?m)^[^=] \w+ \w+ (refs\/[^\s]+)`)

	remoteDefaultBranchRgx = regexp.MustCompile(`(?m)^ref:\s+([^\s]+)\s+HEAD`)

	// stderr fragments of failed authentication for https and ssh remotes
	authFailures = []string{
		"authentication failed",
		"could not read username",
		"could not read password",
		"terminal prompts disabled",
		"permission denied (publickey",
		"invalid username or password",
		"http basic: access denied",
		"the requested url returned error: 401",
		"the requested url returned error: 403",
		"host key verification failed",
	}
)

func updatedRefs(output string) []string {
	var refs []string

	for _, match := range updatedRefRgx.FindAllStringSubmatch(output, -1) {
		refs = append(refs, match[1])
	}

	return refs
}

// classifyTransferErr tags error of a network command with its class
func classifyTransferErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, f := range authFailures {
		if strings.Contains(msg, f) {
			return vcs.WithClass(vcs.ErrAuthentication, err)
		}
	}
	return vcs.WithClass(vcs.ErrTransfer, err)
}

// exitCode returns exit code of the failed command or -1
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// samePath compares paths after resolving symlinks
func samePath(a, b string) bool {
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		ra = a
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		rb = b
	}
	return filepath.Clean(ra) == filepath.Clean(rb)
}
