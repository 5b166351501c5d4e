package credential

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/utilitywarehouse/git-backup/internal/utils"
)

// Helper looks up stored credentials for a url
type Helper interface {
	Fill(ctx context.Context, url, username string) (UserPass, bool, error)
}

// GitHelper delegates to the credential helpers configured for git via
// `git credential fill`. Terminal prompts are disabled so a missing entry
// is reported as not found instead of blocking the run.
type GitHelper struct {
	GitPath string
	Envs    []string
	Log     *slog.Logger
}

func (h *GitHelper) Fill(ctx context.Context, url, username string) (UserPass, bool, error) {
	log := h.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	gitPath := h.GitPath
	if gitPath == "" {
		gitPath = "git"
	}

	input := fmt.Sprintf("url=%s\n", url)
	if username != "" {
		input += fmt.Sprintf("username=%s\n", username)
	}
	input += "\n"

	envs := append([]string{"GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=", "SSH_ASKPASS="}, h.Envs...)

	// output contains the secret so command is run with a discarding logger
	out, err := utils.RunCommandWithInput(ctx, slog.New(slog.DiscardHandler), envs, "", input, gitPath, "credential", "fill")
	if err != nil {
		if ctx.Err() != nil {
			return UserPass{}, false, ctx.Err()
		}
		log.Debug("credential helper has no entry", "url", url)
		return UserPass{}, false, nil
	}

	up := parseCredentialOutput(out)
	if up.Password == "" {
		return UserPass{}, false, nil
	}
	return up, true, nil
}

// parseCredentialOutput parses 'key=value' lines of git credential output
func parseCredentialOutput(out string) UserPass {
	var up UserPass
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "username":
			up.Username = value
		case "password":
			up.Password = value
		}
	}
	return up
}
