package gitcli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/utilitywarehouse/git-backup/credential"
	"github.com/utilitywarehouse/git-backup/giturl"
	"github.com/utilitywarehouse/git-backup/internal/utils"
	"github.com/utilitywarehouse/git-backup/vcs"
)

const loadCredsScript = `#!/bin/sh

case "$1" in
  Username*) echo "$REPO_USERNAME" ;;
  Password*) echo "$REPO_PASSWORD" ;;
esac
`

const loadSSHPassphraseScript = `#!/bin/sh

echo "$REPO_SSH_PASSPHRASE"
`

// authEnv resolves credential for the url and returns env variables which
// make git use it
func (b *Backend) authEnv(ctx context.Context, url string, cb vcs.Callbacks) ([]string, error) {
	// never let git or ssh wait on a terminal
	envs := []string{"GIT_TERMINAL_PROMPT=0"}

	if cb.Credentials == nil {
		return envs, nil
	}

	cred, err := cb.Credentials(ctx, url, giturl.UserOf(url), credential.AllowedFor(giturl.TransportOf(url)))
	if err != nil {
		return nil, vcs.WithClass(vcs.ErrAuthentication, fmt.Errorf("unable to resolve credentials err:%w", err))
	}

	switch c := cred.(type) {
	case credential.UserPass:
		script, err := b.ensureScript("git-backup-creds-loader.sh", loadCredsScript)
		if err != nil {
			return nil, vcs.WithClass(vcs.ErrFilesystem, fmt.Errorf("unable to write load creds script file err:%w", err))
		}
		envs = append(envs,
			fmt.Sprintf(`GIT_ASKPASS=%s`, script),
			fmt.Sprintf(`REPO_USERNAME=%s`, c.Username),
			fmt.Sprintf(`REPO_PASSWORD=%s`, c.Password),
		)

	case credential.SSHKey:
		envs = append(envs, gitSSHCommand(c.KeyPath, c.KnownHostsPath))
		if c.Passphrase != "" {
			script, err := b.ensureScript("git-backup-ssh-passphrase.sh", loadSSHPassphraseScript)
			if err != nil {
				return nil, vcs.WithClass(vcs.ErrFilesystem, fmt.Errorf("unable to write ssh passphrase script file err:%w", err))
			}
			envs = append(envs,
				fmt.Sprintf(`SSH_ASKPASS=%s`, script),
				`SSH_ASKPASS_REQUIRE=force`,
				`DISPLAY=none`,
				fmt.Sprintf(`REPO_SSH_PASSPHRASE=%s`, c.Passphrase),
			)
		}

	case credential.SSHAgent:
		envs = append(envs,
			gitSSHAgentCommand(c.KnownHostsPath),
			fmt.Sprintf(`SSH_AUTH_SOCK=%s`, c.Socket),
		)
	}

	return envs, nil
}

// gitSSHCommand returns the environment variable to be used for configuring
// git over ssh with the given key.
func gitSSHCommand(sshKeyPath, knownHostsPath string) string {
	if sshKeyPath == "" {
		sshKeyPath = "/dev/null"
	}
	return fmt.Sprintf(`GIT_SSH_COMMAND=ssh -q -F none -o IdentitiesOnly=yes -o IdentityFile=%s %s`, sshKeyPath, knownHostsOptions(knownHostsPath))
}

// gitSSHAgentCommand returns the environment variable to be used for
// configuring git over ssh with identities from the agent
func gitSSHAgentCommand(knownHostsPath string) string {
	return fmt.Sprintf(`GIT_SSH_COMMAND=ssh -q -F none %s`, knownHostsOptions(knownHostsPath))
}

func knownHostsOptions(knownHostsPath string) string {
	if knownHostsPath == "" {
		return "-o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no"
	}
	return fmt.Sprintf("-o UserKnownHostsFile=%s", knownHostsPath)
}

// ensureScript writes script into the backend's script dir if missing and
// returns its path
func (b *Backend) ensureScript(name, content string) (string, error) {
	path := filepath.Join(b.scriptDir, name)

	_, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(b.scriptDir, defaultDirMode); err != nil {
			return "", err
		}
		if err := utils.WriteFileAtomic(path, []byte(content), 0750); err != nil {
			return "", err
		}
	case err != nil:
		return "", fmt.Errorf("unable to check if script file exits err:%w", err)
	}

	return path, nil
}
