package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/utilitywarehouse/git-backup/giturl"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

const defaultSSHUser = "git"

// Resolver implements the credential policy. A Resolver is created once
// per run and is safe for concurrent use by multiple jobs.
type Resolver struct {
	conf   Config
	helper Helper
	prompt Prompt
	log    *slog.Logger

	// AgentSocket is the ssh agent socket, defaults to $SSH_AUTH_SOCK
	AgentSocket string

	passphrases *passphraseCache
	githubApp   *githubAppTokens
}

// NewResolver returns resolver for the given config. helper and prompt are
// optional, without helper the userpass step only uses static credentials
// and without prompt encrypted keys fail to resolve.
func NewResolver(conf Config, helper Helper, prompt Prompt, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Resolver{
		conf:        conf,
		helper:      helper,
		prompt:      prompt,
		log:         log,
		AgentSocket: os.Getenv("SSH_AUTH_SOCK"),
		passphrases: newPassphraseCache(),
		githubApp:   newGithubAppTokens(conf),
	}
}

// Func returns the resolver as a credential Func
func (r *Resolver) Func() Func {
	return r.Resolve
}

// Resolve returns credential for the url according to the policy
func (r *Resolver) Resolve(ctx context.Context, url, usernameFromURL string, allowed Kind) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case allowed.Has(KindUserPass):
		cred, ok, err := r.userPass(ctx, url, usernameFromURL)
		if err != nil {
			return nil, err
		}
		if ok {
			return cred, nil
		}
		if allowed.Has(KindDefault) {
			r.log.Log(ctx, -8, "no userpass credential found, using default", "url", url)
			return Default{}, nil
		}
		return nil, ErrNoCredential

	case allowed.Has(KindSSHKey):
		return r.sshKey(ctx, usernameFromURL)

	case allowed.Has(KindDefault):
		return Default{}, nil
	}

	return nil, ErrNoCredential
}

func (r *Resolver) userPass(ctx context.Context, url, user string) (UserPass, bool, error) {
	switch {
	// if username & password is set use that
	case r.conf.Username != "" && r.conf.Password != "":
		return UserPass{Username: r.conf.Username, Password: r.conf.Password}, true, nil

	// if only password (token) is set use that
	case r.conf.Password != "":
		// username is required
		return UserPass{Username: "-", Password: r.conf.Password}, true, nil

	// if github app config is set use that token
	case r.githubApp != nil && isGithubURL(url):
		gURL, err := giturl.Parse(url)
		if err != nil {
			return UserPass{}, false, err
		}
		// github matches repo name without `.git` for permission for token req
		token, err := r.githubApp.token(ctx, strings.TrimSuffix(gURL.Repo, ".git"))
		if err != nil {
			return UserPass{}, false, fmt.Errorf("unable to get github app token err:%w", err)
		}
		return UserPass{Username: "-", Password: token}, true, nil
	}

	if r.helper == nil {
		return UserPass{}, false, nil
	}
	return r.helper.Fill(ctx, url, user)
}

func isGithubURL(url string) bool {
	gURL, err := giturl.Parse(url)
	if err != nil {
		return false
	}
	return gURL.Host == "github.com"
}

func (r *Resolver) sshKey(ctx context.Context, user string) (Credential, error) {
	if user == "" {
		user = defaultSSHUser
	}

	if r.conf.SSHKeyPath == "" {
		return r.sshAgent(user)
	}

	pemBytes, err := os.ReadFile(r.conf.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read ssh key err:%w", err)
	}

	cred := SSHKey{
		Username:       user,
		KeyPath:        r.conf.SSHKeyPath,
		KnownHostsPath: r.conf.SSHKnownHostsPath,
	}

	_, err = ssh.ParseRawPrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	switch {
	case err == nil:
		return cred, nil
	case errors.As(err, &missing):
		passphrase, err := r.passphrases.get(r.conf.SSHKeyPath, func() (string, error) {
			return r.askPassphrase(ctx, pemBytes)
		})
		if err != nil {
			return nil, err
		}
		cred.Passphrase = passphrase
		return cred, nil
	default:
		return nil, fmt.Errorf("unable to parse ssh key %s err:%w", r.conf.SSHKeyPath, err)
	}
}

func (r *Resolver) askPassphrase(ctx context.Context, pemBytes []byte) (string, error) {
	prompt := r.prompt
	if r.conf.SSHKeyPassphraseEnv != "" {
		prompt = EnvPrompt(r.conf.SSHKeyPassphraseEnv)
	}
	if prompt == nil {
		return "", fmt.Errorf("ssh key %s is encrypted but no passphrase source is configured", r.conf.SSHKeyPath)
	}

	r.log.Debug("ssh key is encrypted, requesting passphrase", "key", r.conf.SSHKeyPath)
	passphrase, err := prompt.Passphrase(ctx, r.conf.SSHKeyPath)
	if err != nil {
		return "", fmt.Errorf("unable to get ssh key passphrase err:%w", err)
	}

	if _, err := ssh.ParseRawPrivateKeyWithPassphrase(pemBytes, []byte(passphrase)); err != nil {
		return "", fmt.Errorf("invalid passphrase for ssh key %s err:%w", r.conf.SSHKeyPath, err)
	}
	return passphrase, nil
}

func (r *Resolver) sshAgent(user string) (Credential, error) {
	if r.AgentSocket == "" {
		return nil, fmt.Errorf("%w: ssh key path is not configured and SSH_AUTH_SOCK is not set", ErrNoCredential)
	}

	conn, err := net.Dial("unix", r.AgentSocket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSH agent err:%w", err)
	}
	defer conn.Close()

	keys, err := agent.NewClient(conn).List()
	if err != nil {
		return nil, fmt.Errorf("unable to list ssh agent identities err:%w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: ssh agent has no identities", ErrNoCredential)
	}

	return SSHAgent{
		Username:       user,
		Socket:         r.AgentSocket,
		KnownHostsPath: r.conf.SSHKnownHostsPath,
	}, nil
}
