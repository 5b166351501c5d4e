// Package credential resolves the credential used by a backend to reach a
// remote repository.
//
// Resolution follows a fixed policy evaluated in order:
//  1. if plaintext user/pass is allowed, static credentials, GitHub App
//     installation tokens and finally the system git credential helper are
//     consulted
//  2. else if SSH keys are allowed, the configured key is used (its
//     passphrase is asked once per run) or the SSH agent when no key is
//     configured
//  3. else the default (anonymous) credential is returned
//
// Secrets are never logged.
package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/utilitywarehouse/git-backup/giturl"
)

// Kind is a bit set of credential kinds a transport accepts
type Kind uint8

const (
	KindUserPass Kind = 1 << iota
	KindSSHKey
	KindDefault
)

// Has reports whether all kinds of o are set in k
func (k Kind) Has(o Kind) bool {
	return k&o == o
}

func (k Kind) String() string {
	var s string
	for _, c := range []struct {
		k    Kind
		name string
	}{{KindUserPass, "userpass"}, {KindSSHKey, "ssh-key"}, {KindDefault, "default"}} {
		if k.Has(c.k) {
			if s != "" {
				s += "|"
			}
			s += c.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// AllowedFor returns credential kinds accepted by the transport
func AllowedFor(t giturl.Transport) Kind {
	switch t {
	case giturl.TransportSSH:
		return KindSSHKey | KindDefault
	case giturl.TransportHTTP:
		return KindUserPass | KindDefault
	default:
		return KindDefault
	}
}

// ErrNoCredential is returned when the policy can't produce a credential
// of an allowed kind
var ErrNoCredential = errors.New("no credential available")

// Credential is one of UserPass, SSHKey, SSHAgent or Default
type Credential interface {
	Kind() Kind
}

// UserPass is a plaintext username and password (or token)
type UserPass struct {
	Username string
	Password string
}

func (UserPass) Kind() Kind { return KindUserPass }

func (c UserPass) String() string {
	return fmt.Sprintf("userpass(%s:***)", c.Username)
}

// SSHKey is a private key file with its passphrase if the key is encrypted
type SSHKey struct {
	Username       string
	KeyPath        string
	Passphrase     string
	KnownHostsPath string
}

func (SSHKey) Kind() Kind { return KindSSHKey }

func (c SSHKey) String() string {
	return fmt.Sprintf("ssh-key(%s@%s)", c.Username, c.KeyPath)
}

// SSHAgent uses identities provided by the agent listening on Socket
type SSHAgent struct {
	Username       string
	Socket         string
	KnownHostsPath string
}

func (SSHAgent) Kind() Kind { return KindSSHKey }

func (c SSHAgent) String() string {
	return fmt.Sprintf("ssh-agent(%s)", c.Username)
}

// Default lets the transport use its default behaviour, for most
// transports this means anonymous access
type Default struct{}

func (Default) Kind() Kind { return KindDefault }

func (Default) String() string { return "default" }

// Func returns credential for the url. usernameFromURL is the user embedded
// in the url if any and allowed is the set of kinds the transport accepts.
type Func func(ctx context.Context, url, usernameFromURL string, allowed Kind) (Credential, error)

// Config represents authentication config of the remotes
type Config struct {
	// username to use for basic or token based authentication
	Username string `yaml:"username"`

	// password or personal access token to use for authentication
	Password string `yaml:"password"`

	// SSH Details
	// path to the ssh key used to fetch remote, if empty ssh agent is used
	SSHKeyPath string `yaml:"ssh_key_path"`

	// path to the known hosts of the remote host
	SSHKnownHostsPath string `yaml:"ssh_known_hosts_path"`

	// name of the env variable holding passphrase of the encrypted ssh key
	// if not set passphrase is prompted on the terminal
	SSHKeyPassphraseEnv string `yaml:"ssh_key_passphrase_env"`

	// Github APP Details
	// The application id or the client ID of the Github app
	GithubAppID string `yaml:"github_app_id"`
	// The installation id of the app (in the organization).
	GithubAppInstallationID string `yaml:"github_app_installation_id"`
	// path to the github app private key
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
}
