package gogit

import (
	"context"
	"fmt"
	"net"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/utilitywarehouse/git-backup/credential"
	"github.com/utilitywarehouse/git-backup/giturl"
	"github.com/utilitywarehouse/git-backup/vcs"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

func nopClose() {}

// authMethod resolves credential for url and converts it into go-git auth
// method. Returned func releases resources held by the method and must
// always be called.
func authMethod(ctx context.Context, url string, resolve credential.Func) (transport.AuthMethod, func(), error) {
	if resolve == nil {
		return nil, nopClose, nil
	}

	cred, err := resolve(ctx, url, giturl.UserOf(url), credential.AllowedFor(giturl.TransportOf(url)))
	if err != nil {
		return nil, nopClose, vcs.WithClass(vcs.ErrAuthentication, fmt.Errorf("unable to resolve credentials err:%w", err))
	}

	switch c := cred.(type) {
	case credential.UserPass:
		return &githttp.BasicAuth{Username: c.Username, Password: c.Password}, nopClose, nil

	case credential.SSHKey:
		keys, err := gitssh.NewPublicKeysFromFile(c.Username, c.KeyPath, c.Passphrase)
		if err != nil {
			return nil, nopClose, vcs.WithClass(vcs.ErrAuthentication, fmt.Errorf("unable to load ssh key err:%w", err))
		}
		cb, err := hostKeyCallback(c.KnownHostsPath)
		if err != nil {
			return nil, nopClose, err
		}
		keys.HostKeyCallback = cb
		return keys, nopClose, nil

	case credential.SSHAgent:
		conn, err := net.Dial("unix", c.Socket)
		if err != nil {
			return nil, nopClose, vcs.WithClass(vcs.ErrAuthentication, fmt.Errorf("unable to connect to ssh agent err:%w", err))
		}
		cb, err := hostKeyCallback(c.KnownHostsPath)
		if err != nil {
			conn.Close()
			return nil, nopClose, err
		}
		auth := &gitssh.PublicKeysCallback{
			User:     c.Username,
			Callback: agent.NewClient(conn).Signers,
		}
		auth.HostKeyCallback = cb
		return auth, func() { conn.Close() }, nil
	}

	return nil, nopClose, nil
}

func hostKeyCallback(knownHostsPath string) (gossh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return gossh.InsecureIgnoreHostKey(), nil
	}
	cb, err := gitssh.NewKnownHostsCallback(knownHostsPath)
	if err != nil {
		return nil, vcs.WithClass(vcs.ErrAuthentication, fmt.Errorf("unable to load known hosts err:%w", err))
	}
	return cb, nil
}
