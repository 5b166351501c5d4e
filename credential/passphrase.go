package credential

import (
	"context"
	"fmt"
	"os"

	"github.com/utilitywarehouse/git-backup/internal/lock"
	"golang.org/x/term"
)

// Prompt supplies the passphrase of an encrypted ssh key
type Prompt interface {
	Passphrase(ctx context.Context, keyPath string) (string, error)
}

// PromptFunc adapts a function to Prompt
type PromptFunc func(ctx context.Context, keyPath string) (string, error)

func (f PromptFunc) Passphrase(ctx context.Context, keyPath string) (string, error) {
	return f(ctx, keyPath)
}

// EnvPrompt reads the passphrase from the named env variable
type EnvPrompt string

func (e EnvPrompt) Passphrase(_ context.Context, _ string) (string, error) {
	v, ok := os.LookupEnv(string(e))
	if !ok {
		return "", fmt.Errorf("env variable %s is not set", string(e))
	}
	return v, nil
}

// TerminalPrompt asks for the passphrase on the controlling terminal
// without echoing it
type TerminalPrompt struct{}

func (TerminalPrompt) Passphrase(_ context.Context, keyPath string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal")
	}

	fmt.Fprintf(os.Stderr, "Enter passphrase for key '%s': ", keyPath)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type passphraseResult struct {
	passphrase string
	err        error
}

// passphraseCache remembers the outcome of asking for a key passphrase so
// that a run asks at most once per key. The lock is held while asking so
// concurrent jobs wait for the first answer.
type passphraseCache struct {
	lock    lock.Mutex
	results map[string]passphraseResult
}

func newPassphraseCache() *passphraseCache {
	return &passphraseCache{results: make(map[string]passphraseResult)}
}

func (c *passphraseCache) get(keyPath string, ask func() (string, error)) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if res, ok := c.results[keyPath]; ok {
		return res.passphrase, res.err
	}

	p, err := ask()
	c.results[keyPath] = passphraseResult{passphrase: p, err: err}
	return p, err
}
