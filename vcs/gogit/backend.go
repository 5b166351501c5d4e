// Package gogit implements vcs.Backend in process using go-git. It needs no
// git binary but, unlike the git backend, cannot report which refs a fetch
// updated.
package gogit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/utilitywarehouse/git-backup/vcs"
)

const anonymousRemote = "anonymous"

// Backend is go-git implementation of vcs.Backend
type Backend struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Backend {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Backend{log: log}
}

type repo struct {
	dir  string
	repo *git.Repository
}

func (r *repo) Path() string {
	return r.dir
}

func handle(h vcs.Handle) (*repo, error) {
	r, ok := h.(*repo)
	if !ok || r == nil {
		return nil, fmt.Errorf("%w: handle %T was not opened by go-git backend", vcs.ErrRepositoryState, h)
	}
	return r, nil
}

func (b *Backend) CloneBare(ctx context.Context, url, dest, refspec string, cb vcs.Callbacks) (vcs.Handle, error) {
	if refspec == "" {
		refspec = vcs.MirrorRefSpec
	}
	rs := config.RefSpec(refspec)
	if err := rs.Validate(); err != nil {
		return nil, vcs.WithClass(vcs.ErrRepositoryState, fmt.Errorf("invalid refspec %q err:%w", refspec, err))
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, vcs.WithClass(vcs.ErrFilesystem, fmt.Errorf("unable to create repo dir err:%w", err))
	}

	b.log.Debug("initializing repo directory", "path", dest)
	r, err := git.PlainInit(dest, true)
	if err != nil {
		return nil, vcs.WithClass(vcs.ErrFilesystem, fmt.Errorf("unable to init repo err:%w", err))
	}

	// Mirror sets remote.origin.mirror=true
	if _, err := r.CreateRemote(&config.RemoteConfig{
		Name:   vcs.DefaultRemote,
		URLs:   []string{url},
		Mirror: true,
		Fetch:  []config.RefSpec{rs},
	}); err != nil {
		return nil, vcs.WithClass(vcs.ErrRepositoryState, fmt.Errorf("unable to set remote err:%w", err))
	}

	h := &repo{dir: dest, repo: r}
	if _, err := b.Fetch(ctx, h, vcs.DefaultRemote, url, cb); err != nil {
		return nil, err
	}
	return h, nil
}

func (b *Backend) Open(_ context.Context, dest string) (vcs.Handle, error) {
	if _, err := os.Stat(dest); err != nil {
		return nil, vcs.WithClass(vcs.ErrFilesystem, fmt.Errorf("unable to verify repo dir err:%w", err))
	}
	r, err := git.PlainOpen(dest)
	if err != nil {
		return nil, vcs.WithClass(vcs.ErrRepositoryState, fmt.Errorf("unable to open repo err:%w", err))
	}
	cfg, err := r.Config()
	if err != nil {
		return nil, vcs.WithClass(vcs.ErrRepositoryState, fmt.Errorf("unable to read repo config err:%w", err))
	}
	if !cfg.Core.IsBare {
		return nil, vcs.WithClass(vcs.ErrRepositoryState, fmt.Errorf("repo %s is not a bare repository", dest))
	}
	return &repo{dir: dest, repo: r}, nil
}

func (b *Backend) Fetch(ctx context.Context, h vcs.Handle, remote, url string, cb vcs.Callbacks) (vcs.TransferStats, error) {
	r, err := handle(h)
	if err != nil {
		return vcs.TransferStats{}, err
	}

	rem, remoteURL := b.remote(r, remote, url)

	auth, closeAuth, err := authMethod(ctx, remoteURL, cb.Credentials)
	if err != nil {
		return vcs.TransferStats{}, err
	}
	defer closeAuth()

	pw := newProgressWriter(cb)
	defer pw.Flush()

	opts := &git.FetchOptions{
		RemoteName: rem.Config().Name,
		Auth:       auth,
		Progress:   pw,
		Tags:       git.AllTags,
		Force:      true,
		Prune:      true,
	}
	if rem.Config().Name == anonymousRemote {
		opts.RefSpecs = []config.RefSpec{vcs.MirrorRefSpec}
	}

	err = rem.FetchContext(ctx, opts)
	switch {
	case err == nil,
		errors.Is(err, git.NoErrAlreadyUpToDate),
		errors.Is(err, transport.ErrEmptyRemoteRepository):
	default:
		return vcs.TransferStats{}, classifyTransferErr(fmt.Errorf("unable to fetch err:%w", err))
	}

	pw.Flush()
	return vcs.TransferStats{Transfer: pw.tracker.Transfer()}, nil
}

// remote returns the named remote if configured or an anonymous remote
// bound to url
func (b *Backend) remote(r *repo, name, url string) (*git.Remote, string) {
	if name != "" {
		if rem, err := r.repo.Remote(name); err == nil && len(rem.Config().URLs) > 0 {
			return rem, rem.Config().URLs[0]
		}
	}
	b.log.Debug("remote not configured, using anonymous remote", "path", r.dir, "remote", name)
	return git.NewRemote(r.repo.Storer, &config.RemoteConfig{
		Name: anonymousRemote,
		URLs: []string{url},
	}), url
}

func (b *Backend) DefaultBranch(ctx context.Context, h vcs.Handle, remote, url string, cb vcs.Callbacks) (string, error) {
	r, err := handle(h)
	if err != nil {
		return "", err
	}

	rem, remoteURL := b.remote(r, remote, url)
	auth, closeAuth, err := authMethod(ctx, remoteURL, cb.Credentials)
	if err != nil {
		return "", err
	}
	defer closeAuth()

	refs, err := rem.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return "", classifyTransferErr(fmt.Errorf("unable to list remote refs err:%w", err))
	}

	head, ok := remoteHead(refs)
	if !ok {
		return "", fmt.Errorf("%w: remote HEAD not advertised", vcs.ErrRepositoryState)
	}
	b.log.Log(ctx, -8, "fetched remote symbolic ref", "path", r.dir, "default-branch", head)
	return head, nil
}

// remoteHead returns target of the advertised HEAD. If server did not send
// symref capability the branch pointing at the same commit is used.
func remoteHead(refs []*plumbing.Reference) (string, bool) {
	var head *plumbing.Reference
	for _, ref := range refs {
		if ref.Name() == plumbing.HEAD {
			head = ref
			break
		}
	}
	if head == nil {
		return "", false
	}
	if head.Type() == plumbing.SymbolicReference {
		return head.Target().String(), true
	}

	var candidates []string
	for _, ref := range refs {
		if ref.Name().IsBranch() && ref.Type() == plumbing.HashReference && ref.Hash() == head.Hash() {
			candidates = append(candidates, ref.Name().String())
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	for _, c := range candidates {
		if c == "refs/heads/main" || c == "refs/heads/master" {
			return c, true
		}
	}
	return candidates[0], true
}

func (b *Backend) SetHead(_ context.Context, h vcs.Handle, ref string) error {
	r, err := handle(h)
	if err != nil {
		return err
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.ReferenceName(ref))
	if err := r.repo.Storer.SetReference(head); err != nil {
		return vcs.WithClass(vcs.ErrRepositoryState, fmt.Errorf("unable to set HEAD err:%w", err))
	}
	return nil
}

func (b *Backend) ListRefs(_ context.Context, h vcs.Handle) ([]vcs.Ref, error) {
	r, err := handle(h)
	if err != nil {
		return nil, err
	}

	iter, err := r.repo.Storer.IterReferences()
	if err != nil {
		return nil, vcs.WithClass(vcs.ErrRepositoryState, fmt.Errorf("unable to list refs err:%w", err))
	}
	defer iter.Close()

	var refs []vcs.Ref
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Name() == plumbing.HEAD || ref.Type() != plumbing.HashReference {
			return nil
		}
		refs = append(refs, vcs.Ref{Name: ref.Name().String(), Target: ref.Hash().String()})
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, vcs.WithClass(vcs.ErrRepositoryState, fmt.Errorf("unable to list refs err:%w", err))
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (b *Backend) RefTarget(_ context.Context, h vcs.Handle, name string) (string, error) {
	r, err := handle(h)
	if err != nil {
		return "", err
	}
	ref, err := r.repo.Reference(plumbing.ReferenceName(name), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", fmt.Errorf("%w: %s", vcs.ErrRefNotFound, name)
		}
		return "", vcs.WithClass(vcs.ErrRepositoryState, fmt.Errorf("unable to resolve ref %s err:%w", name, err))
	}
	return ref.Hash().String(), nil
}

// classifyTransferErr tags error of a network operation with its class
func classifyTransferErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrAuthenticationRequired) ||
		errors.Is(err, transport.ErrAuthorizationFailed) ||
		errors.Is(err, transport.ErrInvalidAuthMethod) {
		return vcs.WithClass(vcs.ErrAuthentication, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts:") {
		return vcs.WithClass(vcs.ErrAuthentication, err)
	}
	return vcs.WithClass(vcs.ErrTransfer, err)
}
