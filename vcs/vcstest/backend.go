// Package vcstest provides an in-memory vcs.Backend for tests. Remotes are
// scripted per url and network operations can be held on a gate to observe
// concurrency.
package vcstest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"github.com/utilitywarehouse/git-backup/internal/lock"
	"github.com/utilitywarehouse/git-backup/progress"
	"github.com/utilitywarehouse/git-backup/vcs"
)

// Remote is the scripted state of an upstream repository
type Remote struct {
	// Refs maps ref name to object id
	Refs map[string]string
	// Head is the ref remote HEAD points at
	Head string

	// Err is returned by every network operation against the remote
	Err error
	// HeadErr is returned by DefaultBranch only
	HeadErr error

	// Transfers are sent to Callbacks.Transfer on every clone/fetch
	Transfers []progress.Transfer
	// Sideband messages are sent to Callbacks.Sideband on every clone/fetch
	Sideband []string
}

type repo struct {
	dir    string
	remote string
	mirror bool
	head   string
	refs   map[string]string
}

func (r *repo) Path() string {
	return r.dir
}

// Backend is a fake vcs.Backend. Destinations are created as empty
// directories on disk so callers can inspect them.
type Backend struct {
	mu      lock.Mutex
	remotes map[string]*Remote
	repos   map[string]*repo
	ops     []Op

	// Gate is called at the start of every network operation after the
	// operation is counted as in flight. Tests can block in it.
	Gate func(ctx context.Context, url string) error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// Op is a recorded network operation
type Op struct {
	Name string
	URL  string
	Dest string
}

func New() *Backend {
	return &Backend{
		remotes: map[string]*Remote{},
		repos:   map[string]*repo{},
	}
}

// SetRemote replaces scripted state of url
func (b *Backend) SetRemote(url string, r *Remote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remotes[url] = r
}

// UpdateRef sets ref of the remote at url
func (b *Backend) UpdateRef(url, ref, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.remotes[url]; ok {
		if r.Refs == nil {
			r.Refs = map[string]string{}
		}
		r.Refs[ref] = id
	}
}

// Ops returns recorded network operations in call order
func (b *Backend) Ops() []Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Op(nil), b.ops...)
}

// MaxInFlight returns highest number of simultaneous network operations
func (b *Backend) MaxInFlight() int {
	return int(b.maxInFlight.Load())
}

// Head returns local HEAD of the repository at dest
func (b *Backend) Head(dest string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.repos[dest]; ok {
		return r.head
	}
	return ""
}

// IsMirror reports whether repository at dest was created with mirror flag
func (b *Backend) IsMirror(dest string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.repos[dest]
	return ok && r.mirror
}

func (b *Backend) enter(ctx context.Context, op, url, dest string) (*Remote, error) {
	n := b.inFlight.Add(1)
	for {
		max := b.maxInFlight.Load()
		if n <= max || b.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}

	b.mu.Lock()
	b.ops = append(b.ops, Op{Name: op, URL: url, Dest: dest})
	rem, ok := b.remotes[url]
	b.mu.Unlock()

	if b.Gate != nil {
		if err := b.Gate(ctx, url); err != nil {
			return nil, vcs.WithClass(vcs.ErrTransfer, err)
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: repository %s not found", vcs.ErrTransfer, url)
	}
	if rem.Err != nil {
		return nil, rem.Err
	}
	return rem, nil
}

func (b *Backend) exit() {
	b.inFlight.Add(-1)
}

func (b *Backend) resolve(ctx context.Context, url string, cb vcs.Callbacks) error {
	if cb.Credentials == nil {
		return nil
	}
	if _, err := cb.Credentials(ctx, url, "", 0); err != nil {
		return vcs.WithClass(vcs.ErrAuthentication, err)
	}
	return nil
}

func (b *Backend) CloneBare(ctx context.Context, url, dest, refspec string, cb vcs.Callbacks) (vcs.Handle, error) {
	defer b.exit()
	rem, err := b.enter(ctx, "clone", url, dest)
	if err != nil {
		return nil, err
	}
	if err := b.resolve(ctx, url, cb); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, vcs.WithClass(vcs.ErrFilesystem, err)
	}

	r := &repo{dir: dest, remote: url, mirror: refspec == vcs.MirrorRefSpec, refs: map[string]string{}}
	b.transfer(rem, r, cb)

	b.mu.Lock()
	b.repos[dest] = r
	b.mu.Unlock()
	return r, nil
}

func (b *Backend) Open(_ context.Context, dest string) (vcs.Handle, error) {
	if _, err := os.Stat(dest); err != nil {
		return nil, vcs.WithClass(vcs.ErrFilesystem, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.repos[dest]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a repository", vcs.ErrRepositoryState, dest)
	}
	return r, nil
}

func (b *Backend) Fetch(ctx context.Context, h vcs.Handle, remote, url string, cb vcs.Callbacks) (vcs.TransferStats, error) {
	r := h.(*repo)
	if remote == vcs.DefaultRemote && r.remote != "" {
		url = r.remote
	}

	defer b.exit()
	rem, err := b.enter(ctx, "fetch", url, r.dir)
	if err != nil {
		return vcs.TransferStats{}, err
	}
	if err := b.resolve(ctx, url, cb); err != nil {
		return vcs.TransferStats{}, err
	}
	return b.transfer(rem, r, cb), nil
}

// transfer copies remote refs into r
func (b *Backend) transfer(rem *Remote, r *repo, cb vcs.Callbacks) vcs.TransferStats {
	for _, t := range rem.Transfers {
		if cb.Transfer != nil {
			cb.Transfer(t)
		}
	}
	for _, s := range rem.Sideband {
		if cb.Sideband != nil {
			cb.Sideband(s)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var stats vcs.TransferStats
	if len(rem.Transfers) > 0 {
		stats.Transfer = rem.Transfers[len(rem.Transfers)-1]
	}
	for name, id := range rem.Refs {
		if r.refs[name] != id {
			stats.UpdatedRefs = append(stats.UpdatedRefs, name)
		}
	}
	for name := range r.refs {
		if _, ok := rem.Refs[name]; !ok {
			stats.UpdatedRefs = append(stats.UpdatedRefs, name)
		}
	}
	sort.Strings(stats.UpdatedRefs)

	r.refs = make(map[string]string, len(rem.Refs))
	for name, id := range rem.Refs {
		r.refs[name] = id
	}
	return stats
}

func (b *Backend) DefaultBranch(ctx context.Context, h vcs.Handle, remote, url string, cb vcs.Callbacks) (string, error) {
	r := h.(*repo)
	if remote == vcs.DefaultRemote && r.remote != "" {
		url = r.remote
	}

	b.mu.Lock()
	rem, ok := b.remotes[url]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: repository %s not found", vcs.ErrTransfer, url)
	}
	if rem.HeadErr != nil {
		return "", rem.HeadErr
	}
	if rem.Head == "" {
		return "", fmt.Errorf("%w: remote HEAD not advertised", vcs.ErrRepositoryState)
	}
	return rem.Head, nil
}

func (b *Backend) SetHead(_ context.Context, h vcs.Handle, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h.(*repo).head = ref
	return nil
}

func (b *Backend) ListRefs(_ context.Context, h vcs.Handle) ([]vcs.Ref, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := h.(*repo)
	refs := make([]vcs.Ref, 0, len(r.refs))
	for name, id := range r.refs {
		refs = append(refs, vcs.Ref{Name: name, Target: id})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (b *Backend) RefTarget(_ context.Context, h vcs.Handle, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := h.(*repo)
	if name == "HEAD" {
		name = r.head
	}
	id, ok := r.refs[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", vcs.ErrRefNotFound, name)
	}
	return id, nil
}
