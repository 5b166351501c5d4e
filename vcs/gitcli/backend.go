// Package gitcli implements vcs.Backend by running the git binary.
//
// Mirrors are created with `git remote add --mirror=fetch` hence everything
// in `refs/*` on the remote is directly mirrored into `refs/*` in the local
// bare repository.
package gitcli

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/utilitywarehouse/git-backup/internal/utils"
	"github.com/utilitywarehouse/git-backup/progress"
	"github.com/utilitywarehouse/git-backup/vcs"
)

const defaultDirMode fs.FileMode = os.FileMode(0755) // 'rwxr-xr-x'

// Backend runs git commands. A Backend is safe for concurrent use as long
// as each handle is used by a single job.
type Backend struct {
	gitPath   string
	envs      []string
	log       *slog.Logger
	scriptDir string

	// FsckOnOpen runs a connectivity check on existing mirrors in Open
	FsckOnOpen bool
}

// New returns git backend. envs are passed to every git command, usually
// PATH and HOME so git can find ssh and credential helpers.
func New(gitPath string, envs []string, log *slog.Logger) *Backend {
	if gitPath == "" {
		gitPath = "git"
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Backend{
		gitPath:   gitPath,
		envs:      envs,
		log:       log,
		scriptDir: filepath.Join(os.TempDir(), "git-backup"),
	}
}

type repo struct {
	dir string
}

func (r *repo) Path() string {
	return r.dir
}

func handle(h vcs.Handle) (*repo, error) {
	r, ok := h.(*repo)
	if !ok || r == nil {
		return nil, fmt.Errorf("%w: handle %T was not opened by git backend", vcs.ErrRepositoryState, h)
	}
	return r, nil
}

// CloneBare initialises bare repository at dest, adds origin remote and
// fetches everything from it.
func (b *Backend) CloneBare(ctx context.Context, url, dest, refspec string, cb vcs.Callbacks) (vcs.Handle, error) {
	log := b.log.With("path", dest)

	if err := os.MkdirAll(dest, defaultDirMode); err != nil {
		return nil, vcs.WithClass(vcs.ErrFilesystem, fmt.Errorf("unable to create repo dir err:%w", err))
	}

	log.Debug("initializing repo directory")
	// git init -q --bare
	if _, err := b.runGitCommand(ctx, nil, dest, "init", "-q", "--bare"); err != nil {
		return nil, vcs.WithClass(vcs.ErrFilesystem, fmt.Errorf("unable to init repo err:%w", err))
	}

	// create new remote "origin"
	// use --mirror=fetch as we want to create mirrored bare repository. it will make sure
	// everything in refs/* on the remote will be directly mirrored into refs/* in the local repository.
	// git remote add --mirror=fetch origin <remote>
	if _, err := b.runGitCommand(ctx, nil, dest, "remote", "add", "--mirror=fetch", vcs.DefaultRemote, url); err != nil {
		return nil, vcs.WithClass(vcs.ErrRepositoryState, fmt.Errorf("unable to set remote err:%w", err))
	}

	if refspec != "" && refspec != vcs.MirrorRefSpec {
		// git config --replace-all remote.origin.fetch <refspec>
		if _, err := b.runGitCommand(ctx, nil, dest, "config", "--replace-all", "remote."+vcs.DefaultRemote+".fetch", refspec); err != nil {
			return nil, vcs.WithClass(vcs.ErrRepositoryState, fmt.Errorf("unable to set fetch refspec err:%w", err))
		}
	}

	// git config remote.origin.mirror true
	if _, err := b.runGitCommand(ctx, nil, dest, "config", "remote."+vcs.DefaultRemote+".mirror", "true"); err != nil {
		return nil, vcs.WithClass(vcs.ErrRepositoryState, fmt.Errorf("unable to set mirror flag err:%w", err))
	}

	h := &repo{dir: dest}
	if _, err := b.fetch(ctx, h, vcs.DefaultRemote, url, cb); err != nil {
		return nil, err
	}

	return h, nil
}

// Open opens existing bare repository after verifying it is usable
func (b *Backend) Open(ctx context.Context, dest string) (vcs.Handle, error) {
	if _, err := os.Stat(dest); err != nil {
		return nil, vcs.WithClass(vcs.ErrFilesystem, fmt.Errorf("unable to verify repo dir err:%w", err))
	}
	if err := b.sanityCheckRepo(ctx, dest); err != nil {
		return nil, vcs.WithClass(vcs.ErrRepositoryState, err)
	}
	return &repo{dir: dest}, nil
}

// Fetch fetches from the named remote. If remote is not configured url is
// fetched with the mirror refspec instead.
func (b *Backend) Fetch(ctx context.Context, h vcs.Handle, remote, url string, cb vcs.Callbacks) (vcs.TransferStats, error) {
	r, err := handle(h)
	if err != nil {
		return vcs.TransferStats{}, err
	}
	return b.fetch(ctx, r, remote, url, cb)
}

func (b *Backend) fetch(ctx context.Context, r *repo, remote, url string, cb vcs.Callbacks) (vcs.TransferStats, error) {
	remoteURL, target := b.remoteTarget(ctx, r, remote, url)

	envs, err := b.authEnv(ctx, remoteURL, cb)
	if err != nil {
		return vcs.TransferStats{}, err
	}

	// adding --porcelain so output can be parsed for updated refs
	// and --progress so stderr carries transfer counters
	args := []string{"fetch", target, "--prune", "--progress", "--porcelain", "--no-auto-gc"}
	if target != remote {
		args = append(args, vcs.MirrorRefSpec)
	}

	tracker := &progress.Tracker{}
	onLine := func(line string) {
		if text, ok := progress.RemoteText(line); ok {
			if cb.Sideband != nil && text != "" {
				cb.Sideband(text)
			}
			return
		}
		if t, ok := tracker.Update(line); ok && cb.Transfer != nil {
			cb.Transfer(t)
		}
	}

	out, err := b.runGitCommandStream(ctx, envs, r.dir, onLine, args...)
	if err != nil {
		return vcs.TransferStats{}, classifyTransferErr(fmt.Errorf("unable to fetch err:%w", err))
	}

	return vcs.TransferStats{Transfer: tracker.Transfer(), UpdatedRefs: updatedRefs(out)}, nil
}

// remoteTarget returns the url credentials should be resolved for and the
// fetch target, which is the remote name if remote is configured
func (b *Backend) remoteTarget(ctx context.Context, r *repo, remote, url string) (string, string) {
	if remote == "" {
		return url, url
	}
	// git config --get remote.<remote>.url
	configured, err := b.runGitCommand(ctx, nil, r.dir, "config", "--get", "remote."+remote+".url")
	if err != nil || configured == "" {
		b.log.Debug("remote not configured, using anonymous remote", "path", r.dir, "remote", remote)
		return url, url
	}
	return configured, remote
}

// DefaultBranch returns the branch remote HEAD points at
func (b *Backend) DefaultBranch(ctx context.Context, h vcs.Handle, remote, url string, cb vcs.Callbacks) (string, error) {
	r, err := handle(h)
	if err != nil {
		return "", err
	}

	remoteURL, target := b.remoteTarget(ctx, r, remote, url)
	envs, err := b.authEnv(ctx, remoteURL, cb)
	if err != nil {
		return "", err
	}

	// git ls-remote --symref origin HEAD
	out, err := b.runGitCommand(ctx, envs, r.dir, "ls-remote", "--symref", target, "HEAD")
	if err != nil {
		return "", classifyTransferErr(fmt.Errorf("unable to get default branch err:%w", err))
	}

	sections := remoteDefaultBranchRgx.FindStringSubmatch(out)
	if len(sections) == 2 {
		b.log.Log(ctx, -8, "fetched remote symbolic ref", "path", r.dir, "default-branch", sections[1])
		return sections[1], nil
	}

	return "", fmt.Errorf("%w: unable to parse ls-remote output:%q", vcs.ErrRepositoryState, out)
}

// SetHead points local HEAD at ref
func (b *Backend) SetHead(ctx context.Context, h vcs.Handle, ref string) error {
	r, err := handle(h)
	if err != nil {
		return err
	}
	// git symbolic-ref HEAD <ref>(refs/heads/master)
	if _, err := b.runGitCommand(ctx, nil, r.dir, "symbolic-ref", "HEAD", ref); err != nil {
		return vcs.WithClass(vcs.ErrRepositoryState, fmt.Errorf("unable to set HEAD err:%w", err))
	}
	return nil
}

// ListRefs returns all refs of the repository
func (b *Backend) ListRefs(ctx context.Context, h vcs.Handle) ([]vcs.Ref, error) {
	r, err := handle(h)
	if err != nil {
		return nil, err
	}

	// git for-each-ref --format=%(objectname) %(refname)
	out, err := b.runGitCommand(ctx, nil, r.dir, "for-each-ref", "--format=%(objectname) %(refname)")
	if err != nil {
		return nil, vcs.WithClass(vcs.ErrRepositoryState, fmt.Errorf("unable to list refs err:%w", err))
	}

	var refs []vcs.Ref
	for _, line := range strings.Split(out, "\n") {
		target, name, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok {
			continue
		}
		refs = append(refs, vcs.Ref{Name: name, Target: target})
	}
	return refs, nil
}

// RefTarget returns object id of the named ref
func (b *Backend) RefTarget(ctx context.Context, h vcs.Handle, name string) (string, error) {
	r, err := handle(h)
	if err != nil {
		return "", err
	}

	// git rev-parse --verify --quiet <name>
	out, err := b.runGitCommand(ctx, nil, r.dir, "rev-parse", "--verify", "--quiet", name)
	if err != nil {
		if exitCode(err) == 1 {
			return "", fmt.Errorf("%w: %s", vcs.ErrRefNotFound, name)
		}
		return "", vcs.WithClass(vcs.ErrRepositoryState, fmt.Errorf("unable to resolve ref %s err:%w", name, err))
	}
	return out, nil
}

// sanityCheckRepo returns error if dir is not a usable bare repository
func (b *Backend) sanityCheckRepo(ctx context.Context, dir string) error {
	// If it is empty, we are done.
	if empty, err := utils.DirIsEmpty(dir); err != nil {
		return fmt.Errorf("can't list repo directory err:%w", err)
	} else if empty {
		return fmt.Errorf("repo directory %s is empty", dir)
	}

	// make sure repo is bare repository
	// git rev-parse --is-bare-repository
	if ok, err := b.runGitCommand(ctx, nil, dir, "rev-parse", "--is-bare-repository"); err != nil {
		return fmt.Errorf("unable to verify bare repo err:%w", err)
	} else if ok != "true" {
		return fmt.Errorf("repo %s is not a bare repository", dir)
	}

	// Check that this is actually the root of the repo.
	// git rev-parse --absolute-git-dir
	if root, err := b.runGitCommand(ctx, nil, dir, "rev-parse", "--absolute-git-dir"); err != nil {
		return fmt.Errorf("can't get repo git dir err:%w", err)
	} else if !samePath(root, dir) {
		return fmt.Errorf("repo directory %s is under another repo %s", dir, root)
	}

	if !b.FsckOnOpen {
		return nil
	}

	// Consistency-check the repo.  Don't use --verbose because it can be
	// REALLY verbose.
	// git fsck --no-progress --connectivity-only
	if _, err := b.runGitCommand(ctx, nil, dir, "fsck", "--no-progress", "--connectivity-only"); err != nil {
		return fmt.Errorf("repo fsck failed err:%w", err)
	}

	return nil
}

// runGitCommand runs git command with given arguments on given CWD
func (b *Backend) runGitCommand(ctx context.Context, envs []string, cwd string, args ...string) (string, error) {
	return utils.RunCommand(ctx, b.log, append(append([]string{}, b.envs...), envs...), cwd, b.gitPath, args...)
}

func (b *Backend) runGitCommandStream(ctx context.Context, envs []string, cwd string, onStderr func(string), args ...string) (string, error) {
	return utils.RunCommandStream(ctx, b.log, append(append([]string{}, b.envs...), envs...), cwd, onStderr, b.gitPath, args...)
}
