package gitcli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/utilitywarehouse/git-backup/credential"
	"github.com/utilitywarehouse/git-backup/internal/gittest"
	"github.com/utilitywarehouse/git-backup/progress"
	"github.com/utilitywarehouse/git-backup/vcs"
)

var txtCtx = context.TODO()

func TestMain(m *testing.M) {
	cleanup := gittest.Setup()
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func TestBackend_CloneBare(t *testing.T) {
	tmp := gittest.MustTmpDir(t)
	defer os.RemoveAll(tmp)

	upstream := filepath.Join(tmp, "upstream")
	dest := filepath.Join(tmp, "root", "upstream")
	hash := gittest.MustInitRepo(t, upstream, "file", t.Name())

	b := New("", gittest.ENVs, nil)

	var transfers []progress.Transfer
	cb := vcs.Callbacks{Transfer: func(tr progress.Transfer) { transfers = append(transfers, tr) }}

	h, err := b.CloneBare(txtCtx, "file://"+upstream, dest, vcs.MirrorRefSpec, cb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Path() != dest {
		t.Errorf("Path() got = %s, want %s", h.Path(), dest)
	}

	if got := gittest.MustExec(t, dest, "git", "config", "--get", "remote.origin.mirror"); got != "true" {
		t.Errorf("remote.origin.mirror got = %q", got)
	}
	if got := gittest.MustExec(t, dest, "git", "config", "--get", "remote.origin.fetch"); got != vcs.MirrorRefSpec {
		t.Errorf("remote.origin.fetch got = %q", got)
	}

	got, err := b.RefTarget(txtCtx, h, "refs/heads/"+gittest.MainBranch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != hash {
		t.Errorf("RefTarget() got = %s, want %s", got, hash)
	}

	for i, tr := range transfers {
		if f := tr.Combined(); f < 0 || f > 1 {
			t.Errorf("transfer %d out of range: %v", i, f)
		}
	}
}

func TestBackend_Open(t *testing.T) {
	tmp := gittest.MustTmpDir(t)
	defer os.RemoveAll(tmp)

	upstream := filepath.Join(tmp, "upstream")
	gittest.MustInitRepo(t, upstream, "file", t.Name())

	b := New("", gittest.ENVs, nil)
	b.FsckOnOpen = true

	t.Run("missing", func(t *testing.T) {
		_, err := b.Open(txtCtx, filepath.Join(tmp, "missing"))
		if vcs.Classify(err) != vcs.ClassFilesystem {
			t.Errorf("Open() expected filesystem error got: %v", err)
		}
	})

	t.Run("empty", func(t *testing.T) {
		dir := filepath.Join(tmp, "empty")
		if err := os.MkdirAll(dir, defaultDirMode); err != nil {
			t.Fatal(err)
		}
		_, err := b.Open(txtCtx, dir)
		if vcs.Classify(err) != vcs.ClassRepositoryState {
			t.Errorf("Open() expected repository state error got: %v", err)
		}
	})

	t.Run("non_bare", func(t *testing.T) {
		_, err := b.Open(txtCtx, upstream)
		if vcs.Classify(err) != vcs.ClassRepositoryState {
			t.Errorf("Open() expected repository state error got: %v", err)
		}
	})

	t.Run("under_another_repo", func(t *testing.T) {
		dir := filepath.Join(upstream, "sub")
		if err := os.MkdirAll(filepath.Join(dir, "x"), defaultDirMode); err != nil {
			t.Fatal(err)
		}
		_, err := b.Open(txtCtx, dir)
		if vcs.Classify(err) != vcs.ClassRepositoryState {
			t.Errorf("Open() expected repository state error got: %v", err)
		}
	})

	t.Run("bare_mirror", func(t *testing.T) {
		dest := filepath.Join(tmp, "mirror")
		if _, err := b.CloneBare(txtCtx, "file://"+upstream, dest, vcs.MirrorRefSpec, vcs.Callbacks{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		h, err := b.Open(txtCtx, dest)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if h.Path() != dest {
			t.Errorf("Path() got = %s, want %s", h.Path(), dest)
		}
	})
}

func TestBackend_FetchAndHead(t *testing.T) {
	tmp := gittest.MustTmpDir(t)
	defer os.RemoveAll(tmp)

	upstream := filepath.Join(tmp, "upstream")
	dest := filepath.Join(tmp, "mirror")
	gittest.MustInitRepo(t, upstream, "file", t.Name())

	b := New("", gittest.ENVs, nil)
	h, err := b.CloneBare(txtCtx, "file://"+upstream, dest, vcs.MirrorRefSpec, vcs.Callbacks{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Log("TEST1: fetch without upstream changes")
	stats, err := b.Fetch(txtCtx, h, vcs.DefaultRemote, "file://"+upstream, vcs.Callbacks{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stats.UpdatedRefs) != 0 {
		t.Errorf("expected no updated refs got: %v", stats.UpdatedRefs)
	}

	t.Log("TEST2: new branch and commit upstream")
	gittest.MustExec(t, upstream, "git", "checkout", "-q", "-b", "feature")
	hash := gittest.MustCommit(t, upstream, "file", "feature")

	stats, err = b.Fetch(txtCtx, h, vcs.DefaultRemote, "file://"+upstream, vcs.Callbacks{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"refs/heads/feature"}, stats.UpdatedRefs); diff != "" {
		t.Errorf("UpdatedRefs mismatch (-want +got):\n%s", diff)
	}

	refs, err := b.ListRefs(txtCtx, h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, r := range refs {
		if r.Name == "refs/heads/feature" && r.Target == hash {
			found = true
		}
	}
	if !found {
		t.Errorf("feature branch missing from refs: %v", refs)
	}

	t.Log("TEST3: default branch follows upstream HEAD")
	head, err := b.DefaultBranch(txtCtx, h, vcs.DefaultRemote, "file://"+upstream, vcs.Callbacks{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if head != "refs/heads/feature" {
		t.Errorf("DefaultBranch() got = %s", head)
	}
	if err := b.SetHead(txtCtx, h, head); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gittest.AssertBareMirror(t, dest, upstream, "refs/heads/feature")

	t.Log("TEST4: deleted upstream branch is pruned")
	gittest.MustExec(t, upstream, "git", "checkout", "-q", gittest.MainBranch)
	gittest.MustExec(t, upstream, "git", "branch", "-q", "-D", "feature")
	if _, err := b.Fetch(txtCtx, h, vcs.DefaultRemote, "file://"+upstream, vcs.Callbacks{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := b.RefTarget(txtCtx, h, "refs/heads/feature"); !errors.Is(err, vcs.ErrRefNotFound) {
		t.Errorf("RefTarget() expected ErrRefNotFound got: %v", err)
	}
}

func TestBackend_FetchAnonymousRemote(t *testing.T) {
	tmp := gittest.MustTmpDir(t)
	defer os.RemoveAll(tmp)

	upstream := filepath.Join(tmp, "upstream")
	dest := filepath.Join(tmp, "mirror")
	hash := gittest.MustInitRepo(t, upstream, "file", t.Name())

	// bare repo without any remote
	if err := os.MkdirAll(dest, defaultDirMode); err != nil {
		t.Fatal(err)
	}
	gittest.MustExec(t, dest, "git", "init", "-q", "--bare")

	b := New("", gittest.ENVs, nil)
	h, err := b.Open(txtCtx, dest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := b.Fetch(txtCtx, h, vcs.DefaultRemote, "file://"+upstream, vcs.Callbacks{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := b.RefTarget(txtCtx, h, "refs/heads/"+gittest.MainBranch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != hash {
		t.Errorf("RefTarget() got = %s, want %s", got, hash)
	}
}

func TestBackend_errors(t *testing.T) {
	tmp := gittest.MustTmpDir(t)
	defer os.RemoveAll(tmp)

	b := New("", gittest.ENVs, nil)

	t.Run("missing_upstream", func(t *testing.T) {
		_, err := b.CloneBare(txtCtx, "file://"+filepath.Join(tmp, "missing"), filepath.Join(tmp, "m1"), vcs.MirrorRefSpec, vcs.Callbacks{})
		if vcs.Classify(err) != vcs.ClassTransfer {
			t.Errorf("CloneBare() expected transfer error got: %v", err)
		}
	})

	t.Run("credential_failure", func(t *testing.T) {
		creds := func(context.Context, string, string, credential.Kind) (credential.Credential, error) {
			return nil, credential.ErrNoCredential
		}
		_, err := b.CloneBare(txtCtx, "https://example.com/org/repo.git", filepath.Join(tmp, "m2"), vcs.MirrorRefSpec, vcs.Callbacks{Credentials: creds})
		if vcs.Classify(err) != vcs.ClassAuthentication {
			t.Errorf("CloneBare() expected authentication error got: %v", err)
		}
		if !errors.Is(err, credential.ErrNoCredential) {
			t.Errorf("CloneBare() expected ErrNoCredential in chain got: %v", err)
		}
	})

	t.Run("foreign_handle", func(t *testing.T) {
		_, err := b.ListRefs(txtCtx, fakeHandle{})
		if vcs.Classify(err) != vcs.ClassRepositoryState {
			t.Errorf("ListRefs() expected repository state error got: %v", err)
		}
	})
}

type fakeHandle struct{}

func (fakeHandle) Path() string { return "" }

func TestBackend_authEnv(t *testing.T) {
	b := New("", nil, nil)
	b.scriptDir = t.TempDir()

	tests := []struct {
		name    string
		url     string
		cred    credential.Credential
		allowed credential.Kind
		want    []string
	}{
		{
			name:    "https",
			url:     "https://github.com/org/repo.git",
			cred:    credential.UserPass{Username: "user", Password: "pass"},
			allowed: credential.KindUserPass | credential.KindDefault,
			want: []string{
				"GIT_TERMINAL_PROMPT=0",
				"GIT_ASKPASS=" + filepath.Join(b.scriptDir, "git-backup-creds-loader.sh"),
				"REPO_USERNAME=user",
				"REPO_PASSWORD=pass",
			},
		},
		{
			name:    "ssh_key",
			url:     "git@github.com:org/repo.git",
			cred:    credential.SSHKey{Username: "git", KeyPath: "/key", KnownHostsPath: "/hosts"},
			allowed: credential.KindSSHKey | credential.KindDefault,
			want: []string{
				"GIT_TERMINAL_PROMPT=0",
				"GIT_SSH_COMMAND=ssh -q -F none -o IdentitiesOnly=yes -o IdentityFile=/key -o UserKnownHostsFile=/hosts",
			},
		},
		{
			name:    "ssh_agent",
			url:     "ssh://git@github.com/org/repo.git",
			cred:    credential.SSHAgent{Username: "git", Socket: "/agent.sock"},
			allowed: credential.KindSSHKey | credential.KindDefault,
			want: []string{
				"GIT_TERMINAL_PROMPT=0",
				"GIT_SSH_COMMAND=ssh -q -F none -o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no",
				"SSH_AUTH_SOCK=/agent.sock",
			},
		},
		{
			name:    "local",
			url:     "/tmp/repo",
			cred:    credential.Default{},
			allowed: credential.KindDefault,
			want:    []string{"GIT_TERMINAL_PROMPT=0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := vcs.Callbacks{Credentials: func(_ context.Context, _ string, _ string, allowed credential.Kind) (credential.Credential, error) {
				if allowed != tt.allowed {
					t.Errorf("allowed got = %v, want %v", allowed, tt.allowed)
				}
				return tt.cred, nil
			}}
			got, err := b.authEnv(txtCtx, tt.url, cb)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("authEnv() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_updatedRefs(t *testing.T) {
	out := `= 0000000000000000000000000000000000000000 1111111111111111111111111111111111111111 refs/heads/main
  2222222222222222222222222222222222222222 3333333333333333333333333333333333333333 refs/heads/feature
* 0000000000000000000000000000000000000000 4444444444444444444444444444444444444444 refs/tags/v1
- 5555555555555555555555555555555555555555 0000000000000000000000000000000000000000 refs/heads/old
`
	want := []string{"refs/heads/feature", "refs/tags/v1", "refs/heads/old"}
	if diff := cmp.Diff(want, updatedRefs(out)); diff != "" {
		t.Errorf("updatedRefs() mismatch (-want +got):\n%s", diff)
	}
}

func Test_classifyTransferErr(t *testing.T) {
	tests := []struct {
		msg  string
		want vcs.Class
	}{
		{"fatal: Authentication failed for 'https://github.com/org/repo.git/'", vcs.ClassAuthentication},
		{"git@github.com: Permission denied (publickey).", vcs.ClassAuthentication},
		{"fatal: could not read Username for 'https://github.com': terminal prompts disabled", vcs.ClassAuthentication},
		{"fatal: unable to access 'https://x/': Could not resolve host: x", vcs.ClassTransfer},
	}
	for _, tt := range tests {
		if got := vcs.Classify(classifyTransferErr(errors.New(tt.msg))); got != tt.want {
			t.Errorf("classifyTransferErr(%q) got = %v, want %v", tt.msg, got, tt.want)
		}
	}
}
