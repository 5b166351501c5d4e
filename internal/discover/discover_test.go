package discover

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var txtCtx = context.TODO()

func githubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token gh-secret" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "", "1":
			w.Header().Set("Link", fmt.Sprintf(`<http://%s/orgs/acme/repos?page=2>; rel="next"`, r.Host))
			fmt.Fprint(w, `[
				{"full_name": "acme/api", "clone_url": "https://github.com/acme/api.git", "ssh_url": "git@github.com:acme/api.git"},
				{"full_name": "acme/old", "clone_url": "https://github.com/acme/old.git", "ssh_url": "git@github.com:acme/old.git", "archived": true}
			]`)
		case "2":
			fmt.Fprint(w, `[
				{"full_name": "acme/web", "clone_url": "https://github.com/acme/web.git", "ssh_url": "git@github.com:acme/web.git"}
			]`)
		default:
			t.Errorf("unexpected page %s", r.URL.Query().Get("page"))
		}
	})

	mux.HandleFunc("/orgs/alice/repos", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})
	mux.HandleFunc("/users/alice/repos", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"full_name": "alice/dotfiles", "clone_url": "https://github.com/alice/dotfiles.git", "ssh_url": "git@github.com:alice/dotfiles.git"}]`)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})

	return httptest.NewServer(mux)
}

func gitlabServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v4/groups/platform/projects", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Private-Token"); got != "gl-secret" {
			t.Errorf("unexpected Private-Token header %q", got)
		}
		if got := r.URL.Query().Get("include_subgroups"); got != "true" {
			t.Errorf("include_subgroups = %q, want true", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "", "1":
			w.Header().Set("X-Next-Page", "2")
			fmt.Fprint(w, `[{"path_with_namespace": "platform/infra", "http_url_to_repo": "https://gitlab.com/platform/infra.git", "ssh_url_to_repo": "git@gitlab.com:platform/infra.git"}]`)
		case "2":
			fmt.Fprint(w, `[{"path_with_namespace": "platform/sub/legacy", "http_url_to_repo": "https://gitlab.com/platform/sub/legacy.git", "ssh_url_to_repo": "git@gitlab.com:platform/sub/legacy.git", "archived": true}]`)
		default:
			t.Errorf("unexpected page %s", r.URL.Query().Get("page"))
		}
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "404 Not found"}`)
	})

	return httptest.NewServer(mux)
}

func TestSource_Validate(t *testing.T) {
	tests := []struct {
		name    string
		source  Source
		wantErr bool
	}{
		{"github", Source{Provider: ProviderGitHub, Owner: "acme"}, false},
		{"gitlab_ssh", Source{Provider: ProviderGitLab, Owner: "platform", Protocol: ProtocolSSH, BaseURL: "https://gitlab.example.com"}, false},
		{"unknown_provider", Source{Provider: "gitea", Owner: "acme"}, true},
		{"no_owner", Source{Provider: ProviderGitHub}, true},
		{"bad_protocol", Source{Provider: ProviderGitHub, Owner: "acme", Protocol: "git"}, true},
		{"bad_base_url", Source{Provider: ProviderGitHub, Owner: "acme", BaseURL: "ftp://example.com"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.source.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSource_ApplyDefaults(t *testing.T) {
	s := Source{Provider: ProviderGitHub, Owner: "acme"}
	s.ApplyDefaults()

	want := Source{Provider: ProviderGitHub, Owner: "acme", BaseURL: DefaultGitHubURL, TokenEnv: "GITHUB_TOKEN", Protocol: ProtocolHTTPS}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("ApplyDefaults() mismatch (-want +got):\n%s", diff)
	}
}

func TestGitHubLister(t *testing.T) {
	server := githubServer(t)
	defer server.Close()

	l, err := NewGitHubLister(server.URL, "gh-secret", server.Client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("organisation", func(t *testing.T) {
		repos, err := l.List(txtCtx, "acme")
		if err != nil {
			t.Fatalf("List() unexpected error: %v", err)
		}
		want := []Repository{
			{FullName: "acme/api", CloneURL: "https://github.com/acme/api.git", SSHURL: "git@github.com:acme/api.git"},
			{FullName: "acme/old", CloneURL: "https://github.com/acme/old.git", SSHURL: "git@github.com:acme/old.git", Archived: true},
			{FullName: "acme/web", CloneURL: "https://github.com/acme/web.git", SSHURL: "git@github.com:acme/web.git"},
		}
		if diff := cmp.Diff(want, repos); diff != "" {
			t.Errorf("List() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("user", func(t *testing.T) {
		repos, err := l.List(txtCtx, "alice")
		if err != nil {
			t.Fatalf("List() unexpected error: %v", err)
		}
		if len(repos) != 1 || repos[0].FullName != "alice/dotfiles" {
			t.Errorf("unexpected repos %v", repos)
		}
	})

	t.Run("not_found", func(t *testing.T) {
		if _, err := l.List(txtCtx, "nobody"); !errors.Is(err, ErrOwnerNotFound) {
			t.Errorf("List() error = %v, want %v", err, ErrOwnerNotFound)
		}
	})
}

func TestGitLabLister(t *testing.T) {
	server := gitlabServer(t)
	defer server.Close()

	l, err := NewGitLabLister(server.URL, "gl-secret", server.Client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	repos, err := l.List(txtCtx, "platform")
	if err != nil {
		t.Fatalf("List() unexpected error: %v", err)
	}
	want := []Repository{
		{FullName: "platform/infra", CloneURL: "https://gitlab.com/platform/infra.git", SSHURL: "git@gitlab.com:platform/infra.git"},
		{FullName: "platform/sub/legacy", CloneURL: "https://gitlab.com/platform/sub/legacy.git", SSHURL: "git@gitlab.com:platform/sub/legacy.git", Archived: true},
	}
	if diff := cmp.Diff(want, repos); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}

	if _, err := l.List(txtCtx, "nobody"); !errors.Is(err, ErrOwnerNotFound) {
		t.Errorf("List() error = %v, want %v", err, ErrOwnerNotFound)
	}
}

func TestExpand(t *testing.T) {
	gh := githubServer(t)
	defer gh.Close()
	gl := gitlabServer(t)
	defer gl.Close()

	t.Setenv("TEST_GH_TOKEN", "gh-secret")
	t.Setenv("TEST_GL_TOKEN", "gl-secret")

	sources := []Source{
		{Provider: ProviderGitLab, Owner: "platform", BaseURL: gl.URL, TokenEnv: "TEST_GL_TOKEN", Protocol: ProtocolSSH, IncludeArchived: true},
		{Provider: ProviderGitHub, Owner: "acme", BaseURL: gh.URL, TokenEnv: "TEST_GH_TOKEN", Protocol: ProtocolHTTPS},
	}

	got, err := Expand(txtCtx, sources, nil, nil)
	if err != nil {
		t.Fatalf("Expand() unexpected error: %v", err)
	}

	want := []string{
		"git@gitlab.com:platform/infra.git",
		"git@gitlab.com:platform/sub/legacy.git",
		"https://github.com/acme/api.git",
		"https://github.com/acme/web.git",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Expand() mismatch (-want +got):\n%s", diff)
	}

	// one failing source fails expansion
	sources = append(sources, Source{Provider: ProviderGitHub, Owner: "nobody", BaseURL: gh.URL, TokenEnv: "TEST_GH_TOKEN"})
	if _, err := Expand(txtCtx, sources, nil, nil); !errors.Is(err, ErrOwnerNotFound) {
		t.Errorf("Expand() error = %v, want %v", err, ErrOwnerNotFound)
	}
}

type staticLister []Repository

func (s staticLister) List(context.Context, string) ([]Repository, error) {
	return s, nil
}

func TestIdentifiers(t *testing.T) {
	l := staticLister{
		{FullName: "o/a", CloneURL: "https://h/o/a.git", SSHURL: "git@h:o/a.git"},
		{FullName: "o/b", CloneURL: "https://h/o/b.git", SSHURL: "git@h:o/b.git", Archived: true},
		{FullName: "o/c", CloneURL: "https://h/o/c.git"},
	}

	tests := []struct {
		name   string
		source Source
		want   []string
	}{
		{"https", Source{Owner: "o", Protocol: ProtocolHTTPS}, []string{"https://h/o/a.git", "https://h/o/c.git"}},
		{"https_archived", Source{Owner: "o", Protocol: ProtocolHTTPS, IncludeArchived: true}, []string{"https://h/o/a.git", "https://h/o/b.git", "https://h/o/c.git"}},
		{"ssh_skips_missing_url", Source{Owner: "o", Protocol: ProtocolSSH}, []string{"git@h:o/a.git"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Identifiers(txtCtx, tt.source, l)
			if err != nil {
				t.Fatalf("Identifiers() unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Identifiers() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
