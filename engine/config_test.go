package engine

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/utilitywarehouse/git-backup/credential"
	"github.com/utilitywarehouse/git-backup/internal/discover"
	"github.com/utilitywarehouse/git-backup/target"
)

func TestConfig_validateDefaults(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"empty", Config{}, false},
		{"valid", Config{Defaults: DefaultConfig{Root: "/root", BackupRoot: "/backup", BackupEnabled: true, Concurrency: 4, RunTimeout: time.Minute, Backend: BackendGoGit}}, false},
		{"invalid_root", Config{Defaults: DefaultConfig{Root: "root"}}, true},
		{"invalid_backup_root", Config{Defaults: DefaultConfig{Root: "/root", BackupRoot: "backup"}}, true},
		{"backup_without_root", Config{Defaults: DefaultConfig{Root: "/root", BackupEnabled: true}}, true},
		{"negative_concurrency", Config{Defaults: DefaultConfig{Concurrency: -2}}, true},
		{"negative_start_interval", Config{Defaults: DefaultConfig{StartInterval: -time.Second}}, true},
		{"invalid_timeout", Config{Defaults: DefaultConfig{RunTimeout: time.Millisecond}}, true},
		{"invalid_backend", Config{Defaults: DefaultConfig{Backend: "svn"}}, true},
		{"valid_gh_app", Config{Defaults: DefaultConfig{Auth: credential.Config{GithubAppID: "12", GithubAppInstallationID: "34", GithubAppPrivateKeyPath: "/path/to/key"}}}, false},
		{"invalid_gh_app", Config{Defaults: DefaultConfig{Auth: credential.Config{GithubAppID: "12", GithubAppPrivateKeyPath: "/path/to/key"}}}, true},
		{"valid_filter", Config{Filter: target.Filter{Include: []string{"github.com/org/**"}, Exclude: []string{"**/*-archive"}}}, false},
		{"invalid_filter", Config{Filter: target.Filter{Include: []string{"github.com/[org"}}}, true},
		{"valid_source", Config{Sources: []discover.Source{{Provider: discover.ProviderGitHub, Owner: "org"}}}, false},
		{"invalid_source", Config{Sources: []discover.Source{{Provider: "bitbucket", Owner: "org"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.validateDefaults(); (err != nil) != tt.wantErr {
				t.Errorf("validateDefaults() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_applyDefaults(t *testing.T) {
	yes, no := true, false

	tests := []struct {
		name   string
		config Config
		want   Config
	}{
		{
			"empty",
			Config{},
			Config{
				Defaults: DefaultConfig{
					Root:          defaultRoot,
					BackupSuffix:  target.DefaultBackupSuffix,
					RunTimeout:    defaultRunTimeout,
					Backend:       BackendGit,
					WriteInfoRefs: &yes,
				},
			},
		},
		{
			"all_set",
			Config{
				Defaults: DefaultConfig{
					Root:          "/root",
					BackupRoot:    "/backup",
					BackupEnabled: true,
					BackupSuffix:  "bak",
					Concurrency:   3,
					RunTimeout:    time.Hour,
					Backend:       BackendGoGit,
					WriteInfoRefs: &no,
				},
				Targets: []string{"https://github.com/org/repo.git"},
				Sources: []discover.Source{{Provider: discover.ProviderGitLab, Owner: "group"}},
			},
			Config{
				Defaults: DefaultConfig{
					Root:          "/root",
					BackupRoot:    "/backup",
					BackupEnabled: true,
					BackupSuffix:  "bak",
					Concurrency:   3,
					RunTimeout:    time.Hour,
					Backend:       BackendGoGit,
					WriteInfoRefs: &no,
				},
				Targets: []string{"https://github.com/org/repo.git"},
				Sources: []discover.Source{{
					Provider: discover.ProviderGitLab,
					Owner:    "group",
					BaseURL:  discover.DefaultGitLabURL,
					TokenEnv: "GITLAB_TOKEN",
					Protocol: discover.ProtocolHTTPS,
				}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.config.applyDefaults()
			if diff := cmp.Diff(tt.want, tt.config); diff != "" {
				t.Errorf("applyDefaults() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfig_Roots(t *testing.T) {
	c := Config{Defaults: DefaultConfig{Root: "/root", BackupRoot: "/backup", BackupEnabled: true}}
	c.applyDefaults()

	want := target.Roots{Primary: "/root", Backup: "/backup", BackupEnabled: true, BackupSuffix: "mirror"}
	if diff := cmp.Diff(want, c.Roots()); diff != "" {
		t.Errorf("Roots() mismatch (-want +got):\n%s", diff)
	}
}
