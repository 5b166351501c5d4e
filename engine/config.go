package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/utilitywarehouse/git-backup/credential"
	"github.com/utilitywarehouse/git-backup/internal/discover"
	"github.com/utilitywarehouse/git-backup/target"
)

const (
	BackendGit   = "git"
	BackendGoGit = "go-git"

	defaultRunTimeout = 30 * time.Minute

	// minAllowedTimeout is the minimum allowed run timeout
	minAllowedTimeout = time.Second
)

var defaultRoot = filepath.Join(os.TempDir(), "git-backup")

// Config is the configuration of a backup run
type Config struct {
	// default config for all the targets
	Defaults DefaultConfig `yaml:"defaults"`
	// List of target repository identifiers (urls or paths)
	Targets []string `yaml:"targets"`
	// Sources are expanded into targets before every run
	Sources []discover.Source `yaml:"sources"`
	// Filter is applied to targets and expanded sources
	Filter target.Filter `yaml:"filter"`
}

// DefaultConfig is the run wide configuration
type DefaultConfig struct {
	// Root is the absolute path to the root dir where primary mirrors
	// will be created
	Root string `yaml:"root"`

	// BackupRoot is the absolute path to the root dir of backup mirrors
	BackupRoot string `yaml:"backup_root"`

	// BackupEnabled controls whether every target is also mirrored into
	// BackupRoot
	BackupEnabled bool `yaml:"backup_enabled"`

	// BackupSuffix is appended to backup destination dir name
	BackupSuffix string `yaml:"backup_suffix"`

	// ChainBackup skips backup destination of a target if its primary
	// mirror failed
	ChainBackup bool `yaml:"chain_backup"`

	// Concurrency is the max number of targets mirrored at the same time,
	// 0 means unbounded
	Concurrency int `yaml:"concurrency"`

	// StartInterval is the minimum gap between starting two targets
	StartInterval time.Duration `yaml:"start_interval"`

	// RunTimeout represents the total time allowed for the complete run
	RunTimeout time.Duration `yaml:"run_timeout"`

	// Backend is the vcs implementation, 'git' or 'go-git'
	Backend string `yaml:"backend"`

	// WriteInfoRefs controls whether info/refs is rewritten after every
	// successful job, defaults to true
	WriteInfoRefs *bool `yaml:"write_info_refs"`

	// VerifyMirrors runs connectivity check on existing mirrors before fetch
	VerifyMirrors bool `yaml:"verify_mirrors"`

	// Auth config to fetch remote repos
	Auth credential.Config `yaml:"auth"`
}

// validateDefaults will verify default config
func (c *Config) validateDefaults() error {
	dc := c.Defaults

	var errs []error

	if dc.Root != "" && !filepath.IsAbs(dc.Root) {
		errs = append(errs, fmt.Errorf("root '%s' must be absolute", dc.Root))
	}

	if dc.BackupEnabled && dc.BackupRoot == "" {
		errs = append(errs, fmt.Errorf("backup_root is required if backup is enabled"))
	}

	if dc.BackupRoot != "" && !filepath.IsAbs(dc.BackupRoot) {
		errs = append(errs, fmt.Errorf("backup_root '%s' must be absolute", dc.BackupRoot))
	}

	if dc.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("concurrency must not be negative"))
	}

	if dc.StartInterval < 0 {
		errs = append(errs, fmt.Errorf("start_interval must not be negative"))
	}

	if dc.RunTimeout != 0 && dc.RunTimeout < minAllowedTimeout {
		errs = append(errs, fmt.Errorf("provided run timeout is too sort (%s), must be > %s", dc.RunTimeout, minAllowedTimeout))
	}

	switch dc.Backend {
	case "", BackendGit, BackendGoGit:
	default:
		errs = append(errs, fmt.Errorf("wrong backend value provided, must be one of %s, %s", BackendGit, BackendGoGit))
	}

	// if any of the github app config is set all should be set
	if dc.Auth.GithubAppID != "" ||
		dc.Auth.GithubAppInstallationID != "" ||
		dc.Auth.GithubAppPrivateKeyPath != "" {
		if dc.Auth.GithubAppID == "" ||
			dc.Auth.GithubAppInstallationID == "" ||
			dc.Auth.GithubAppPrivateKeyPath == "" {
			errs = append(errs, fmt.Errorf("all of the Github app attribute is required"))
		}
	}

	if err := c.Filter.Validate(); err != nil {
		errs = append(errs, err)
	}

	for i, s := range c.Sources {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sources[%d]: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", errs)
	}

	return nil
}

// applyDefaults sets values of all unset optional fields
func (c *Config) applyDefaults() {
	if c.Defaults.Root == "" {
		c.Defaults.Root = defaultRoot
	}
	if c.Defaults.BackupSuffix == "" {
		c.Defaults.BackupSuffix = target.DefaultBackupSuffix
	}
	if c.Defaults.RunTimeout == 0 {
		c.Defaults.RunTimeout = defaultRunTimeout
	}
	if c.Defaults.Backend == "" {
		c.Defaults.Backend = BackendGit
	}
	if c.Defaults.WriteInfoRefs == nil {
		t := true
		c.Defaults.WriteInfoRefs = &t
	}
	for i := range c.Sources {
		c.Sources[i].ApplyDefaults()
	}
}

// ValidateAndApplyDefaults will validate config and apply defaults
func (c *Config) ValidateAndApplyDefaults() error {
	if err := c.validateDefaults(); err != nil {
		return err
	}
	c.applyDefaults()
	return nil
}

// Roots returns destination roots of the config
func (c *Config) Roots() target.Roots {
	return target.Roots{
		Primary:       c.Defaults.Root,
		Backup:        c.Defaults.BackupRoot,
		BackupEnabled: c.Defaults.BackupEnabled,
		BackupSuffix:  c.Defaults.BackupSuffix,
	}
}
