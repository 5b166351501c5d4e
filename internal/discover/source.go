package discover

import (
	"fmt"
	"net/url"
)

const (
	ProviderGitHub = "github"
	ProviderGitLab = "gitlab"

	ProtocolHTTPS = "https"
	ProtocolSSH   = "ssh"

	DefaultGitHubURL = "https://api.github.com/"
	DefaultGitLabURL = "https://gitlab.com/"
)

// Source is an organisation, group or user whose repositories are added to
// the target list before every run
type Source struct {
	// Provider is 'github' or 'gitlab'
	Provider string `yaml:"provider"`
	// Owner is the organisation, group or user name
	Owner string `yaml:"owner"`
	// BaseURL is the API url, set it for GitHub Enterprise or self hosted GitLab
	BaseURL string `yaml:"base_url"`
	// TokenEnv is the name of the env variable holding API token
	TokenEnv string `yaml:"token_env"`
	// Protocol selects clone url of the listed repositories, 'https' or 'ssh'
	Protocol string `yaml:"protocol"`
	// IncludeArchived also lists archived repositories
	IncludeArchived bool `yaml:"include_archived"`
}

func (s Source) String() string {
	return s.Provider + ":" + s.Owner
}

// Validate returns error if source is not usable
func (s Source) Validate() error {
	switch s.Provider {
	case ProviderGitHub, ProviderGitLab:
	default:
		return fmt.Errorf("unknown provider '%s', must be one of %s, %s", s.Provider, ProviderGitHub, ProviderGitLab)
	}

	if s.Owner == "" {
		return fmt.Errorf("owner is required")
	}

	switch s.Protocol {
	case "", ProtocolHTTPS, ProtocolSSH:
	default:
		return fmt.Errorf("unknown protocol '%s', must be one of %s, %s", s.Protocol, ProtocolHTTPS, ProtocolSSH)
	}

	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil {
			return fmt.Errorf("invalid base_url err:%w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("base_url '%s' must be a http(s) url", s.BaseURL)
		}
	}
	return nil
}

// ApplyDefaults sets values of all unset optional fields
func (s *Source) ApplyDefaults() {
	if s.Protocol == "" {
		s.Protocol = ProtocolHTTPS
	}
	switch s.Provider {
	case ProviderGitHub:
		if s.BaseURL == "" {
			s.BaseURL = DefaultGitHubURL
		}
		if s.TokenEnv == "" {
			s.TokenEnv = "GITHUB_TOKEN"
		}
	case ProviderGitLab:
		if s.BaseURL == "" {
			s.BaseURL = DefaultGitLabURL
		}
		if s.TokenEnv == "" {
			s.TokenEnv = "GITLAB_TOKEN"
		}
	}
}
