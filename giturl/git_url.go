// Package giturl parses the remote url syntaxes git understands and
// classifies them by transport.
package giturl

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	// The repository name can contain
	// ASCII letters, digits, and the characters ., -, and _.

	// user@host.xz:path/to/repo.git
	scpURLRgx = regexp.MustCompile(`^(?P<user>[\w\-\.]+)@(?P<host>([\w\-]+\.?[\w\-]+)+(\:\d+)?):(?P<path>([\w\-\.]+\/)*)(?P<repo>[\w\-\.]+(\.git)?)$`)

	// ssh://user@host.xz[:port]/path/to/repo.git
	sshURLRgx = regexp.MustCompile(`^ssh://(?P<user>[\w\-\.]+)@(?P<host>([\w\-]+\.?[\w\-]+)+(\:\d+)??)/(?P<path>([\w\-\.]+\/)*)(?P<repo>[\w\-\.]+(\.git)?)$`)

	// http[s]://[user@]host.xz[:port]/path/to/repo.git
	httpURLRgx = regexp.MustCompile(`^(?P<scheme>https?)://((?P<user>[\w\-\.]+)@)?(?P<host>([\w\-]+\.?[\w\-]+)+(\:\d+)?)/(?P<path>([\w\-\.]+\/)*)(?P<repo>[\w\-\.]+(\.git)?)$`)

	// user@host.xz: prefix of scp-like urls, path is not validated
	scpPrefixRgx = regexp.MustCompile(`^(?P<user>[^@/\s]+)@[^:/\s]+:`)

	// file:///path/to/repo.git or /path/to/repo.git
	localURLRgx = regexp.MustCompile(`^(file://)?/(?P<path>([\w\-\.]+\/)*)(?P<repo>[\w\-\.]+(\.git)?)$`)
)

// Transport is the family of protocols used to reach a remote
type Transport int

const (
	TransportUnknown Transport = iota
	TransportSSH
	TransportHTTP
	TransportLocal
)

func (t Transport) String() string {
	switch t {
	case TransportSSH:
		return "ssh"
	case TransportHTTP:
		return "http"
	case TransportLocal:
		return "local"
	default:
		return "unknown"
	}
}

// URL represents parsed git url
type URL struct {
	Scheme string // value will be either 'scp', 'ssh', 'http', 'https' or 'local'
	User   string // might be empty for http and local urls
	Host   string // host or host:port
	Path   string // path to the repo
	Repo   string // repository name from the path includes .git
}

// NormaliseURL will return normalised url
func NormaliseURL(rawURL string) string {
	nURL := strings.ToLower(strings.TrimSpace(rawURL))
	nURL = strings.TrimRight(nURL, "/")

	return nURL
}

// Parse parses a raw url into a URL structure.
// valid git urls are...
//   - user@host.xz:path/to/repo.git
//   - ssh://user@host.xz[:port]/path/to/repo.git
//   - http[s]://[user@]host.xz[:port]/path/to/repo.git
//   - file:///path/to/repo.git or /path/to/repo.git
func Parse(rawURL string) (*URL, error) {
	gURL := &URL{}

	rawURL = NormaliseURL(rawURL)

	var sections []string

	switch {
	case IsSCPURL(rawURL):
		sections = scpURLRgx.FindStringSubmatch(rawURL)
		gURL.Scheme = "scp"
		gURL.User = sections[scpURLRgx.SubexpIndex("user")]
		gURL.Host = sections[scpURLRgx.SubexpIndex("host")]
		gURL.Path = sections[scpURLRgx.SubexpIndex("path")]
		gURL.Repo = sections[scpURLRgx.SubexpIndex("repo")]
	case IsSSHURL(rawURL):
		sections = sshURLRgx.FindStringSubmatch(rawURL)
		gURL.Scheme = "ssh"
		gURL.User = sections[sshURLRgx.SubexpIndex("user")]
		gURL.Host = sections[sshURLRgx.SubexpIndex("host")]
		gURL.Path = sections[sshURLRgx.SubexpIndex("path")]
		gURL.Repo = sections[sshURLRgx.SubexpIndex("repo")]
	case IsHTTPURL(rawURL):
		sections = httpURLRgx.FindStringSubmatch(rawURL)
		gURL.Scheme = sections[httpURLRgx.SubexpIndex("scheme")]
		gURL.User = sections[httpURLRgx.SubexpIndex("user")]
		gURL.Host = sections[httpURLRgx.SubexpIndex("host")]
		gURL.Path = sections[httpURLRgx.SubexpIndex("path")]
		gURL.Repo = sections[httpURLRgx.SubexpIndex("repo")]
	case IsLocalURL(rawURL):
		sections = localURLRgx.FindStringSubmatch(rawURL)
		gURL.Scheme = "local"
		gURL.Path = sections[localURLRgx.SubexpIndex("path")]
		gURL.Repo = sections[localURLRgx.SubexpIndex("repo")]
	default:
		return nil, fmt.Errorf(
			"provided '%s' remote url is invalid, supported urls are 'user@host.xz:path/to/repo.git','ssh://user@host.xz/path/to/repo.git', 'https://host.xz/path/to/repo.git' or '/path/to/repo.git'",
			rawURL)
	}

	// scp path doesn't have leading "/"
	// also removing training "/" for consistency
	gURL.Path = strings.Trim(gURL.Path, "/")

	if gURL.Scheme != "local" && gURL.Path == "" {
		return nil, fmt.Errorf("repo path (org) cannot be empty")
	}
	if gURL.Repo == "" || gURL.Repo == ".git" {
		return nil, fmt.Errorf("repo name is invalid")
	}

	return gURL, nil
}

// Transport returns the transport family of the parsed url
func (u *URL) Transport() Transport {
	switch u.Scheme {
	case "scp", "ssh":
		return TransportSSH
	case "http", "https":
		return TransportHTTP
	case "local":
		return TransportLocal
	}
	return TransportUnknown
}

// FullPath returns host/path/repo without the '.git' suffix, it is used
// when matching remotes against glob patterns
func (u *URL) FullPath() string {
	return path.Join(u.Host, u.Path, strings.TrimSuffix(u.Repo, ".git"))
}

// Equals returns whether or not the two parsed git URLs are equivalent.
// git URLs can be represented in multiple schemes so if host, path and repo name
// of URLs are same then those URLs are for the same remote repository
func (lURL *URL) Equals(rURL *URL) bool {
	return lURL.Host == rURL.Host &&
		lURL.Path == rURL.Path &&
		(lURL.Repo == rURL.Repo ||
			strings.TrimSuffix(lURL.Repo, ".git") == strings.TrimSuffix(rURL.Repo, ".git"))
}

// SameRawURL returns whether or not the two remote URL strings are equivalent
func SameRawURL(lRepo, rRepo string) (bool, error) {
	lURL, err := Parse(lRepo)
	if err != nil {
		return false, err
	}
	rURL, err := Parse(rRepo)
	if err != nil {
		return false, err
	}

	return lURL.Equals(rURL), nil
}

// TransportOf returns transport of the raw url. Only the scheme or the scp
// prefix is inspected so remotes with paths Parse rejects are still
// classified. TransportUnknown is returned if neither matches.
func TransportOf(rawURL string) Transport {
	raw := strings.TrimSpace(rawURL)
	lower := strings.ToLower(raw)

	switch {
	case strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "http://"):
		return TransportHTTP
	case strings.HasPrefix(lower, "ssh://"), strings.HasPrefix(lower, "git+ssh://"), strings.HasPrefix(lower, "ssh+git://"):
		return TransportSSH
	case strings.HasPrefix(lower, "file://"), strings.HasPrefix(raw, "/"):
		return TransportLocal
	case scpPrefixRgx.MatchString(raw):
		return TransportSSH
	}
	return TransportUnknown
}

// UserOf returns the username embedded in the raw url or empty string
func UserOf(rawURL string) string {
	raw := strings.TrimSpace(rawURL)

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil || u.User == nil {
			return ""
		}
		return u.User.Username()
	}

	if m := scpPrefixRgx.FindStringSubmatch(raw); m != nil {
		return m[scpPrefixRgx.SubexpIndex("user")]
	}
	return ""
}

// IsSCPURL returns true if supplied URL is scp-like syntax
func IsSCPURL(rawURL string) bool {
	return scpURLRgx.MatchString(rawURL)
}

// IsSSHURL returns true if supplied URL is SSH URL
func IsSSHURL(rawURL string) bool {
	return sshURLRgx.MatchString(rawURL)
}

// IsHTTPURL returns true if supplied URL is HTTP or HTTPS URL
func IsHTTPURL(rawURL string) bool {
	return httpURLRgx.MatchString(rawURL)
}

// IsLocalURL returns true if supplied URL is a file:// URL or an absolute path
func IsLocalURL(rawURL string) bool {
	return localURLRgx.MatchString(rawURL)
}
