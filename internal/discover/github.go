package discover

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v53/github"
	"golang.org/x/time/rate"
)

// githubTokenTransport adds GitHub token authentication to requests
type githubTokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *githubTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "token "+t.token)
	return t.base.RoundTrip(req)
}

// GitHubLister lists repositories of a GitHub organisation or user
type GitHubLister struct {
	client  *github.Client
	limiter *rate.Limiter
}

// NewGitHubLister returns lister for the GitHub API at baseURL
func NewGitHubLister(baseURL, token string, httpClient *http.Client) (*GitHubLister, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if token != "" {
		base := httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		c := *httpClient
		c.Transport = &githubTokenTransport{token: token, base: base}
		httpClient = &c
	}

	client := github.NewClient(httpClient)

	if baseURL != "" && baseURL != DefaultGitHubURL {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL err:%w", err)
		}
		client.BaseURL = u
	}

	// authenticated clients get 5000 requests per hour
	return &GitHubLister{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}, nil
}

// List returns all repositories of the organisation, if there is no such
// organisation repositories of the user with the same name are returned
func (g *GitHubLister) List(ctx context.Context, owner string) ([]Repository, error) {
	var all []Repository

	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		repos, resp, err := g.client.Repositories.ListByOrg(ctx, owner, opts)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return g.listUser(ctx, owner)
			}
			return nil, rateLimitErr(err)
		}

		for _, r := range repos {
			all = append(all, fromGitHub(r))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

func (g *GitHubLister) listUser(ctx context.Context, user string) ([]Repository, error) {
	var all []Repository

	opts := &github.RepositoryListOptions{
		Type:        "owner",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		repos, resp, err := g.client.Repositories.List(ctx, user, opts)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return nil, fmt.Errorf("%w: %s", ErrOwnerNotFound, user)
			}
			return nil, rateLimitErr(err)
		}

		for _, r := range repos {
			all = append(all, fromGitHub(r))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

func fromGitHub(r *github.Repository) Repository {
	return Repository{
		FullName: r.GetFullName(),
		CloneURL: r.GetCloneURL(),
		SSHURL:   r.GetSSHURL(),
		Archived: r.GetArchived(),
	}
}

// rateLimitErr adds reset time to GitHub rate limit errors
func rateLimitErr(err error) error {
	switch e := err.(type) {
	case *github.RateLimitError:
		return fmt.Errorf("API rate limit exceeded, resets at %s err:%w", e.Rate.Reset.Time.Format(time.RFC3339), err)
	case *github.AbuseRateLimitError:
		return fmt.Errorf("API secondary rate limit exceeded, retry after %s err:%w", e.GetRetryAfter(), err)
	}
	return err
}
