package discover

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/xanzy/go-gitlab"
	"golang.org/x/time/rate"
)

// GitLabLister lists projects of a GitLab group (including sub groups) or user
type GitLabLister struct {
	client  *gitlab.Client
	limiter *rate.Limiter
}

// NewGitLabLister returns lister for the GitLab instance at baseURL
func NewGitLabLister(baseURL, token string, httpClient *http.Client) (*GitLabLister, error) {
	opts := []gitlab.ClientOptionFunc{}
	if baseURL != "" {
		opts = append(opts, gitlab.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, gitlab.WithHTTPClient(httpClient))
	}

	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create GitLab client err:%w", err)
	}

	// gitlab.com allows 2000 requests per minute for authenticated users
	return &GitLabLister{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
	}, nil
}

// List returns all projects of the group and its sub groups, if there is
// no such group projects of the user with the same name are returned
func (g *GitLabLister) List(ctx context.Context, owner string) ([]Repository, error) {
	var all []Repository

	opts := &gitlab.ListGroupProjectsOptions{
		ListOptions:      gitlab.ListOptions{PerPage: 100},
		IncludeSubGroups: gitlab.Bool(true),
	}

	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		projects, resp, err := g.client.Groups.ListGroupProjects(owner, opts, gitlab.WithContext(ctx))
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return g.listUser(ctx, owner)
			}
			return nil, err
		}

		for _, p := range projects {
			all = append(all, fromGitLab(p))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

func (g *GitLabLister) listUser(ctx context.Context, user string) ([]Repository, error) {
	var all []Repository

	opts := &gitlab.ListProjectsOptions{
		ListOptions: gitlab.ListOptions{PerPage: 100},
	}

	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		projects, resp, err := g.client.Projects.ListUserProjects(user, opts, gitlab.WithContext(ctx))
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return nil, fmt.Errorf("%w: %s", ErrOwnerNotFound, user)
			}
			return nil, err
		}

		for _, p := range projects {
			all = append(all, fromGitLab(p))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

func fromGitLab(p *gitlab.Project) Repository {
	return Repository{
		FullName: p.PathWithNamespace,
		CloneURL: p.HTTPURLToRepo,
		SSHURL:   p.SSHURLToRepo,
		Archived: p.Archived,
	}
}
