// Package discover expands configured sources into repository identifiers
// by listing them through the GitHub and GitLab APIs.
package discover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentSources is the number of sources listed at the same time
const maxConcurrentSources = 4

// ErrOwnerNotFound is returned when provider knows neither an organisation
// nor a user with the source owner name
var ErrOwnerNotFound = errors.New("owner not found")

// Repository is a repository returned by a provider
type Repository struct {
	FullName string
	CloneURL string
	SSHURL   string
	Archived bool
}

// Lister lists all repositories of an owner
type Lister interface {
	List(ctx context.Context, owner string) ([]Repository, error)
}

// NewLister returns lister of the source provider. API token is read from
// the env variable named by source TokenEnv, an unset variable means
// anonymous access.
func NewLister(s Source, httpClient *http.Client) (Lister, error) {
	token := ""
	if s.TokenEnv != "" {
		token = os.Getenv(s.TokenEnv)
	}

	switch s.Provider {
	case ProviderGitHub:
		return NewGitHubLister(s.BaseURL, token, httpClient)
	case ProviderGitLab:
		return NewGitLabLister(s.BaseURL, token, httpClient)
	default:
		return nil, fmt.Errorf("unknown provider '%s'", s.Provider)
	}
}

// Identifiers lists repositories of the source and returns their clone
// urls using source protocol. Archived repositories are skipped unless
// source includes them.
func Identifiers(ctx context.Context, s Source, l Lister) ([]string, error) {
	repos, err := l.List(ctx, s.Owner)
	if err != nil {
		return nil, fmt.Errorf("unable to list repositories of %s err:%w", s, err)
	}

	ids := make([]string, 0, len(repos))
	for _, r := range repos {
		if r.Archived && !s.IncludeArchived {
			continue
		}
		id := r.CloneURL
		if s.Protocol == ProtocolSSH {
			id = r.SSHURL
		}
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Expand lists all sources concurrently and returns identifiers of their
// repositories in source order. It fails if any source cannot be listed.
func Expand(ctx context.Context, sources []Source, httpClient *http.Client, log *slog.Logger) ([]string, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	results := make([][]string, len(sources))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSources)

	for i, s := range sources {
		g.Go(func() error {
			l, err := NewLister(s, httpClient)
			if err != nil {
				return err
			}
			ids, err := Identifiers(ctx, s, l)
			if err != nil {
				return err
			}
			log.Debug("source listed", "source", s, "repos", len(ids))
			results[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []string
	for _, ids := range results {
		all = append(all, ids...)
	}
	return all, nil
}
