// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package github implements the source adapter for GitHub. The organization
// is the single virtual project. Two paths exist behind the same capability
// set: a bulk GraphQL path returning commits with aggregate file stats and
// pull requests with nested reviews, comments, and commits in one round
// trip, and a REST fallback that makes one list call plus per-item detail
// calls. The switch is invisible to the orchestrator.
package github

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v56/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/maxcherey/insight-collector/pkg/model"
	"github.com/maxcherey/insight-collector/pkg/ratelimit"
	"github.com/maxcherey/insight-collector/pkg/source"
)

const (
	// restPageSize is the page size for REST listings.
	restPageSize = 100

	// commitPageSize is the page size for GraphQL commit history.
	commitPageSize = 100

	// prPageSize is the page size for GraphQL pull requests; the nested
	// connections make larger pages trip node limits.
	prPageSize = 25
)

// Options tune what the adapter fetches per pull request.
type Options struct {
	CollectReviews  bool
	CollectComments bool
}

// Adapter implements [source.Adapter] for GitHub.
type Adapter struct {
	org        string
	rest       *github.Client
	gql        *githubv4.Client
	useGraphQL bool
	dataSource model.DataSource
	opts       Options
	limiter    *ratelimit.Limiter
	now        func() time.Time
}

// NewAdapter creates a GitHub adapter for one organization. baseURL is empty
// for github.com or the enterprise server URL. The bulk GraphQL path is used
// when useGraphQL is true and a token is present; otherwise the adapter
// falls back to REST per-item calls.
func NewAdapter(ctx context.Context, org, token, baseURL string, useGraphQL bool, dataSource model.DataSource, opts Options, limiter *ratelimit.Limiter) (*Adapter, error) {
	if dataSource == "" {
		dataSource = model.DataSourceGitHub
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)

	restClient := github.NewClient(httpClient)
	gqlClient := githubv4.NewClient(httpClient)
	if baseURL != "" {
		var err error
		restClient, err = restClient.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create enterprise client: %w", err)
		}
		gqlClient = githubv4.NewEnterpriseClient(strings.TrimSuffix(baseURL, "/")+"/api/graphql", httpClient)
	}

	return &Adapter{
		org:        org,
		rest:       restClient,
		gql:        gqlClient,
		useGraphQL: useGraphQL && token != "",
		dataSource: dataSource,
		opts:       opts,
		limiter:    limiter,
		now:        time.Now,
	}, nil
}

func (a *Adapter) DataSource() model.DataSource { return a.dataSource }

// Capabilities: both GitHub paths return commit stats with the commit (the
// GraphQL history carries aggregate counts, the REST fallback fetches the
// per-commit detail inline), so the orchestrator never needs the separate
// per-commit file call.
func (a *Adapter) Capabilities() source.Capabilities {
	return source.Capabilities{InlineCommitFiles: true}
}

// ListProjects streams the single virtual project: the organization.
func (a *Adapter) ListProjects(ctx context.Context, fn func(*source.Project) error) error {
	return fn(&source.Project{Key: a.org, Name: a.org})
}

// ListRepositories streams the organization's repositories via REST.
func (a *Adapter) ListRepositories(ctx context.Context, project string, fn func(*model.Repository) error) error {
	opt := &github.RepositoryListByOrgOptions{
		ListOptions: github.ListOptions{PerPage: restPageSize},
	}
	for {
		var repos []*github.Repository
		var resp *github.Response
		err := a.limiter.Do(ctx, func(ctx context.Context) error {
			var err error
			repos, resp, err = a.rest.Repositories.ListByOrg(ctx, project, opt)
			if resp != nil {
				a.limiter.UpdateFromHeaders(resp.Header)
			}
			if err != nil {
				return fmt.Errorf("failed to list repositories: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, r := range repos {
			if err := fn(a.mapRepository(project, r)); err != nil {
				return err
			}
		}

		if resp.NextPage == 0 {
			return nil
		}
		opt.Page = resp.NextPage
	}
}

// ListBranches streams the repository's branches via REST, marking the
// repository's default branch.
func (a *Adapter) ListBranches(ctx context.Context, project, repo string, fn func(*model.Branch) error) error {
	var defaultBranch string
	err := a.limiter.Do(ctx, func(ctx context.Context) error {
		r, resp, err := a.rest.Repositories.Get(ctx, project, repo)
		if resp != nil {
			a.limiter.UpdateFromHeaders(resp.Header)
		}
		if err != nil {
			return fmt.Errorf("failed to get repository: %w", err)
		}
		defaultBranch = r.GetDefaultBranch()
		return nil
	})
	if err != nil {
		return err
	}

	opt := &github.BranchListOptions{
		ListOptions: github.ListOptions{PerPage: restPageSize},
	}
	for {
		var branches []*github.Branch
		var resp *github.Response
		err := a.limiter.Do(ctx, func(ctx context.Context) error {
			var err error
			branches, resp, err = a.rest.Repositories.ListBranches(ctx, project, repo, opt)
			if resp != nil {
				a.limiter.UpdateFromHeaders(resp.Header)
			}
			if err != nil {
				return fmt.Errorf("failed to list branches: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		now := a.now()
		for _, b := range branches {
			branch := &model.Branch{
				ProjectKey:     project,
				RepoSlug:       repo,
				BranchName:     b.GetName(),
				DataSource:     a.dataSource,
				LastCommitHash: b.GetCommit().GetSHA(),
				LastCheckedAt:  now,
				Version:        model.Stamp(now),
			}
			if b.GetName() == defaultBranch {
				branch.IsDefault = 1
			}
			if err := fn(branch); err != nil {
				return err
			}
		}

		if resp.NextPage == 0 {
			return nil
		}
		opt.Page = resp.NextPage
	}
}

// StreamCommits picks the bulk or fallback path for the commit history.
func (a *Adapter) StreamCommits(ctx context.Context, project, repo, branch string, since time.Time, fn func(*source.CommitEntry) error) error {
	if a.useGraphQL {
		return a.gqlStreamCommits(ctx, project, repo, branch, since, fn)
	}
	return a.restStreamCommits(ctx, project, repo, branch, since, fn)
}

// StreamCommitFiles is the per-item detail call. Both active paths return
// commit stats inline and Capabilities reports InlineCommitFiles, so the
// orchestrator does not call this for GitHub.
func (a *Adapter) StreamCommitFiles(ctx context.Context, project, repo, commitHash string, fn func(*model.CommitFile) error) error {
	detail, err := a.getCommitDetail(ctx, project, repo, commitHash)
	if err != nil {
		return err
	}
	for _, f := range a.mapCommitFiles(project, repo, commitHash, detail.Files) {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// StreamPullRequests picks the bulk or fallback path for pull requests.
func (a *Adapter) StreamPullRequests(ctx context.Context, project, repo string, since time.Time, fn func(*source.PullRequestEntry) error) error {
	if a.useGraphQL {
		return a.gqlStreamPullRequests(ctx, project, repo, since, fn)
	}
	return a.restStreamPullRequests(ctx, project, repo, since, fn)
}

func (a *Adapter) mapRepository(project string, r *github.Repository) *model.Repository {
	now := a.now()
	repo := &model.Repository{
		ProjectKey:     project,
		RepoSlug:       r.GetName(),
		DataSource:     a.dataSource,
		Name:           r.GetName(),
		UUID:           r.GetNodeID(),
		IsPrivate:      r.GetPrivate(),
		SizeBytes:      int64(r.GetSize()) * 1024,
		Language:       r.GetLanguage(),
		HasIssues:      r.GetHasIssues(),
		HasWiki:        r.GetHasWiki(),
		LastCommitDate: r.GetPushedAt().Time,
		FirstSeen:      now,
		LastUpdated:    now,
		Version:        model.Stamp(now),
	}
	if r.GetSize() == 0 {
		repo.IsEmpty = 1
	}
	return repo
}
