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

package github

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shurcooL/githubv4"

	"github.com/maxcherey/insight-collector/pkg/jira"
	"github.com/maxcherey/insight-collector/pkg/model"
	"github.com/maxcherey/insight-collector/pkg/ratelimit"
	"github.com/maxcherey/insight-collector/pkg/source"
)

// The bulk path. One GraphQL round trip returns a commit-history page with
// aggregate file stats, or a pull-request page with nested reviews, comments,
// and commits, replacing one list call plus N detail calls on the REST path.

type gqlPageInfo struct {
	HasNextPage githubv4.Boolean
	EndCursor   githubv4.String
}

type gqlActor struct {
	Login githubv4.String
}

type gqlCommit struct {
	Oid           githubv4.String
	Message       githubv4.String
	AuthoredDate  githubv4.DateTime
	CommittedDate githubv4.DateTime
	Additions     githubv4.Int
	Deletions     githubv4.Int
	ChangedFiles  githubv4.Int `graphql:"changedFilesIfAvailable"`
	Author        struct {
		Name  githubv4.String
		Email githubv4.String
	}
	Committer struct {
		Name  githubv4.String
		Email githubv4.String
	}
	Parents struct {
		Nodes []struct {
			Oid githubv4.String
		}
	} `graphql:"parents(first: 10)"`
}

type gqlPullRequest struct {
	// databaseId overflows Int for recent pull requests; fullDatabaseId is a
	// BigInt serialized as a string.
	FullDatabaseID githubv4.String `graphql:"fullDatabaseId"`
	Number         githubv4.Int
	Title          githubv4.String
	Body           githubv4.String
	State          githubv4.String
	Merged         githubv4.Boolean
	CreatedAt      githubv4.DateTime
	UpdatedAt      githubv4.DateTime
	ClosedAt       *githubv4.DateTime
	Author         *gqlActor
	BaseRefName    githubv4.String
	HeadRefName    githubv4.String
	Additions      githubv4.Int
	Deletions      githubv4.Int
	ChangedFiles   githubv4.Int
	MergeCommit    *struct {
		Oid githubv4.String
	}
	Reviews struct {
		Nodes []struct {
			Author      *gqlActor
			State       githubv4.String
			SubmittedAt *githubv4.DateTime
		}
	} `graphql:"reviews(first: 50)"`
	Comments struct {
		TotalCount githubv4.Int
		Nodes      []struct {
			FullDatabaseID githubv4.String `graphql:"fullDatabaseId"`
			Author         *gqlActor
			Body           githubv4.String
			CreatedAt      githubv4.DateTime
			UpdatedAt      githubv4.DateTime
		}
	} `graphql:"comments(first: 50)"`
	Commits struct {
		TotalCount githubv4.Int
		Nodes      []struct {
			Commit struct {
				Oid githubv4.String
			}
		}
	} `graphql:"commits(first: 100)"`
}

// query runs one GraphQL query under the retry harness, translating
// rate-limit payloads into the retryable kind.
func (a *Adapter) query(ctx context.Context, q any, variables map[string]any) error {
	return a.limiter.Do(ctx, func(ctx context.Context) error {
		if err := a.gql.Query(ctx, q, variables); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "rate limit") {
				return fmt.Errorf("%w: %s", ratelimit.ErrRateLimited, err)
			}
			return fmt.Errorf("graphql query failed: %w", err)
		}
		return nil
	})
}

func (a *Adapter) gqlStreamCommits(ctx context.Context, project, repo, branch string, since time.Time, fn func(*source.CommitEntry) error) error {
	var q struct {
		Repository struct {
			Ref *struct {
				Target struct {
					Commit struct {
						History struct {
							PageInfo gqlPageInfo
							Nodes    []gqlCommit
						} `graphql:"history(first: $pageSize, after: $cursor, since: $since)"`
					} `graphql:"... on Commit"`
				}
			} `graphql:"ref(qualifiedName: $branch)"`
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}

	var sinceArg *githubv4.GitTimestamp
	if !since.IsZero() {
		sinceArg = &githubv4.GitTimestamp{Time: since}
	}
	variables := map[string]any{
		"owner":    githubv4.String(project),
		"repo":     githubv4.String(repo),
		"branch":   githubv4.String(branch),
		"pageSize": githubv4.Int(commitPageSize),
		"cursor":   (*githubv4.String)(nil),
		"since":    sinceArg,
	}

	for {
		if err := a.query(ctx, &q, variables); err != nil {
			return err
		}
		if q.Repository.Ref == nil {
			// Branch vanished between listing and walking; nothing to stream.
			return nil
		}

		history := q.Repository.Ref.Target.Commit.History
		for i := range history.Nodes {
			commit := a.mapGQLCommit(project, repo, branch, &history.Nodes[i])
			if !since.IsZero() {
				if commit.Date.Before(since) {
					return nil
				}
				if commit.Date.Equal(since) {
					continue
				}
			}
			if err := fn(&source.CommitEntry{Commit: commit}); err != nil {
				if err == source.ErrStopPagination {
					return nil
				}
				return err
			}
		}

		if !history.PageInfo.HasNextPage {
			return nil
		}
		variables["cursor"] = githubv4.NewString(history.PageInfo.EndCursor)
	}
}

func (a *Adapter) gqlStreamPullRequests(ctx context.Context, project, repo string, since time.Time, fn func(*source.PullRequestEntry) error) error {
	var q struct {
		Repository struct {
			PullRequests struct {
				PageInfo gqlPageInfo
				Nodes    []gqlPullRequest
			} `graphql:"pullRequests(first: $pageSize, after: $cursor, orderBy: {field: UPDATED_AT, direction: DESC})"`
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}

	variables := map[string]any{
		"owner":    githubv4.String(project),
		"repo":     githubv4.String(repo),
		"pageSize": githubv4.Int(prPageSize),
		"cursor":   (*githubv4.String)(nil),
	}

	for {
		if err := a.query(ctx, &q, variables); err != nil {
			return err
		}

		page := q.Repository.PullRequests
		for i := range page.Nodes {
			node := &page.Nodes[i]
			if !since.IsZero() {
				if node.UpdatedAt.Time.Before(since) {
					return nil
				}
				if node.UpdatedAt.Time.Equal(since) {
					continue
				}
			}
			entry, err := a.mapGQLPullRequest(project, repo, node)
			if err != nil {
				return err
			}
			if err := fn(entry); err != nil {
				if err == source.ErrStopPagination {
					return nil
				}
				return err
			}
		}

		if !page.PageInfo.HasNextPage {
			return nil
		}
		variables["cursor"] = githubv4.NewString(page.PageInfo.EndCursor)
	}
}

func (a *Adapter) mapGQLCommit(project, repo, branch string, c *gqlCommit) *model.Commit {
	parents := make([]string, 0, len(c.Parents.Nodes))
	for _, p := range c.Parents.Nodes {
		parents = append(parents, string(p.Oid))
	}
	return &model.Commit{
		ProjectKey:     project,
		RepoSlug:       repo,
		CommitHash:     string(c.Oid),
		DataSource:     a.dataSource,
		Branch:         branch,
		AuthorName:     string(c.Author.Name),
		AuthorEmail:    string(c.Author.Email),
		CommitterName:  string(c.Committer.Name),
		CommitterEmail: string(c.Committer.Email),
		Message:        string(c.Message),
		Date:           c.AuthoredDate.Time,
		Parents:        model.ParentsJSON(parents),
		FilesChanged:   int(c.ChangedFiles),
		LinesAdded:     int(c.Additions),
		LinesRemoved:   int(c.Deletions),
		IsMergeCommit:  model.MergeFlag(parents),
		Version:        model.Stamp(a.now()),
	}
}

func (a *Adapter) mapGQLPullRequest(project, repo string, node *gqlPullRequest) (*source.PullRequestEntry, error) {
	now := a.now()
	version := model.Stamp(now)

	prID, err := strconv.ParseInt(string(node.FullDatabaseID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pull request id %q: %w", node.FullDatabaseID, err)
	}

	var closed time.Time
	if node.ClosedAt != nil {
		closed = node.ClosedAt.Time
	}
	var mergeCommit string
	if node.MergeCommit != nil {
		mergeCommit = string(node.MergeCommit.Oid)
	}

	row := &model.PullRequest{
		ProjectKey:        project,
		RepoSlug:          repo,
		PRID:              prID,
		PRNumber:          int64(node.Number),
		DataSource:        a.dataSource,
		Title:             string(node.Title),
		Description:       string(node.Body),
		State:             mapPRState(string(node.State), bool(node.Merged)),
		AuthorName:        actorLogin(node.Author),
		CreatedOn:         node.CreatedAt.Time,
		UpdatedOn:         node.UpdatedAt.Time,
		ClosedOn:          closed,
		MergeCommitHash:   mergeCommit,
		SourceBranch:      string(node.HeadRefName),
		DestinationBranch: string(node.BaseRefName),
		CommitCount:       int(node.Commits.TotalCount),
		CommentCount:      int(node.Comments.TotalCount),
		FilesChanged:      int(node.ChangedFiles),
		LinesAdded:        int(node.Additions),
		LinesRemoved:      int(node.Deletions),
		DurationSeconds:   model.DurationSeconds(node.CreatedAt.Time, closed),
		Version:           version,
	}

	entry := &source.PullRequestEntry{PullRequest: row}

	if a.opts.CollectReviews {
		for _, r := range node.Reviews.Nodes {
			var reviewedAt time.Time
			if r.SubmittedAt != nil {
				reviewedAt = r.SubmittedAt.Time
			}
			entry.Reviewers = append(entry.Reviewers, &model.Reviewer{
				ProjectKey:   project,
				RepoSlug:     repo,
				PRID:         prID,
				ReviewerUUID: actorLogin(r.Author),
				DataSource:   a.dataSource,
				Name:         actorLogin(r.Author),
				Status:       string(r.State),
				Role:         "REVIEWER",
				Approved:     model.ApprovedFlag(string(r.State)),
				ReviewedAt:   reviewedAt,
				Version:      version,
			})
		}
	}

	if a.opts.CollectComments {
		for _, c := range node.Comments.Nodes {
			commentID, err := strconv.ParseInt(string(c.FullDatabaseID), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse comment id %q: %w", c.FullDatabaseID, err)
			}
			entry.Comments = append(entry.Comments, &model.PRComment{
				ProjectKey: project,
				RepoSlug:   repo,
				PRID:       prID,
				CommentID:  commentID,
				DataSource: a.dataSource,
				Content:    string(c.Body),
				AuthorName: actorLogin(c.Author),
				CreatedAt:  c.CreatedAt.Time,
				UpdatedAt:  c.UpdatedAt.Time,
				Version:    version,
			})
		}
	}

	for i, c := range node.Commits.Nodes {
		entry.Commits = append(entry.Commits, &model.PRCommitLink{
			ProjectKey:  project,
			RepoSlug:    repo,
			PRID:        prID,
			CommitHash:  string(c.Commit.Oid),
			DataSource:  a.dataSource,
			CommitOrder: i,
			Version:     version,
		})
	}

	for _, id := range jira.Extract(string(node.Title), string(node.Body)) {
		entry.Tickets = append(entry.Tickets, &model.Ticket{
			ExternalTicketID: id,
			ProjectKey:       project,
			RepoSlug:         repo,
			PRID:             prID,
			DataSource:       a.dataSource,
			Version:          version,
		})
	}

	return entry, nil
}

// mapPRState normalizes the GitHub state: merged wins, everything else maps
// to OPEN or CLOSED.
func mapPRState(state string, merged bool) string {
	if merged {
		return model.PRStateMerged
	}
	switch strings.ToUpper(state) {
	case "OPEN":
		return model.PRStateOpen
	default:
		return model.PRStateClosed
	}
}

// actorLogin handles deleted accounts, which GraphQL returns as null actors.
func actorLogin(a *gqlActor) string {
	if a == nil {
		return ""
	}
	return string(a.Login)
}
