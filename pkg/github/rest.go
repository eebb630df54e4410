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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/go-github/v56/github"

	"github.com/maxcherey/insight-collector/pkg/jira"
	"github.com/maxcherey/insight-collector/pkg/model"
	"github.com/maxcherey/insight-collector/pkg/source"
)

// The fallback path: one REST list call plus per-item detail calls. Slower
// and call-hungrier than the bulk path, but works without GraphQL.

// restCall runs one REST call under the retry harness, feeding rate-limit
// headers back into the shared limiter.
func restCall[T any](ctx context.Context, a *Adapter, f func(ctx context.Context) (T, *github.Response, error)) (T, error) {
	var out T
	err := a.limiter.Do(ctx, func(ctx context.Context) error {
		v, resp, err := f(ctx)
		if resp != nil {
			a.limiter.UpdateFromHeaders(resp.Header)
		}
		if err != nil {
			return err //nolint:wrapcheck // Classified by the harness
		}
		out = v
		return nil
	})
	return out, err
}

func (a *Adapter) restStreamCommits(ctx context.Context, project, repo, branch string, since time.Time, fn func(*source.CommitEntry) error) error {
	opt := &github.CommitsListOptions{
		SHA:         branch,
		Since:       since,
		ListOptions: github.ListOptions{PerPage: restPageSize},
	}

	for {
		var page []*github.RepositoryCommit
		var resp *github.Response
		err := a.limiter.Do(ctx, func(ctx context.Context) error {
			var err error
			page, resp, err = a.rest.Repositories.ListCommits(ctx, project, repo, opt)
			if resp != nil {
				a.limiter.UpdateFromHeaders(resp.Header)
			}
			if err != nil {
				return err //nolint:wrapcheck // Classified by the harness
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, c := range page {
			date := c.GetCommit().GetAuthor().GetDate().Time
			if !since.IsZero() {
				if date.Before(since) {
					return nil
				}
				if date.Equal(since) {
					continue
				}
			}

			detail, err := a.getCommitDetail(ctx, project, repo, c.GetSHA())
			if err != nil {
				return err
			}

			entry := &source.CommitEntry{
				Commit: a.mapRESTCommit(project, repo, branch, detail),
				Files:  a.mapCommitFiles(project, repo, c.GetSHA(), detail.Files),
			}
			if err := fn(entry); err != nil {
				if err == source.ErrStopPagination {
					return nil
				}
				return err
			}
		}

		if resp.NextPage == 0 {
			return nil
		}
		opt.Page = resp.NextPage
	}
}

func (a *Adapter) getCommitDetail(ctx context.Context, project, repo, sha string) (*github.RepositoryCommit, error) {
	detail, err := restCall(ctx, a, func(ctx context.Context) (*github.RepositoryCommit, *github.Response, error) {
		return a.rest.Repositories.GetCommit(ctx, project, repo, sha, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get commit %s: %w", sha, err)
	}
	return detail, nil
}

func (a *Adapter) mapRESTCommit(project, repo, branch string, c *github.RepositoryCommit) *model.Commit {
	parents := make([]string, 0, len(c.Parents))
	for _, p := range c.Parents {
		parents = append(parents, p.GetSHA())
	}
	return &model.Commit{
		ProjectKey:     project,
		RepoSlug:       repo,
		CommitHash:     c.GetSHA(),
		DataSource:     a.dataSource,
		Branch:         branch,
		AuthorName:     c.GetCommit().GetAuthor().GetName(),
		AuthorEmail:    c.GetCommit().GetAuthor().GetEmail(),
		CommitterName:  c.GetCommit().GetCommitter().GetName(),
		CommitterEmail: c.GetCommit().GetCommitter().GetEmail(),
		Message:        c.GetCommit().GetMessage(),
		Date:           c.GetCommit().GetAuthor().GetDate().Time,
		Parents:        model.ParentsJSON(parents),
		FilesChanged:   len(c.Files),
		LinesAdded:     c.GetStats().GetAdditions(),
		LinesRemoved:   c.GetStats().GetDeletions(),
		IsMergeCommit:  model.MergeFlag(parents),
		Version:        model.Stamp(a.now()),
	}
}

func (a *Adapter) mapCommitFiles(project, repo, sha string, files []*github.CommitFile) []*model.CommitFile {
	now := a.now()
	out := make([]*model.CommitFile, 0, len(files))
	for _, f := range files {
		digest := sha256.Sum256([]byte(f.GetPatch()))
		out = append(out, &model.CommitFile{
			ProjectKey:   project,
			RepoSlug:     repo,
			CommitHash:   sha,
			FilePath:     f.GetFilename(),
			DataSource:   a.dataSource,
			DiffHash:     hex.EncodeToString(digest[:]),
			Extension:    fileExtension(f.GetFilename()),
			LinesAdded:   f.GetAdditions(),
			LinesRemoved: f.GetDeletions(),
			Version:      model.Stamp(now),
		})
	}
	return out
}

func fileExtension(p string) string {
	return strings.TrimPrefix(path.Ext(p), ".")
}

func (a *Adapter) restStreamPullRequests(ctx context.Context, project, repo string, since time.Time, fn func(*source.PullRequestEntry) error) error {
	opt := &github.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: restPageSize},
	}

	for {
		var page []*github.PullRequest
		var resp *github.Response
		err := a.limiter.Do(ctx, func(ctx context.Context) error {
			var err error
			page, resp, err = a.rest.PullRequests.List(ctx, project, repo, opt)
			if resp != nil {
				a.limiter.UpdateFromHeaders(resp.Header)
			}
			if err != nil {
				return err //nolint:wrapcheck // Classified by the harness
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, pr := range page {
			if !since.IsZero() {
				if pr.GetUpdatedAt().Time.Before(since) {
					return nil
				}
				if pr.GetUpdatedAt().Time.Equal(since) {
					continue
				}
			}

			entry, err := a.buildRESTPullRequest(ctx, project, repo, pr)
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

		if resp.NextPage == 0 {
			return nil
		}
		opt.Page = resp.NextPage
	}
}

func (a *Adapter) buildRESTPullRequest(ctx context.Context, project, repo string, listed *github.PullRequest) (*source.PullRequestEntry, error) {
	now := a.now()
	version := model.Stamp(now)
	number := listed.GetNumber()

	// The list response has no diff stats; fetch the detail.
	pr, err := restCall(ctx, a, func(ctx context.Context) (*github.PullRequest, *github.Response, error) {
		return a.rest.PullRequests.Get(ctx, project, repo, number)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get pull request %d: %w", number, err)
	}

	created := pr.GetCreatedAt().Time
	var closed time.Time
	if pr.ClosedAt != nil {
		closed = pr.GetClosedAt().Time
	}
	merged := pr.MergedAt != nil

	state := model.PRStateClosed
	if merged {
		state = model.PRStateMerged
	} else if pr.GetState() == "open" {
		state = model.PRStateOpen
	}

	row := &model.PullRequest{
		ProjectKey:        project,
		RepoSlug:          repo,
		PRID:              pr.GetID(),
		PRNumber:          int64(number),
		DataSource:        a.dataSource,
		Title:             pr.GetTitle(),
		Description:       pr.GetBody(),
		State:             state,
		AuthorName:        pr.GetUser().GetLogin(),
		CreatedOn:         created,
		UpdatedOn:         pr.GetUpdatedAt().Time,
		ClosedOn:          closed,
		MergeCommitHash:   pr.GetMergeCommitSHA(),
		SourceBranch:      pr.GetHead().GetRef(),
		DestinationBranch: pr.GetBase().GetRef(),
		CommitCount:       pr.GetCommits(),
		CommentCount:      pr.GetComments(),
		FilesChanged:      pr.GetChangedFiles(),
		LinesAdded:        pr.GetAdditions(),
		LinesRemoved:      pr.GetDeletions(),
		DurationSeconds:   model.DurationSeconds(created, closed),
		Version:           version,
	}

	entry := &source.PullRequestEntry{PullRequest: row}

	if a.opts.CollectReviews {
		reviews, err := restCall(ctx, a, func(ctx context.Context) ([]*github.PullRequestReview, *github.Response, error) {
			return a.rest.PullRequests.ListReviews(ctx, project, repo, number, &github.ListOptions{PerPage: restPageSize})
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list reviews for pull request %d: %w", number, err)
		}
		for _, r := range reviews {
			entry.Reviewers = append(entry.Reviewers, &model.Reviewer{
				ProjectKey:   project,
				RepoSlug:     repo,
				PRID:         pr.GetID(),
				ReviewerUUID: r.GetUser().GetLogin(),
				DataSource:   a.dataSource,
				Name:         r.GetUser().GetLogin(),
				Status:       r.GetState(),
				Role:         "REVIEWER",
				Approved:     model.ApprovedFlag(r.GetState()),
				ReviewedAt:   r.GetSubmittedAt().Time,
				Version:      version,
			})
		}
	}

	if a.opts.CollectComments {
		comments, err := restCall(ctx, a, func(ctx context.Context) ([]*github.IssueComment, *github.Response, error) {
			return a.rest.Issues.ListComments(ctx, project, repo, number, &github.IssueListCommentsOptions{
				ListOptions: github.ListOptions{PerPage: restPageSize},
			})
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list comments for pull request %d: %w", number, err)
		}
		for _, c := range comments {
			entry.Comments = append(entry.Comments, &model.PRComment{
				ProjectKey: project,
				RepoSlug:   repo,
				PRID:       pr.GetID(),
				CommentID:  c.GetID(),
				DataSource: a.dataSource,
				Content:    c.GetBody(),
				AuthorName: c.GetUser().GetLogin(),
				CreatedAt:  c.GetCreatedAt().Time,
				UpdatedAt:  c.GetUpdatedAt().Time,
				Version:    version,
			})
		}

		inline, err := restCall(ctx, a, func(ctx context.Context) ([]*github.PullRequestComment, *github.Response, error) {
			return a.rest.PullRequests.ListComments(ctx, project, repo, number, &github.PullRequestListCommentsOptions{
				ListOptions: github.ListOptions{PerPage: restPageSize},
			})
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list review comments for pull request %d: %w", number, err)
		}
		for _, c := range inline {
			entry.Comments = append(entry.Comments, &model.PRComment{
				ProjectKey: project,
				RepoSlug:   repo,
				PRID:       pr.GetID(),
				CommentID:  c.GetID(),
				DataSource: a.dataSource,
				Content:    c.GetBody(),
				AuthorName: c.GetUser().GetLogin(),
				CreatedAt:  c.GetCreatedAt().Time,
				UpdatedAt:  c.GetUpdatedAt().Time,
				FilePath:   c.GetPath(),
				LineNumber: c.GetLine(),
				Version:    version,
			})
		}
	}

	commits, err := restCall(ctx, a, func(ctx context.Context) ([]*github.RepositoryCommit, *github.Response, error) {
		return a.rest.PullRequests.ListCommits(ctx, project, repo, number, &github.ListOptions{PerPage: restPageSize})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list commits for pull request %d: %w", number, err)
	}
	for i, c := range commits {
		entry.Commits = append(entry.Commits, &model.PRCommitLink{
			ProjectKey:  project,
			RepoSlug:    repo,
			PRID:        pr.GetID(),
			CommitHash:  c.GetSHA(),
			DataSource:  a.dataSource,
			CommitOrder: i,
			Version:     version,
		})
	}

	for _, id := range jira.Extract(pr.GetTitle(), pr.GetBody()) {
		entry.Tickets = append(entry.Tickets, &model.Ticket{
			ExternalTicketID: id,
			ProjectKey:       project,
			RepoSlug:         repo,
			PRID:             pr.GetID(),
			DataSource:       a.dataSource,
			Version:          version,
		})
	}

	return entry, nil
}
