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

package bitbucket

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/maxcherey/insight-collector/pkg/jira"
	"github.com/maxcherey/insight-collector/pkg/model"
	"github.com/maxcherey/insight-collector/pkg/source"
)

// Options tune what the adapter fetches per pull request.
type Options struct {
	// CollectReviews emits reviewer rows.
	CollectReviews bool

	// CollectComments fetches the activities feed and emits comment rows.
	CollectComments bool
}

// Adapter implements [source.Adapter] for Bitbucket Server.
type Adapter struct {
	client     *Client
	dataSource model.DataSource
	opts       Options
	now        func() time.Time
}

// NewAdapter creates a Bitbucket Server adapter writing the given
// data_source discriminator.
func NewAdapter(client *Client, dataSource model.DataSource, opts Options) *Adapter {
	if dataSource == "" {
		dataSource = model.DataSourceBitbucketServer
	}
	return &Adapter{
		client:     client,
		dataSource: dataSource,
		opts:       opts,
		now:        time.Now,
	}
}

func (a *Adapter) DataSource() model.DataSource { return a.dataSource }

// Capabilities reports that commit file stats require the extra diff call.
func (a *Adapter) Capabilities() source.Capabilities {
	return source.Capabilities{InlineCommitFiles: false}
}

// ListProjects streams all projects visible to the credential.
func (a *Adapter) ListProjects(ctx context.Context, fn func(*source.Project) error) error {
	return pagedEach[bbProject](a.client, ctx, "/projects", nil, func(p *bbProject) error {
		return fn(&source.Project{Key: p.Key, Name: p.Name})
	})
}

// ListRepositories streams the repositories of one project.
func (a *Adapter) ListRepositories(ctx context.Context, project string, fn func(*model.Repository) error) error {
	p := "/projects/" + url.PathEscape(project) + "/repos"
	return pagedEach[bbRepository](a.client, ctx, p, nil, func(r *bbRepository) error {
		now := a.now()
		return fn(&model.Repository{
			ProjectKey:  project,
			RepoSlug:    r.Slug,
			DataSource:  a.dataSource,
			Name:        r.Name,
			IsPrivate:   !r.Public,
			FirstSeen:   now,
			LastUpdated: now,
			Version:     model.Stamp(now),
		})
	})
}

// ListBranches streams the branches of one repository.
func (a *Adapter) ListBranches(ctx context.Context, project, repo string, fn func(*model.Branch) error) error {
	p := a.repoPath(project, repo) + "/branches"
	return pagedEach[bbBranch](a.client, ctx, p, nil, func(b *bbBranch) error {
		now := a.now()
		branch := &model.Branch{
			ProjectKey:     project,
			RepoSlug:       repo,
			BranchName:     b.DisplayID,
			DataSource:     a.dataSource,
			LastCommitHash: b.LatestCommit,
			LastCheckedAt:  now,
			Version:        model.Stamp(now),
		}
		if b.IsDefault {
			branch.IsDefault = 1
		}
		return fn(branch)
	})
}

// StreamCommits streams commits on a branch newest-first, stopping once a
// commit's author date falls strictly below the watermark.
func (a *Adapter) StreamCommits(ctx context.Context, project, repo, branch string, since time.Time, fn func(*source.CommitEntry) error) error {
	p := a.repoPath(project, repo) + "/commits"
	q := url.Values{"until": []string{branch}}
	return pagedEach[bbCommit](a.client, ctx, p, q, func(c *bbCommit) error {
		commit := a.mapCommit(project, repo, branch, c)
		if !since.IsZero() {
			if commit.Date.Before(since) {
				return source.ErrStopPagination
			}
			// The watermark row itself is already stored; consume without
			// re-emitting.
			if commit.Date.Equal(since) {
				return nil
			}
		}
		return fn(&source.CommitEntry{Commit: commit})
	})
}

// StreamCommitFiles fetches the commit's diff and emits per-file line stats.
func (a *Adapter) StreamCommitFiles(ctx context.Context, project, repo, commitHash string, fn func(*model.CommitFile) error) error {
	p := a.repoPath(project, repo) + "/commits/" + url.PathEscape(commitHash) + "/diff"

	var diff bbDiff
	if err := a.client.get(ctx, p, nil, &diff); err != nil {
		return err
	}

	now := a.now()
	for _, d := range diff.Diffs {
		filePath := ""
		if d.Destination != nil {
			filePath = d.Destination.ToString
		} else if d.Source != nil {
			filePath = d.Source.ToString
		}
		if filePath == "" {
			continue
		}

		var added, removed int
		hash := sha256.New()
		for _, h := range d.Hunks {
			for _, seg := range h.Segments {
				for _, line := range seg.Lines {
					hash.Write([]byte(seg.Type))
					hash.Write([]byte(line.Line))
					hash.Write([]byte{'\n'})
				}
				switch seg.Type {
				case "ADDED":
					added += len(seg.Lines)
				case "REMOVED":
					removed += len(seg.Lines)
				}
			}
		}

		file := &model.CommitFile{
			ProjectKey:   project,
			RepoSlug:     repo,
			CommitHash:   commitHash,
			FilePath:     filePath,
			DataSource:   a.dataSource,
			DiffHash:     hex.EncodeToString(hash.Sum(nil)),
			Extension:    fileExtension(filePath),
			LinesAdded:   added,
			LinesRemoved: removed,
			Version:      model.Stamp(now),
		}
		if err := fn(file); err != nil {
			return err
		}
	}
	return nil
}

// StreamPullRequests streams pull requests newest-first by updated date,
// with reviewers, comments, commit links, and extracted tickets per entry.
func (a *Adapter) StreamPullRequests(ctx context.Context, project, repo string, since time.Time, fn func(*source.PullRequestEntry) error) error {
	p := a.repoPath(project, repo) + "/pull-requests"
	q := url.Values{
		"state": []string{"ALL"},
		"order": []string{"NEWEST"},
	}
	return pagedEach[bbPullRequest](a.client, ctx, p, q, func(pr *bbPullRequest) error {
		updated := model.FromEpochMillis(pr.UpdatedDate)
		if !since.IsZero() {
			if updated.Before(since) {
				return source.ErrStopPagination
			}
			if updated.Equal(since) {
				return nil
			}
		}

		entry, err := a.buildPullRequest(ctx, project, repo, pr)
		if err != nil {
			return err
		}
		return fn(entry)
	})
}

func (a *Adapter) buildPullRequest(ctx context.Context, project, repo string, pr *bbPullRequest) (*source.PullRequestEntry, error) {
	now := a.now()
	version := model.Stamp(now)

	created := model.FromEpochMillis(pr.CreatedDate)
	var closed time.Time
	if pr.ClosedDate > 0 {
		closed = model.FromEpochMillis(pr.ClosedDate)
	}

	row := &model.PullRequest{
		ProjectKey:        project,
		RepoSlug:          repo,
		PRID:              pr.ID,
		PRNumber:          pr.ID,
		DataSource:        a.dataSource,
		Title:             pr.Title,
		Description:       pr.Description,
		State:             pr.State,
		AuthorName:        pr.Author.User.Name,
		AuthorEmail:       pr.Author.User.EmailAddress,
		CreatedOn:         created,
		UpdatedOn:         model.FromEpochMillis(pr.UpdatedDate),
		ClosedOn:          closed,
		MergeCommitHash:   pr.Properties.MergeCommit.ID,
		SourceBranch:      pr.FromRef.DisplayID,
		DestinationBranch: pr.ToRef.DisplayID,
		CommentCount:      pr.Properties.CommentCount,
		TaskCount:         pr.Properties.OpenTaskCount + pr.Properties.ResolvedTaskCount,
		DurationSeconds:   model.DurationSeconds(created, closed),
		Version:           version,
	}

	entry := &source.PullRequestEntry{PullRequest: row}

	if a.opts.CollectReviews {
		for _, reviewer := range pr.Reviewers {
			entry.Reviewers = append(entry.Reviewers, &model.Reviewer{
				ProjectKey:   project,
				RepoSlug:     repo,
				PRID:         pr.ID,
				ReviewerUUID: reviewerUUID(reviewer.User),
				DataSource:   a.dataSource,
				Name:         reviewer.User.DisplayName,
				Email:        reviewer.User.EmailAddress,
				Status:       reviewer.Status,
				Role:         "REVIEWER",
				Approved:     model.ApprovedFlag(reviewer.Status),
				Version:      version,
			})
		}
	}

	if a.opts.CollectComments {
		comments, err := a.fetchComments(ctx, project, repo, pr.ID, version)
		if err != nil {
			return nil, err
		}
		entry.Comments = comments
	}

	links, err := a.fetchCommitLinks(ctx, project, repo, pr.ID, version)
	if err != nil {
		return nil, err
	}
	entry.Commits = links
	row.CommitCount = len(links)

	files, added, removed, err := a.fetchChangeStats(ctx, project, repo, pr.ID)
	if err != nil {
		return nil, err
	}
	row.FilesChanged = files
	row.LinesAdded = added
	row.LinesRemoved = removed

	for _, id := range jira.Union(jira.Extract(pr.Title, pr.Description), pr.Properties.JiraKey) {
		entry.Tickets = append(entry.Tickets, &model.Ticket{
			ExternalTicketID: id,
			ProjectKey:       project,
			RepoSlug:         repo,
			PRID:             pr.ID,
			DataSource:       a.dataSource,
			Version:          version,
		})
	}

	return entry, nil
}

// fetchComments walks the PR activities feed and flattens commented threads,
// replies included.
func (a *Adapter) fetchComments(ctx context.Context, project, repo string, prID int64, version int64) ([]*model.PRComment, error) {
	p := a.prPath(project, repo, prID) + "/activities"

	var comments []*model.PRComment
	err := pagedEach[bbActivity](a.client, ctx, p, nil, func(act *bbActivity) error {
		if act.Action != "COMMENTED" || act.Comment == nil {
			return nil
		}
		filePath := ""
		line := 0
		if act.CommentAnchor != nil {
			filePath = act.CommentAnchor.Path
			line = act.CommentAnchor.Line
		}
		comments = appendCommentTree(comments, project, repo, prID, a.dataSource, act.Comment, filePath, line, version)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return comments, nil
}

func appendCommentTree(out []*model.PRComment, project, repo string, prID int64, ds model.DataSource, c *bbComment, filePath string, line int, version int64) []*model.PRComment {
	row := &model.PRComment{
		ProjectKey: project,
		RepoSlug:   repo,
		PRID:       prID,
		CommentID:  c.ID,
		DataSource: ds,
		Content:    c.Text,
		AuthorName: c.Author.Name,
		CreatedAt:  model.FromEpochMillis(c.CreatedDate),
		UpdatedAt:  model.FromEpochMillis(c.UpdatedDate),
		State:      c.State,
		Severity:   c.Severity,
		FilePath:   filePath,
		LineNumber: line,
		Version:    version,
	}
	if c.ThreadResolved {
		row.ThreadResolved = 1
	}
	out = append(out, row)
	for i := range c.Comments {
		out = appendCommentTree(out, project, repo, prID, ds, &c.Comments[i], filePath, line, version)
	}
	return out
}

// fetchCommitLinks lists the PR's commits, preserving response order as
// commit_order.
func (a *Adapter) fetchCommitLinks(ctx context.Context, project, repo string, prID, version int64) ([]*model.PRCommitLink, error) {
	p := a.prPath(project, repo, prID) + "/commits"

	var links []*model.PRCommitLink
	err := pagedEach[bbCommit](a.client, ctx, p, nil, func(c *bbCommit) error {
		links = append(links, &model.PRCommitLink{
			ProjectKey:  project,
			RepoSlug:    repo,
			PRID:        prID,
			CommitHash:  c.ID,
			DataSource:  a.dataSource,
			CommitOrder: len(links),
			Version:     version,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return links, nil
}

// fetchChangeStats counts changed files from the PR changes listing. The
// changes endpoint carries no line counts; those stay zero here.
func (a *Adapter) fetchChangeStats(ctx context.Context, project, repo string, prID int64) (files, added, removed int, err error) {
	p := a.prPath(project, repo, prID) + "/changes"
	err = pagedEach[bbChange](a.client, ctx, p, nil, func(*bbChange) error {
		files++
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}
	return files, added, removed, nil
}

func (a *Adapter) mapCommit(project, repo, branch string, c *bbCommit) *model.Commit {
	parents := make([]string, 0, len(c.Parents))
	for _, p := range c.Parents {
		parents = append(parents, p.ID)
	}
	return &model.Commit{
		ProjectKey:     project,
		RepoSlug:       repo,
		CommitHash:     c.ID,
		DataSource:     a.dataSource,
		Branch:         branch,
		AuthorName:     c.Author.Name,
		AuthorEmail:    c.Author.EmailAddress,
		CommitterName:  c.Committer.Name,
		CommitterEmail: c.Committer.EmailAddress,
		Message:        c.Message,
		Date:           model.FromEpochMillis(c.AuthorTimestamp),
		Parents:        model.ParentsJSON(parents),
		IsMergeCommit:  model.MergeFlag(parents),
		Version:        model.Stamp(a.now()),
	}
}

// reviewerUUID derives the stable reviewer identity. Bitbucket Server has no
// user uuid; the slug is the immutable handle, with the login name as the
// fallback older servers report.
func reviewerUUID(u bbUser) string {
	if u.Slug != "" {
		return u.Slug
	}
	return u.Name
}

func (a *Adapter) repoPath(project, repo string) string {
	return "/projects/" + url.PathEscape(project) + "/repos/" + url.PathEscape(repo)
}

func (a *Adapter) prPath(project, repo string, prID int64) string {
	return a.repoPath(project, repo) + "/pull-requests/" + fmt.Sprintf("%d", prID)
}

func fileExtension(p string) string {
	return strings.TrimPrefix(path.Ext(p), ".")
}
