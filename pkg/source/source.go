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

// Package source defines the capability set every upstream adapter
// implements. Streams are lazy, single-pass callback iterations over
// paginated upstream responses; a callback returning ErrStopPagination halts
// the stream without error. Adapters apply the since watermark themselves and
// stop requesting pages at the first record strictly older than it.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/maxcherey/insight-collector/pkg/model"
)

// ErrStopPagination is returned by a stream callback to terminate iteration
// early. The stream stops requesting pages and returns nil.
var ErrStopPagination = errors.New("stop pagination")

// Project is one upstream project (Bitbucket) or organization (GitHub, a
// single virtual project).
type Project struct {
	Key  string
	Name string
}

// CommitEntry is one commit with whatever file detail the adapter's active
// path returns inline. Files is nil when the adapter only has aggregate
// counts; the orchestrator then calls StreamCommitFiles separately unless the
// adapter reports InlineCommitFiles.
type CommitEntry struct {
	Commit *model.Commit
	Files  []*model.CommitFile
}

// PullRequestEntry is one pull request with its nested collections, fetched
// together so the orchestrator emits them as a unit.
type PullRequestEntry struct {
	PullRequest *model.PullRequest
	Reviewers   []*model.Reviewer
	Comments    []*model.PRComment
	Commits     []*model.PRCommitLink
	Tickets     []*model.Ticket
}

// Capabilities reports which optional behaviors the adapter's active path
// provides, letting the orchestrator avoid redundant calls without branching
// on the upstream kind.
type Capabilities struct {
	// InlineCommitFiles is true when StreamCommits returns the commit's file
	// and line stats with the commit (per file or only as aggregate counts)
	// and StreamCommitFiles need not be called.
	InlineCommitFiles bool
}

// Adapter is the per-upstream capability set. Implementations handle
// pagination, rate limiting, and field normalization internally; the
// orchestrator only sees unified records.
type Adapter interface {
	// DataSource returns the discriminator written on every record.
	DataSource() model.DataSource

	// Capabilities reports the adapter's active-path capabilities.
	Capabilities() Capabilities

	// ListProjects streams the projects visible to the credential.
	ListProjects(ctx context.Context, fn func(*Project) error) error

	// ListRepositories streams the repositories of one project.
	ListRepositories(ctx context.Context, project string, fn func(*model.Repository) error) error

	// ListBranches streams the branches of one repository, exactly one of
	// which is marked default.
	ListBranches(ctx context.Context, project, repo string, fn func(*model.Branch) error) error

	// StreamCommits streams commits on a branch newest-first. A zero since
	// means no watermark: collect everything.
	StreamCommits(ctx context.Context, project, repo, branch string, since time.Time, fn func(*CommitEntry) error) error

	// StreamCommitFiles streams per-file stats for one commit. Only called
	// when Capabilities().InlineCommitFiles is false.
	StreamCommitFiles(ctx context.Context, project, repo, commitHash string, fn func(*model.CommitFile) error) error

	// StreamPullRequests streams pull requests newest-first by updated_on
	// with nested reviews, comments, commit links, and tickets.
	StreamPullRequests(ctx context.Context, project, repo string, since time.Time, fn func(*PullRequestEntry) error) error
}
