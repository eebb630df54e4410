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

// Package model defines the unified record shapes written to the analytical
// store. Every record carries a data_source discriminator and a _version
// stamp; the store's merge-on-read engine resolves duplicate identity keys by
// keeping the row with the larger _version.
package model

import "time"

// DataSource identifies the upstream a record was collected from.
type DataSource string

const (
	DataSourceBitbucketServer DataSource = "insight_bitbucket_server"
	DataSourceGitHub          DataSource = "insight_github"
	DataSourceGitLab          DataSource = "insight_gitlab"
	DataSourceCustomETL       DataSource = "custom_etl"
)

// Destination table names within the dataset.
const (
	TableRepositories   = "repositories"
	TableBranches       = "branches"
	TableCommits        = "commits"
	TableCommitFiles    = "commit_files"
	TablePullRequests   = "pull_requests"
	TablePRReviewers    = "pr_reviewers"
	TablePRComments     = "pr_comments"
	TablePRCommits      = "pr_commits"
	TableTickets        = "tickets"
	TableCollectionRuns = "collection_runs"
)

// FlushOrder is the dependency order for flushing batches on finalize:
// parents before the child rows that reference them.
var FlushOrder = []string{
	TableRepositories,
	TableBranches,
	TableCommits,
	TableCommitFiles,
	TablePullRequests,
	TablePRReviewers,
	TablePRComments,
	TablePRCommits,
	TableTickets,
	TableCollectionRuns,
}

// Pull request states.
const (
	PRStateOpen     = "OPEN"
	PRStateMerged   = "MERGED"
	PRStateClosed   = "CLOSED"
	PRStateDeclined = "DECLINED"
)

// Collection run states.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Repository is one upstream repository, keyed on
// (project_key, repo_slug, data_source).
type Repository struct {
	ProjectKey     string     `bigquery:"project_key"`
	RepoSlug       string     `bigquery:"repo_slug"`
	DataSource     DataSource `bigquery:"data_source"`
	Name           string     `bigquery:"name"`
	UUID           string     `bigquery:"uuid"`
	IsPrivate      bool       `bigquery:"is_private"`
	IsEmpty        int        `bigquery:"is_empty"`
	SizeBytes      int64      `bigquery:"size_bytes"`
	Language       string     `bigquery:"language"`
	HasIssues      bool       `bigquery:"has_issues"`
	HasWiki        bool       `bigquery:"has_wiki"`
	ForkPolicy     string     `bigquery:"fork_policy"`
	LastCommitDate time.Time  `bigquery:"last_commit_date"`
	FirstSeen      time.Time  `bigquery:"first_seen"`
	LastUpdated    time.Time  `bigquery:"last_updated"`
	Version        int64      `bigquery:"_version"`
}

// Branch is one branch head, keyed on
// (project_key, repo_slug, branch_name, data_source).
type Branch struct {
	ProjectKey     string     `bigquery:"project_key"`
	RepoSlug       string     `bigquery:"repo_slug"`
	BranchName     string     `bigquery:"branch_name"`
	DataSource     DataSource `bigquery:"data_source"`
	IsDefault      int        `bigquery:"is_default"`
	LastCommitHash string     `bigquery:"last_commit_hash"`
	LastCommitDate time.Time  `bigquery:"last_commit_date"`
	LastCheckedAt  time.Time  `bigquery:"last_checked_at"`
	Version        int64      `bigquery:"_version"`
}

// Commit is keyed on (project_key, repo_slug, commit_hash, data_source).
// Parents holds a JSON array of parent hashes; IsMergeCommit is derived from
// its length and nothing else.
type Commit struct {
	ProjectKey        string     `bigquery:"project_key"`
	RepoSlug          string     `bigquery:"repo_slug"`
	CommitHash        string     `bigquery:"commit_hash"`
	DataSource        DataSource `bigquery:"data_source"`
	Branch            string     `bigquery:"branch"`
	AuthorName        string     `bigquery:"author_name"`
	AuthorEmail       string     `bigquery:"author_email"`
	CommitterName     string     `bigquery:"committer_name"`
	CommitterEmail    string     `bigquery:"committer_email"`
	Message           string     `bigquery:"message"`
	Date              time.Time  `bigquery:"date"`
	Parents           string     `bigquery:"parents"`
	FilesChanged      int        `bigquery:"files_changed"`
	LinesAdded        int        `bigquery:"lines_added"`
	LinesRemoved      int        `bigquery:"lines_removed"`
	IsMergeCommit     int        `bigquery:"is_merge_commit"`
	LanguageBreakdown string     `bigquery:"language_breakdown"`
	Version           int64      `bigquery:"_version"`
}

// CommitFile is one file touched by a commit, keyed on
// (project_key, repo_slug, commit_hash, file_path, data_source).
type CommitFile struct {
	ProjectKey   string     `bigquery:"project_key"`
	RepoSlug     string     `bigquery:"repo_slug"`
	CommitHash   string     `bigquery:"commit_hash"`
	FilePath     string     `bigquery:"file_path"`
	DataSource   DataSource `bigquery:"data_source"`
	DiffHash     string     `bigquery:"diff_hash"`
	Extension    string     `bigquery:"extension"`
	LinesAdded   int        `bigquery:"lines_added"`
	LinesRemoved int        `bigquery:"lines_removed"`
	IsThirdParty int        `bigquery:"is_third_party"`
	Scancode     string     `bigquery:"scancode_metadata"`
	Version      int64      `bigquery:"_version"`
}

// PullRequest is keyed on (project_key, repo_slug, pr_id, data_source).
// PRID and PRNumber are equal on Bitbucket; on GitHub PRID is the databaseId
// and PRNumber is the per-repository sequential number.
type PullRequest struct {
	ProjectKey        string     `bigquery:"project_key"`
	RepoSlug          string     `bigquery:"repo_slug"`
	PRID              int64      `bigquery:"pr_id"`
	PRNumber          int64      `bigquery:"pr_number"`
	DataSource        DataSource `bigquery:"data_source"`
	Title             string     `bigquery:"title"`
	Description       string     `bigquery:"description"`
	State             string     `bigquery:"state"`
	AuthorName        string     `bigquery:"author_name"`
	AuthorEmail       string     `bigquery:"author_email"`
	CreatedOn         time.Time  `bigquery:"created_on"`
	UpdatedOn         time.Time  `bigquery:"updated_on"`
	ClosedOn          time.Time  `bigquery:"closed_on"`
	MergeCommitHash   string     `bigquery:"merge_commit_hash"`
	SourceBranch      string     `bigquery:"source_branch"`
	DestinationBranch string     `bigquery:"destination_branch"`
	CommitCount       int        `bigquery:"commit_count"`
	CommentCount      int        `bigquery:"comment_count"`
	TaskCount         int        `bigquery:"task_count"`
	FilesChanged      int        `bigquery:"files_changed"`
	LinesAdded        int        `bigquery:"lines_added"`
	LinesRemoved      int        `bigquery:"lines_removed"`
	DurationSeconds   int64      `bigquery:"duration_seconds"`
	Version           int64      `bigquery:"_version"`
}

// Reviewer is one requested or completed review on a pull request, keyed on
// (project_key, repo_slug, pr_id, reviewer_uuid, data_source).
type Reviewer struct {
	ProjectKey   string     `bigquery:"project_key"`
	RepoSlug     string     `bigquery:"repo_slug"`
	PRID         int64      `bigquery:"pr_id"`
	ReviewerUUID string     `bigquery:"reviewer_uuid"`
	DataSource   DataSource `bigquery:"data_source"`
	Name         string     `bigquery:"name"`
	Email        string     `bigquery:"email"`
	Status       string     `bigquery:"status"`
	Role         string     `bigquery:"role"`
	Approved     int        `bigquery:"approved"`
	ReviewedAt   time.Time  `bigquery:"reviewed_at"`
	Version      int64      `bigquery:"_version"`
}

// PRComment is keyed on (project_key, repo_slug, pr_id, comment_id,
// data_source). FilePath and LineNumber are set for inline comments only.
type PRComment struct {
	ProjectKey     string     `bigquery:"project_key"`
	RepoSlug       string     `bigquery:"repo_slug"`
	PRID           int64      `bigquery:"pr_id"`
	CommentID      int64      `bigquery:"comment_id"`
	DataSource     DataSource `bigquery:"data_source"`
	Content        string     `bigquery:"content"`
	AuthorName     string     `bigquery:"author_name"`
	CreatedAt      time.Time  `bigquery:"created_at"`
	UpdatedAt      time.Time  `bigquery:"updated_at"`
	State          string     `bigquery:"state"`
	Severity       string     `bigquery:"severity"`
	ThreadResolved int        `bigquery:"thread_resolved"`
	FilePath       string     `bigquery:"file_path"`
	LineNumber     int        `bigquery:"line_number"`
	Version        int64      `bigquery:"_version"`
}

// PRCommitLink ties a commit to a pull request, keyed on
// (project_key, repo_slug, pr_id, commit_hash, data_source). CommitOrder is
// the 0-indexed position in the upstream response.
type PRCommitLink struct {
	ProjectKey  string     `bigquery:"project_key"`
	RepoSlug    string     `bigquery:"repo_slug"`
	PRID        int64      `bigquery:"pr_id"`
	CommitHash  string     `bigquery:"commit_hash"`
	DataSource  DataSource `bigquery:"data_source"`
	CommitOrder int        `bigquery:"commit_order"`
	Version     int64      `bigquery:"_version"`
}

// Ticket links an issue-tracker ticket id to exactly one of a pull request
// (PRID > 0) or a commit (CommitHash != "").
type Ticket struct {
	ExternalTicketID string     `bigquery:"external_ticket_id"`
	ProjectKey       string     `bigquery:"project_key"`
	RepoSlug         string     `bigquery:"repo_slug"`
	PRID             int64      `bigquery:"pr_id"`
	CommitHash       string     `bigquery:"commit_hash"`
	DataSource       DataSource `bigquery:"data_source"`
	Version          int64      `bigquery:"_version"`
}

// CollectionRun is one orchestrator invocation, keyed on run_id. The same
// run_id is written twice: once with status "running" at start and once with
// the terminal status; the final write carries a fresh _version so the
// completed snapshot wins.
type CollectionRun struct {
	RunID            string     `bigquery:"run_id"`
	DataSource       DataSource `bigquery:"data_source"`
	StartedAt        time.Time  `bigquery:"started_at"`
	CompletedAt      time.Time  `bigquery:"completed_at"`
	Status           string     `bigquery:"status"`
	ReposProcessed   int64      `bigquery:"repos_processed"`
	CommitsCollected int64      `bigquery:"commits_collected"`
	PRsCollected     int64      `bigquery:"prs_collected"`
	APICalls         int64      `bigquery:"api_calls"`
	Errors           int64      `bigquery:"errors"`
	Settings         string     `bigquery:"settings"`
	Version          int64      `bigquery:"_version"`
}
