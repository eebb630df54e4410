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

package collector

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maxcherey/insight-collector/pkg/model"
	"github.com/maxcherey/insight-collector/pkg/ratelimit"
	"github.com/maxcherey/insight-collector/pkg/sink"
	"github.com/maxcherey/insight-collector/pkg/source"
	"github.com/maxcherey/insight-collector/pkg/watermark"
)

// fakeRepo is one repository's canned upstream content.
type fakeRepo struct {
	slug     string
	branches []*model.Branch
	// commits per branch, newest-first
	commits map[string][]*model.Commit
	prs     []*source.PullRequestEntry
	fail    bool
}

// fakeAdapter serves canned data for one project.
type fakeAdapter struct {
	project string
	repos   []*fakeRepo
}

func (f *fakeAdapter) DataSource() model.DataSource { return model.DataSourceBitbucketServer }

func (f *fakeAdapter) Capabilities() source.Capabilities {
	return source.Capabilities{InlineCommitFiles: true}
}

func (f *fakeAdapter) ListProjects(ctx context.Context, fn func(*source.Project) error) error {
	return fn(&source.Project{Key: f.project, Name: f.project})
}

func (f *fakeAdapter) ListRepositories(ctx context.Context, project string, fn func(*model.Repository) error) error {
	for _, r := range f.repos {
		repo := &model.Repository{ProjectKey: project, RepoSlug: r.slug, DataSource: f.DataSource()}
		if err := fn(repo); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeAdapter) ListBranches(ctx context.Context, project, repo string, fn func(*model.Branch) error) error {
	r := f.find(repo)
	if r.fail {
		return fmt.Errorf("upstream said no")
	}
	for _, b := range r.branches {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeAdapter) StreamCommits(ctx context.Context, project, repo, branch string, since time.Time, fn func(*source.CommitEntry) error) error {
	for _, c := range f.find(repo).commits[branch] {
		if !since.IsZero() {
			if c.Date.Before(since) {
				return nil
			}
			if c.Date.Equal(since) {
				continue
			}
		}
		cc := *c
		cc.Branch = branch
		if err := fn(&source.CommitEntry{Commit: &cc}); err != nil {
			if err == source.ErrStopPagination {
				return nil
			}
			return err
		}
	}
	return nil
}

func (f *fakeAdapter) StreamCommitFiles(ctx context.Context, project, repo, commitHash string, fn func(*model.CommitFile) error) error {
	return nil
}

func (f *fakeAdapter) StreamPullRequests(ctx context.Context, project, repo string, since time.Time, fn func(*source.PullRequestEntry) error) error {
	for _, e := range f.find(repo).prs {
		if !since.IsZero() {
			if e.PullRequest.UpdatedOn.Before(since) {
				return nil
			}
			if e.PullRequest.UpdatedOn.Equal(since) {
				continue
			}
		}
		if err := fn(e); err != nil {
			if err == source.ErrStopPagination {
				return nil
			}
			return err
		}
	}
	return nil
}

func (f *fakeAdapter) find(slug string) *fakeRepo {
	for _, r := range f.repos {
		if r.slug == slug {
			return r
		}
	}
	return &fakeRepo{slug: slug}
}

// memInserter records inserted rows per table.
type memInserter struct {
	mu     sync.Mutex
	rows   map[string][]any
	failOn string
}

func newMemInserter() *memInserter {
	return &memInserter{rows: make(map[string][]any)}
}

func (m *memInserter) Insert(ctx context.Context, tableID string, rows []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != "" && tableID == m.failOn {
		return fmt.Errorf("insert into %s refused", tableID)
	}
	m.rows[tableID] = append(m.rows[tableID], rows...)
	return nil
}

func (m *memInserter) count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[table])
}

func (m *memInserter) runs() []*model.CollectionRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.CollectionRun
	for _, r := range m.rows[model.TableCollectionRuns] {
		out = append(out, r.(*model.CollectionRun))
	}
	return out
}

// fixedMarks serves one watermark for every repository.
type fixedMarks struct {
	marks watermark.Marks
}

func (f *fixedMarks) Repo(ctx context.Context, projectKey, repoSlug string, dataSource model.DataSource) (*watermark.Marks, error) {
	m := f.marks
	return &m, nil
}

func testConfig() *Config {
	return &Config{
		Upstream:       UpstreamBitbucket,
		Branches:       BranchesDefault,
		CollectCommits: true,
		CollectPRs:     true,
		BatchSize:      sink.DefaultBatchSize,
		MaxWorkers:     2,
	}
}

func newTestOrchestrator(cfg *Config, adapter source.Adapter, ins sink.Inserter, marks WatermarkReader) *Orchestrator {
	limiter := ratelimit.New(&ratelimit.Config{MaxRetries: 1, InitialDelay: time.Millisecond})
	base := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	var tick time.Duration
	now := func() time.Time {
		tick += time.Millisecond
		return base.Add(tick)
	}
	return NewOrchestrator(cfg, adapter, sink.New(ins, cfg.BatchSize), marks, limiter, now)
}

func twoCommitRepo() *fakeRepo {
	return &fakeRepo{
		slug: "test-core",
		branches: []*model.Branch{
			{BranchName: "main", IsDefault: 1, DataSource: model.DataSourceBitbucketServer},
		},
		commits: map[string][]*model.Commit{
			"main": {
				{CommitHash: "c2", Date: model.FromEpochMillis(2000000), Message: "second", Parents: `["c1"]`, DataSource: model.DataSourceBitbucketServer},
				{CommitHash: "c1", Date: model.FromEpochMillis(1000000), Message: "first", Parents: `[]`, DataSource: model.DataSourceBitbucketServer},
			},
		},
	}
}

func TestExecuteFreshRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	adapter := &fakeAdapter{project: "TEST", repos: []*fakeRepo{twoCommitRepo()}}
	ins := newMemInserter()
	o := newTestOrchestrator(testConfig(), adapter, ins, &fixedMarks{})

	status, err := o.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != model.RunStatusCompleted {
		t.Errorf("status = %s, want completed", status)
	}

	if got := ins.count(model.TableRepositories); got != 1 {
		t.Errorf("repository rows = %d, want 1", got)
	}
	if got := ins.count(model.TableCommits); got != 2 {
		t.Errorf("commit rows = %d, want 2", got)
	}
	if got := ins.count(model.TablePullRequests); got != 0 {
		t.Errorf("pr rows = %d, want 0", got)
	}

	runs := ins.runs()
	if len(runs) != 2 {
		t.Fatalf("run rows = %d, want running + completed", len(runs))
	}
	if runs[0].Status != model.RunStatusRunning || runs[1].Status != model.RunStatusCompleted {
		t.Errorf("run statuses = %s, %s", runs[0].Status, runs[1].Status)
	}
	final := runs[1]
	if final.RunID != runs[0].RunID {
		t.Errorf("run ids differ: %s vs %s", final.RunID, runs[0].RunID)
	}
	if final.Version <= runs[0].Version {
		t.Errorf("final _version %d not greater than running %d", final.Version, runs[0].Version)
	}
	if final.ReposProcessed != 1 || final.CommitsCollected != 2 || final.PRsCollected != 0 {
		t.Errorf("counters = %d/%d/%d, want 1/2/0", final.ReposProcessed, final.CommitsCollected, final.PRsCollected)
	}
	if final.CompletedAt.Before(final.StartedAt) {
		t.Errorf("completed_at %v before started_at %v", final.CompletedAt, final.StartedAt)
	}
}

// Watermark equal to the newest upstream timestamp: nothing new is emitted
// and the run still completes.
func TestExecuteNothingNew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	adapter := &fakeAdapter{project: "TEST", repos: []*fakeRepo{twoCommitRepo()}}
	ins := newMemInserter()
	marks := &fixedMarks{marks: watermark.Marks{
		MaxCommitDate: model.FromEpochMillis(2000000),
		MaxPRUpdated:  model.FromEpochMillis(2000000),
	}}
	o := newTestOrchestrator(testConfig(), adapter, ins, marks)

	status, err := o.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != model.RunStatusCompleted {
		t.Errorf("status = %s, want completed", status)
	}

	if got := ins.count(model.TableCommits); got != 0 {
		t.Errorf("commit rows = %d, want 0 (nothing above the watermark)", got)
	}
	final := ins.runs()[1]
	if final.CommitsCollected != 0 || final.PRsCollected != 0 {
		t.Errorf("counters = %d/%d, want 0/0", final.CommitsCollected, final.PRsCollected)
	}
}

// A commit reachable from two branches lands once, attributed to the branch
// walked first.
func TestExecuteMultiBranchDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	shared := &model.Commit{CommitHash: "cs", Date: model.FromEpochMillis(3000000), DataSource: model.DataSourceBitbucketServer}
	repo := &fakeRepo{
		slug: "test-core",
		branches: []*model.Branch{
			{BranchName: "main", IsDefault: 1},
			{BranchName: "develop"},
		},
		commits: map[string][]*model.Commit{
			"main":    {shared},
			"develop": {shared},
		},
	}
	adapter := &fakeAdapter{project: "TEST", repos: []*fakeRepo{repo}}
	ins := newMemInserter()

	cfg := testConfig()
	cfg.Branches = BranchesAll
	o := newTestOrchestrator(cfg, adapter, ins, &fixedMarks{})

	if _, err := o.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := ins.count(model.TableCommits); got != 1 {
		t.Fatalf("commit rows = %d, want 1", got)
	}
	row := ins.rows[model.TableCommits][0].(*model.Commit)
	if row.Branch != "main" {
		t.Errorf("branch = %s, want main (walked first)", row.Branch)
	}
}

// One repository failing is isolated: the error is counted, the other
// repository is still collected, and the run completes.
func TestExecuteRepoErrorIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	adapter := &fakeAdapter{project: "TEST", repos: []*fakeRepo{
		{slug: "broken", fail: true},
		twoCommitRepo(),
	}}
	ins := newMemInserter()

	cfg := testConfig()
	cfg.MaxWorkers = 1
	o := newTestOrchestrator(cfg, adapter, ins, &fixedMarks{})

	status, err := o.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != model.RunStatusCompleted {
		t.Errorf("status = %s, want completed (repo errors are isolated)", status)
	}

	final := ins.runs()[1]
	if final.Errors != 1 {
		t.Errorf("errors = %d, want 1", final.Errors)
	}
	if final.ReposProcessed != 1 {
		t.Errorf("repos_processed = %d, want 1", final.ReposProcessed)
	}
	if final.CommitsCollected != 2 {
		t.Errorf("commits_collected = %d, want 2", final.CommitsCollected)
	}
}

// A sink failure is fatal: the run finalizes as failed.
func TestExecuteSinkFailureFailsRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	adapter := &fakeAdapter{project: "TEST", repos: []*fakeRepo{twoCommitRepo()}}
	ins := newMemInserter()
	ins.failOn = model.TableCommits

	cfg := testConfig()
	cfg.BatchSize = 1 // flush per row so the failure surfaces mid-run
	o := newTestOrchestrator(cfg, adapter, ins, &fixedMarks{})

	status, err := o.Execute(ctx)
	if err == nil {
		t.Fatal("Execute succeeded, want error")
	}
	if status != model.RunStatusFailed {
		t.Errorf("status = %s, want failed", status)
	}

	runs := ins.runs()
	final := runs[len(runs)-1]
	if final.Status != model.RunStatusFailed {
		t.Errorf("final run status = %s, want failed", final.Status)
	}
	if final.CompletedAt.IsZero() {
		t.Errorf("completed_at not set on failed run")
	}
}

// Cancellation stops the run cleanly: failed status, completed_at set.
func TestExecuteCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	adapter := &fakeAdapter{project: "TEST", repos: []*fakeRepo{twoCommitRepo()}}
	ins := newMemInserter()
	o := newTestOrchestrator(testConfig(), adapter, ins, &fixedMarks{})

	status, err := o.Execute(ctx)
	if err == nil {
		t.Fatal("Execute succeeded, want cancellation error")
	}
	if status != model.RunStatusFailed {
		t.Errorf("status = %s, want failed", status)
	}

	runs := ins.runs()
	if len(runs) == 0 {
		t.Fatal("no run rows written")
	}
	final := runs[len(runs)-1]
	if final.Status != model.RunStatusFailed || final.CompletedAt.IsZero() {
		t.Errorf("final run = %s completed_at=%v", final.Status, final.CompletedAt)
	}
}

// The repositories filter restricts collection to the named slugs.
func TestExecuteRepositoryFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	adapter := &fakeAdapter{project: "TEST", repos: []*fakeRepo{
		twoCommitRepo(),
		{slug: "other"},
	}}
	ins := newMemInserter()

	cfg := testConfig()
	cfg.Repositories = []string{"test-core"}
	o := newTestOrchestrator(cfg, adapter, ins, &fixedMarks{})

	if _, err := o.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := ins.count(model.TableRepositories); got != 1 {
		t.Errorf("repository rows = %d, want 1 (filtered)", got)
	}
	final := ins.runs()[1]
	if final.ReposProcessed != 1 {
		t.Errorf("repos_processed = %d, want 1", final.ReposProcessed)
	}
}

// Commit messages feed the ticket extraction with commit_hash linkage.
func TestExecuteCommitTickets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	repo := twoCommitRepo()
	repo.commits["main"][0].Message = "INFRA-7 second"
	adapter := &fakeAdapter{project: "TEST", repos: []*fakeRepo{repo}}
	ins := newMemInserter()
	o := newTestOrchestrator(testConfig(), adapter, ins, &fixedMarks{})

	if _, err := o.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := ins.count(model.TableTickets); got != 1 {
		t.Fatalf("ticket rows = %d, want 1", got)
	}
	ticket := ins.rows[model.TableTickets][0].(*model.Ticket)
	if ticket.ExternalTicketID != "INFRA-7" {
		t.Errorf("ticket id = %s", ticket.ExternalTicketID)
	}
	if ticket.CommitHash != "c2" || ticket.PRID != 0 {
		t.Errorf("ticket commit_hash=%q pr_id=%d, want commit-linked only", ticket.CommitHash, ticket.PRID)
	}
}
