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

// Package collector sequences one collection run: projects, repositories,
// then commits and pull requests per repository, with watermark-driven early
// stopping, per-repository error isolation, and a single run record
// bracketing the whole thing.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/workerpool"

	"github.com/maxcherey/insight-collector/pkg/jira"
	"github.com/maxcherey/insight-collector/pkg/model"
	"github.com/maxcherey/insight-collector/pkg/ratelimit"
	"github.com/maxcherey/insight-collector/pkg/sink"
	"github.com/maxcherey/insight-collector/pkg/source"
	"github.com/maxcherey/insight-collector/pkg/watermark"
)

// WatermarkReader reads per-repository high-watermarks.
type WatermarkReader interface {
	Repo(ctx context.Context, projectKey, repoSlug string, dataSource model.DataSource) (*watermark.Marks, error)
}

// Orchestrator drives one run end to end.
type Orchestrator struct {
	cfg     *Config
	adapter source.Adapter
	sink    *sink.Sink
	marks   WatermarkReader
	limiter *ratelimit.Limiter
	now     func() time.Time

	runID string
	stats Stats

	// seen dedupes commits by hash within the run when walking all branches.
	seenMu sync.Mutex
	seen   map[string]struct{}

	// A sink failure is fatal to the run; the first one cancels everything
	// in flight.
	fatalOnce sync.Once
	fatalErr  error
	cancelRun context.CancelFunc
}

// NewOrchestrator wires a run. The now func is injectable for tests and
// defaults to time.Now.
func NewOrchestrator(cfg *Config, adapter source.Adapter, s *sink.Sink, marks WatermarkReader, limiter *ratelimit.Limiter, now func() time.Time) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		cfg:     cfg,
		adapter: adapter,
		sink:    s,
		marks:   marks,
		limiter: limiter,
		now:     now,
		seen:    make(map[string]struct{}),
	}
}

// RunID returns the identifier generated for this run, empty before Execute.
func (o *Orchestrator) RunID() string { return o.runID }

// StatsSnapshot returns the current counter values.
func (o *Orchestrator) StatsSnapshot() (repos, commits, prs, apiCalls, errCount int64) {
	return o.stats.ReposProcessed.Load(), o.stats.CommitsCollected.Load(),
		o.stats.PRsCollected.Load(), o.limiter.Calls(), o.stats.Errors.Load()
}

// Execute runs the state machine: Init, ListingProjects, per-repository
// collection, Finalizing. It returns the terminal status and an error when
// the run failed.
func (o *Orchestrator) Execute(ctx context.Context) (status string, err error) {
	logger := logging.FromContext(ctx)

	startedAt := o.now()
	dataSource := o.adapter.DataSource()
	o.runID = newRunID(dataSource, startedAt)
	settings := o.cfg.SettingsJSON()
	recorder := &runRecorder{sink: o.sink, now: o.now}

	if err := recorder.start(ctx, o.runID, dataSource, startedAt, settings); err != nil {
		return model.RunStatusFailed, err
	}

	logger.InfoContext(ctx, "run starting",
		"run_id", o.runID,
		"upstream", o.cfg.Upstream,
		"data_source", dataSource)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancelRun = cancel

	collectErr := o.collect(runCtx)
	if o.fatalErr != nil {
		collectErr = o.fatalErr
	}

	// Finalize on a context that survives cancellation so the flush and the
	// terminal run row still land.
	fctx := context.WithoutCancel(ctx)

	flushErr := o.sink.FlushAll(fctx)

	status = model.RunStatusCompleted
	if collectErr != nil || flushErr != nil {
		status = model.RunStatusFailed
	}

	finishErr := recorder.finish(fctx, o.runID, dataSource, startedAt, status, settings, &o.stats, o.limiter.Calls())

	logger.InfoContext(ctx, "run finished",
		"run_id", o.runID,
		"status", status,
		"repos_processed", o.stats.ReposProcessed.Load(),
		"commits_collected", o.stats.CommitsCollected.Load(),
		"prs_collected", o.stats.PRsCollected.Load(),
		"api_calls", o.limiter.Calls(),
		"errors", o.stats.Errors.Load())

	if err := errors.Join(collectErr, flushErr, finishErr); err != nil {
		return model.RunStatusFailed, fmt.Errorf("run %s failed: %w", o.runID, err)
	}
	return status, nil
}

// collect walks projects and fans repository collection out over the worker
// pool. A project-listing failure is fatal to the run.
func (o *Orchestrator) collect(ctx context.Context) error {
	return o.adapter.ListProjects(ctx, func(p *source.Project) error {
		return o.collectProject(ctx, p)
	})
}

func (o *Orchestrator) collectProject(ctx context.Context, project *source.Project) error {
	allowed := make(map[string]struct{}, len(o.cfg.Repositories))
	for _, r := range o.cfg.Repositories {
		allowed[r] = struct{}{}
	}

	var repos []string
	err := o.adapter.ListRepositories(ctx, project.Key, func(r *model.Repository) error {
		if len(allowed) > 0 {
			if _, ok := allowed[r.RepoSlug]; !ok {
				return nil
			}
		}
		if err := o.emit(ctx, model.TableRepositories, r); err != nil {
			return err
		}
		repos = append(repos, r.RepoSlug)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list repositories for project %s: %w", project.Key, err)
	}

	pool := workerpool.New[any](&workerpool.Config{
		Concurrency: int64(o.cfg.MaxWorkers),
		StopOnError: false,
	})
	for _, repo := range repos {
		repo := repo
		if err := pool.Do(ctx, func() (any, error) {
			o.collectRepo(ctx, project.Key, repo)
			return nil, nil
		}); err != nil {
			return fmt.Errorf("failed to submit repository to worker pool: %w", err)
		}
	}
	if _, err := pool.Done(ctx); err != nil {
		return fmt.Errorf("worker pool failed: %w", err)
	}
	return nil
}

// collectRepo isolates one repository: a failure is logged and counted, and
// the run moves on.
func (o *Orchestrator) collectRepo(ctx context.Context, projectKey, repoSlug string) {
	logger := logging.FromContext(ctx)

	if err := o.collectRepoErr(ctx, projectKey, repoSlug); err != nil {
		// Cancellation is not a repository failure; it fails the run.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			o.fatal(err)
			return
		}
		o.stats.Errors.Add(1)
		logger.ErrorContext(ctx, "repository collection failed",
			"run_id", o.runID,
			"upstream", o.cfg.Upstream,
			"project_key", projectKey,
			"repo_slug", repoSlug,
			"error_kind", errorKind(err),
			"error", err)
		return
	}
	o.stats.ReposProcessed.Add(1)
}

func (o *Orchestrator) collectRepoErr(ctx context.Context, projectKey, repoSlug string) error {
	marks := &watermark.Marks{}
	if !o.cfg.ForceRefetch {
		var err error
		marks, err = o.marks.Repo(ctx, projectKey, repoSlug, o.adapter.DataSource())
		if err != nil {
			return err
		}
	}

	commitSince := marks.MaxCommitDate
	prSince := marks.MaxPRUpdated
	if !o.cfg.sinceTime.IsZero() {
		commitSince = o.cfg.sinceTime
		prSince = o.cfg.sinceTime
	}

	var defaultBranch string
	var branches []string
	err := o.adapter.ListBranches(ctx, projectKey, repoSlug, func(b *model.Branch) error {
		if err := o.emit(ctx, model.TableBranches, b); err != nil {
			return err
		}
		if b.IsDefault == 1 {
			defaultBranch = b.BranchName
		}
		branches = append(branches, b.BranchName)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list branches: %w", err)
	}

	walk := branches
	if o.cfg.Branches == BranchesDefault && defaultBranch != "" {
		walk = []string{defaultBranch}
	}

	if o.cfg.CollectCommits {
		for _, branch := range walk {
			if err := o.collectCommits(ctx, projectKey, repoSlug, branch, commitSince); err != nil {
				return fmt.Errorf("failed to collect commits on %s: %w", branch, err)
			}
		}
	}

	if o.cfg.CollectPRs {
		if err := o.collectPullRequests(ctx, projectKey, repoSlug, prSince); err != nil {
			return fmt.Errorf("failed to collect pull requests: %w", err)
		}
	}

	return nil
}

func (o *Orchestrator) collectCommits(ctx context.Context, projectKey, repoSlug, branch string, since time.Time) error {
	caps := o.adapter.Capabilities()

	return o.adapter.StreamCommits(ctx, projectKey, repoSlug, branch, since, func(entry *source.CommitEntry) error {
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck // Cancellation boundary
		}

		commit := entry.Commit
		if !o.cfg.untilTime.IsZero() && commit.Date.After(o.cfg.untilTime) {
			return nil
		}

		// A commit reachable from several branches is emitted once per run,
		// attributed to whichever branch was walked first.
		if !o.markSeen(projectKey, repoSlug, commit.CommitHash) {
			return nil
		}

		if err := o.emit(ctx, model.TableCommits, commit); err != nil {
			return err
		}
		o.stats.CommitsCollected.Add(1)

		files := entry.Files
		if files == nil && !caps.InlineCommitFiles {
			err := o.adapter.StreamCommitFiles(ctx, projectKey, repoSlug, commit.CommitHash, func(f *model.CommitFile) error {
				return o.emit(ctx, model.TableCommitFiles, f)
			})
			if err != nil {
				return err
			}
		}
		for _, f := range files {
			if err := o.emit(ctx, model.TableCommitFiles, f); err != nil {
				return err
			}
		}

		for _, id := range jira.Extract(commit.Message) {
			ticket := &model.Ticket{
				ExternalTicketID: id,
				ProjectKey:       projectKey,
				RepoSlug:         repoSlug,
				CommitHash:       commit.CommitHash,
				DataSource:       commit.DataSource,
				Version:          commit.Version,
			}
			if err := o.emit(ctx, model.TableTickets, ticket); err != nil {
				return err
			}
		}
		return nil
	})
}

func (o *Orchestrator) collectPullRequests(ctx context.Context, projectKey, repoSlug string, since time.Time) error {
	return o.adapter.StreamPullRequests(ctx, projectKey, repoSlug, since, func(entry *source.PullRequestEntry) error {
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck // Cancellation boundary
		}

		pr := entry.PullRequest
		if !o.cfg.untilTime.IsZero() && pr.UpdatedOn.After(o.cfg.untilTime) {
			return nil
		}

		if err := o.emit(ctx, model.TablePullRequests, pr); err != nil {
			return err
		}
		o.stats.PRsCollected.Add(1)

		for _, r := range entry.Reviewers {
			if err := o.emit(ctx, model.TablePRReviewers, r); err != nil {
				return err
			}
		}
		for _, c := range entry.Comments {
			if err := o.emit(ctx, model.TablePRComments, c); err != nil {
				return err
			}
		}
		for _, l := range entry.Commits {
			if err := o.emit(ctx, model.TablePRCommits, l); err != nil {
				return err
			}
		}
		for _, t := range entry.Tickets {
			if err := o.emit(ctx, model.TableTickets, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// emit pushes one record into the sink. A sink failure is fatal to the whole
// run: it is latched and cancels everything in flight.
func (o *Orchestrator) emit(ctx context.Context, table string, row any) error {
	if err := o.sink.Add(ctx, table, row); err != nil {
		o.fatal(err)
		return err
	}
	return nil
}

func (o *Orchestrator) fatal(err error) {
	o.fatalOnce.Do(func() {
		o.fatalErr = err
		if o.cancelRun != nil {
			o.cancelRun()
		}
	})
}

// markSeen records a commit hash for this run; false means already emitted.
func (o *Orchestrator) markSeen(projectKey, repoSlug, hash string) bool {
	key := projectKey + "/" + repoSlug + "@" + hash
	o.seenMu.Lock()
	defer o.seenMu.Unlock()
	if _, ok := o.seen[key]; ok {
		return false
	}
	o.seen[key] = struct{}{}
	return true
}

// errorKind labels a failure for the structured log line.
func errorKind(err error) string {
	var statusErr *ratelimit.StatusError
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case ratelimit.IsRetryable(err):
		return "transient_exhausted"
	case errors.As(err, &statusErr):
		return "permanent_upstream"
	default:
		return "internal"
	}
}
