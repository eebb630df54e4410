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
	"errors"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/sethvargo/go-gcslock"

	"github.com/maxcherey/insight-collector/pkg/bitbucket"
	"github.com/maxcherey/insight-collector/pkg/bq"
	"github.com/maxcherey/insight-collector/pkg/github"
	"github.com/maxcherey/insight-collector/pkg/messaging"
	"github.com/maxcherey/insight-collector/pkg/ratelimit"
	"github.com/maxcherey/insight-collector/pkg/secrets"
	"github.com/maxcherey/insight-collector/pkg/sink"
	"github.com/maxcherey/insight-collector/pkg/source"
	"github.com/maxcherey/insight-collector/pkg/watermark"
)

// lockTTL bounds how long a crashed run holds the cross-invocation lock.
const lockTTL = 2 * time.Hour

// Notifier publishes the run-completion message.
type Notifier interface {
	Notify(ctx context.Context, n *messaging.RunNotification) error
}

// ClientOptions carry test overrides for the external clients.
type ClientOptions struct {
	AdapterOverride   source.Adapter
	InserterOverride  sink.Inserter
	WatermarkOverride WatermarkReader
	LockOverride      gcslock.Lockable
	NotifierOverride  Notifier
	Now               func() time.Time
}

// ExecuteJob runs one collection end to end: resolve the credential, build
// the adapter and sink, acquire the optional run lock, execute the
// orchestrator, and publish the optional completion notification. A non-nil
// error means the run did not complete.
func ExecuteJob(ctx context.Context, cfg *Config, opts *ClientOptions) error {
	logger := logging.FromContext(ctx)
	if opts == nil {
		opts = &ClientOptions{}
	}
	nowFunc := opts.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	token := cfg.Token
	if secrets.IsResourceName(token) {
		resolved, err := secrets.AccessSecretFromSecretManager(ctx, token)
		if err != nil {
			return fmt.Errorf("failed to resolve upstream token: %w", err)
		}
		token = resolved
	}

	limiter := ratelimit.New(&ratelimit.Config{
		MaxRetries: uint64(cfg.MaxRetries),
	})

	var inserter sink.Inserter
	var marks WatermarkReader
	if opts.InserterOverride != nil {
		inserter = opts.InserterOverride
		marks = opts.WatermarkOverride
	} else {
		bqClient, err := bq.NewBigQuery(ctx, cfg.ProjectID, cfg.DatasetID)
		if err != nil {
			return fmt.Errorf("failed to create bigquery client: %w", err)
		}
		defer bqClient.Close()
		inserter = bqClient
		marks = watermark.NewStore(bqClient)
	}
	if opts.WatermarkOverride != nil {
		marks = opts.WatermarkOverride
	}

	adapter := opts.AdapterOverride
	if adapter == nil {
		var err error
		adapter, err = newAdapter(ctx, cfg, token, limiter)
		if err != nil {
			return err
		}
	}

	if cfg.LockBucket != "" {
		lock := opts.LockOverride
		if lock == nil {
			l, err := gcslock.New(ctx, cfg.LockBucket, fmt.Sprintf("insight-collector-%s.lock", adapter.DataSource()))
			if err != nil {
				return fmt.Errorf("failed to create gcs lock: %w", err)
			}
			lock = l
		}
		defer lock.Close(ctx)

		if err := lock.Acquire(ctx, lockTTL); err != nil {
			var lockErr *gcslock.LockHeldError
			if errors.As(err, &lockErr) {
				logger.InfoContext(ctx, "another run holds the lock, exiting",
					"data_source", adapter.DataSource(),
					"error", lockErr.Error())
				return nil
			}
			return fmt.Errorf("failed to acquire gcs lock: %w", err)
		}
	}

	s := sink.New(inserter, cfg.BatchSize)
	orch := NewOrchestrator(cfg, adapter, s, marks, limiter, nowFunc)

	status, runErr := orch.Execute(ctx)

	if cfg.NotifyTopicID != "" {
		notifier := opts.NotifierOverride
		if notifier == nil {
			n, err := messaging.NewPubSubNotifier(ctx, cfg.ProjectID, cfg.NotifyTopicID)
			if err != nil {
				return errors.Join(runErr, fmt.Errorf("failed to create notifier: %w", err))
			}
			defer n.Cleanup(ctx) //nolint:errcheck // Best-effort shutdown
			notifier = n
		}

		repos, commits, prs, apiCalls, errCount := orch.StatsSnapshot()
		notifyErr := notifier.Notify(context.WithoutCancel(ctx), &messaging.RunNotification{
			RunID:            orch.RunID(),
			DataSource:       string(adapter.DataSource()),
			Status:           status,
			CompletedAt:      nowFunc(),
			ReposProcessed:   repos,
			CommitsCollected: commits,
			PRsCollected:     prs,
			APICalls:         apiCalls,
			Errors:           errCount,
		})
		if notifyErr != nil {
			logger.ErrorContext(ctx, "failed to publish run notification",
				"run_id", orch.RunID(), "error", notifyErr)
		}
	}

	return runErr
}

func newAdapter(ctx context.Context, cfg *Config, token string, limiter *ratelimit.Limiter) (source.Adapter, error) {
	dataSource := cfg.EffectiveDataSource()

	switch cfg.Upstream {
	case UpstreamBitbucket:
		client := bitbucket.NewClient(cfg.UpstreamURL, token, cfg.HTTPTimeout, limiter)
		return bitbucket.NewAdapter(client, dataSource, bitbucket.Options{
			CollectReviews:  cfg.CollectReviews,
			CollectComments: cfg.CollectComments,
		}), nil
	case UpstreamGitHub:
		adapter, err := github.NewAdapter(ctx, cfg.GitHubOrg, token, cfg.UpstreamURL, cfg.UseGraphQL, dataSource, github.Options{
			CollectReviews:  cfg.CollectReviews,
			CollectComments: cfg.CollectComments,
		}, limiter)
		if err != nil {
			return nil, fmt.Errorf("failed to create github adapter: %w", err)
		}
		return adapter, nil
	default:
		return nil, fmt.Errorf("unsupported upstream %q", cfg.Upstream)
	}
}
