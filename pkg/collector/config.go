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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/cli"

	"github.com/maxcherey/insight-collector/pkg/bq"
	"github.com/maxcherey/insight-collector/pkg/model"
)

// Upstream kinds, set by the collect subcommands.
const (
	UpstreamBitbucket = "bitbucket"
	UpstreamGitHub    = "github"
)

// Config defines the set of flags and environment variables for one
// collection run.
type Config struct {
	// Upstream is the adapter kind; the subcommand sets it.
	Upstream string

	// UpstreamURL is the Bitbucket Server base URL, or the GitHub Enterprise
	// Server URL (empty for github.com).
	UpstreamURL string

	// Token is the upstream credential: a literal bearer token or a Secret
	// Manager resource name ('projects/*/secrets/*/versions/*').
	Token string

	// GitHubOrg is the organization collected as the single virtual project.
	GitHubOrg string

	// DataSource overrides the discriminator written on every row. Values
	// outside the canonical set are written through opaquely.
	DataSource string

	// ProjectID and DatasetID locate the destination BigQuery dataset.
	ProjectID string
	DatasetID string

	// Since and Until override the watermarked collection window, RFC3339.
	Since string
	Until string

	// Repositories restricts collection to the named repo slugs.
	Repositories []string

	// Feature gates.
	CollectCommits  bool
	CollectPRs      bool
	CollectReviews  bool
	CollectComments bool

	// Branches is "default" or "all".
	Branches string

	// ForceRefetch ignores watermarks and re-collects from the earliest.
	ForceRefetch bool

	// BatchSize is the sink flush threshold.
	BatchSize int

	// MaxWorkers bounds parallel repository collection within a project.
	MaxWorkers int

	// UseGraphQL prefers the bulk GraphQL path when the adapter has one.
	UseGraphQL bool

	// MaxRetries is the transient-failure retry ceiling.
	MaxRetries int

	// HTTPTimeout is the per-request timeout of the Bitbucket client. The
	// GitHub clients do not apply it.
	HTTPTimeout time.Duration

	// LockBucket, when set, serializes runs per data_source with a GCS lock.
	LockBucket string

	// NotifyTopicID, when set, publishes a run-completion message to this
	// Pub/Sub topic in ProjectID.
	NotifyTopicID string

	// Parsed window bounds, populated by Validate.
	sinceTime time.Time
	untilTime time.Time
}

// BranchesDefault and BranchesAll are the accepted --branches values.
const (
	BranchesDefault = "default"
	BranchesAll     = "all"
)

// Validate validates the config after load and parses the window bounds.
func (cfg *Config) Validate(ctx context.Context) error {
	var merr error

	if cfg.Upstream != UpstreamBitbucket && cfg.Upstream != UpstreamGitHub {
		merr = errors.Join(merr, fmt.Errorf("unsupported upstream %q", cfg.Upstream))
	}
	if cfg.Upstream == UpstreamBitbucket && cfg.UpstreamURL == "" {
		merr = errors.Join(merr, fmt.Errorf("UPSTREAM_URL is required"))
	}
	if cfg.Upstream == UpstreamGitHub && cfg.GitHubOrg == "" {
		merr = errors.Join(merr, fmt.Errorf("GITHUB_ORG is required"))
	}
	if cfg.Token == "" {
		merr = errors.Join(merr, fmt.Errorf("UPSTREAM_TOKEN is required"))
	}
	if cfg.ProjectID == "" {
		merr = errors.Join(merr, fmt.Errorf("PROJECT_ID is required"))
	} else if err := bq.ValidateProjectID(cfg.ProjectID); err != nil {
		merr = errors.Join(merr, fmt.Errorf("PROJECT_ID: %w", err))
	}
	if cfg.DatasetID == "" {
		merr = errors.Join(merr, fmt.Errorf("DATASET_ID is required"))
	} else if err := bq.ValidateDatasetID(cfg.DatasetID); err != nil {
		merr = errors.Join(merr, fmt.Errorf("DATASET_ID: %w", err))
	}
	if cfg.Branches != BranchesDefault && cfg.Branches != BranchesAll {
		merr = errors.Join(merr, fmt.Errorf(`BRANCHES must be "default" or "all"`))
	}

	if cfg.Since != "" {
		t, err := time.Parse(time.RFC3339, cfg.Since)
		if err != nil {
			merr = errors.Join(merr, fmt.Errorf("SINCE is not RFC3339: %w", err))
		}
		cfg.sinceTime = t
	}
	if cfg.Until != "" {
		t, err := time.Parse(time.RFC3339, cfg.Until)
		if err != nil {
			merr = errors.Join(merr, fmt.Errorf("UNTIL is not RFC3339: %w", err))
		}
		cfg.untilTime = t
	}

	return merr
}

// EffectiveDataSource resolves the discriminator: explicit override first,
// then the upstream's canonical value.
func (cfg *Config) EffectiveDataSource() model.DataSource {
	if cfg.DataSource != "" {
		return model.DataSource(cfg.DataSource)
	}
	if cfg.Upstream == UpstreamGitHub {
		return model.DataSourceGitHub
	}
	return model.DataSourceBitbucketServer
}

// SettingsJSON serializes the run-relevant options into the collection_runs
// settings column.
func (cfg *Config) SettingsJSON() string {
	settings := map[string]any{
		"upstream":         cfg.Upstream,
		"upstream_url":     cfg.UpstreamURL,
		"data_source":      cfg.EffectiveDataSource(),
		"since":            cfg.Since,
		"until":            cfg.Until,
		"repositories":     cfg.Repositories,
		"collect_commits":  cfg.CollectCommits,
		"collect_prs":      cfg.CollectPRs,
		"collect_reviews":  cfg.CollectReviews,
		"collect_comments": cfg.CollectComments,
		"branches":         cfg.Branches,
		"force_refetch":    cfg.ForceRefetch,
		"batch_size":       cfg.BatchSize,
		"max_workers":      cfg.MaxWorkers,
		"use_graphql":      cfg.UseGraphQL,
		"max_retries":      cfg.MaxRetries,
	}
	b, err := json.Marshal(settings)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ToFlags binds the config to the [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("UPSTREAM OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "upstream-url",
		Target: &cfg.UpstreamURL,
		EnvVar: "UPSTREAM_URL",
		Usage:  `The upstream server base URL, e.g. "https://bitbucket.example.com".`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "token",
		Target: &cfg.Token,
		EnvVar: "UPSTREAM_TOKEN",
		Usage:  `The upstream bearer token, or a Secret Manager resource name to read it from.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-org",
		Target: &cfg.GitHubOrg,
		EnvVar: "GITHUB_ORG",
		Usage:  `The GitHub organization to collect (github upstream only).`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "data-source",
		Target: &cfg.DataSource,
		EnvVar: "DATA_SOURCE",
		Usage:  `Override for the data_source discriminator written on every row.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:    "use-graphql",
		Target:  &cfg.UseGraphQL,
		EnvVar:  "USE_GRAPHQL",
		Default: true,
		Usage:   `Prefer the bulk GraphQL path when the upstream has one.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-retries",
		Target:  &cfg.MaxRetries,
		EnvVar:  "MAX_RETRIES",
		Default: 3,
		Usage:   `Retry ceiling for rate-limit and transient upstream failures.`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "http-timeout",
		Target:  &cfg.HTTPTimeout,
		EnvVar:  "HTTP_TIMEOUT",
		Default: 30 * time.Second,
		Usage:   `Per-request HTTP timeout (bitbucket upstream only).`,
	})

	f = set.NewSection("SINK OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "project-id",
		Target: &cfg.ProjectID,
		EnvVar: "PROJECT_ID",
		Usage:  `Google Cloud project ID where the dataset lives.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "dataset-id",
		Target: &cfg.DatasetID,
		EnvVar: "DATASET_ID",
		Usage:  `BigQuery dataset ID.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "batch-size",
		Target:  &cfg.BatchSize,
		EnvVar:  "BATCH_SIZE",
		Default: 1000,
		Usage:   `Sink flush threshold in rows per table.`,
	})

	f = set.NewSection("COLLECTION OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "since",
		Target: &cfg.Since,
		EnvVar: "SINCE",
		Usage:  `RFC3339 lower bound overriding the stored watermarks.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "until",
		Target: &cfg.Until,
		EnvVar: "UNTIL",
		Usage:  `RFC3339 upper bound; newer records are skipped.`,
	})

	f.StringSliceVar(&cli.StringSliceVar{
		Name:   "repositories",
		Target: &cfg.Repositories,
		EnvVar: "REPOSITORIES",
		Usage:  `Restrict collection to these repository slugs.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:    "collect-commits",
		Target:  &cfg.CollectCommits,
		EnvVar:  "COLLECT_COMMITS",
		Default: true,
		Usage:   `Collect commits and commit files.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:    "collect-prs",
		Target:  &cfg.CollectPRs,
		EnvVar:  "COLLECT_PRS",
		Default: true,
		Usage:   `Collect pull requests.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:    "collect-reviews",
		Target:  &cfg.CollectReviews,
		EnvVar:  "COLLECT_REVIEWS",
		Default: true,
		Usage:   `Collect pull request reviewers.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:    "collect-comments",
		Target:  &cfg.CollectComments,
		EnvVar:  "COLLECT_COMMENTS",
		Default: true,
		Usage:   `Collect pull request comments.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "branches",
		Target:  &cfg.Branches,
		EnvVar:  "BRANCHES",
		Default: BranchesDefault,
		Usage:   `Walk "default" or "all" branches for commits.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:   "force-refetch",
		Target: &cfg.ForceRefetch,
		EnvVar: "FORCE_REFETCH",
		Usage:  `Ignore watermarks and re-collect from the earliest.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-workers",
		Target:  &cfg.MaxWorkers,
		EnvVar:  "MAX_WORKERS",
		Default: 5,
		Usage:   `Parallel repositories per project.`,
	})

	f = set.NewSection("OPERATIONS OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "lock-bucket",
		Target: &cfg.LockBucket,
		EnvVar: "LOCK_BUCKET",
		Usage:  `GCS bucket for the per-data-source run lock. Empty disables locking.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "notify-topic-id",
		Target: &cfg.NotifyTopicID,
		EnvVar: "NOTIFY_TOPIC_ID",
		Usage:  `Pub/Sub topic for run-completion notifications. Empty disables.`,
	})

	return set
}
