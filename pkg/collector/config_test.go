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
	"testing"
	"time"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/testutil"
	"github.com/sethvargo/go-envconfig"

	"github.com/maxcherey/insight-collector/pkg/model"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	valid := func() *Config {
		return &Config{
			Upstream:    UpstreamBitbucket,
			UpstreamURL: "https://bitbucket.example.com",
			Token:       "token",
			ProjectID:   "my-project",
			DatasetID:   "insight",
			Branches:    BranchesDefault,
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		expErr string
	}{
		{
			name:   "happy_path",
			mutate: func(*Config) {},
		},
		{
			name:   "missing_token",
			mutate: func(c *Config) { c.Token = "" },
			expErr: "UPSTREAM_TOKEN is required",
		},
		{
			name:   "bitbucket_requires_url",
			mutate: func(c *Config) { c.UpstreamURL = "" },
			expErr: "UPSTREAM_URL is required",
		},
		{
			name: "github_requires_org",
			mutate: func(c *Config) {
				c.Upstream = UpstreamGitHub
				c.UpstreamURL = ""
				c.GitHubOrg = ""
			},
			expErr: "GITHUB_ORG is required",
		},
		{
			name:   "missing_dataset",
			mutate: func(c *Config) { c.DatasetID = "" },
			expErr: "DATASET_ID is required",
		},
		{
			name:   "malformed_project_id",
			mutate: func(c *Config) { c.ProjectID = "Bad Project!" },
			expErr: "invalid GCP project id",
		},
		{
			name:   "bad_branches",
			mutate: func(c *Config) { c.Branches = "some" },
			expErr: `BRANCHES must be "default" or "all"`,
		},
		{
			name:   "bad_since",
			mutate: func(c *Config) { c.Since = "yesterday" },
			expErr: "SINCE is not RFC3339",
		},
		{
			name:   "valid_window",
			mutate: func(c *Config) { c.Since = "2026-01-01T00:00:00Z"; c.Until = "2026-02-01T00:00:00Z" },
		},
		{
			name:   "unknown_upstream",
			mutate: func(c *Config) { c.Upstream = "gitea" },
			expErr: "unsupported upstream",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate(ctx)
			if diff := testutil.DiffErrString(err, tc.expErr); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestConfigToFlagsEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"UPSTREAM_URL":   "https://bitbucket.example.com",
		"UPSTREAM_TOKEN": "sekrit",
		"PROJECT_ID":     "proj",
		"DATASET_ID":     "insight",
		"BATCH_SIZE":     "250",
		"MAX_WORKERS":    "2",
		"BRANCHES":       "all",
		"REPOSITORIES":   "core,api",
		"FORCE_REFETCH":  "true",
		"HTTP_TIMEOUT":   "45s",
	}

	cfg := &Config{Upstream: UpstreamBitbucket}
	set := cli.NewFlagSet(cli.WithLookupEnv(envconfig.MapLookuper(env).Lookup))
	set = cfg.ToFlags(set)
	if err := set.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.UpstreamURL != "https://bitbucket.example.com" {
		t.Errorf("UpstreamURL = %q", cfg.UpstreamURL)
	}
	if cfg.BatchSize != 250 {
		t.Errorf("BatchSize = %d, want 250", cfg.BatchSize)
	}
	if cfg.MaxWorkers != 2 {
		t.Errorf("MaxWorkers = %d, want 2", cfg.MaxWorkers)
	}
	if cfg.Branches != BranchesAll {
		t.Errorf("Branches = %q, want all", cfg.Branches)
	}
	if len(cfg.Repositories) != 2 {
		t.Errorf("Repositories = %v, want two entries", cfg.Repositories)
	}
	if !cfg.ForceRefetch {
		t.Error("ForceRefetch = false, want true")
	}
	if cfg.HTTPTimeout != 45*time.Second {
		t.Errorf("HTTPTimeout = %v, want 45s", cfg.HTTPTimeout)
	}
	// Defaults survive when the env does not override them.
	if !cfg.CollectCommits || !cfg.CollectPRs {
		t.Error("collect gates defaulted off")
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
}

func TestEffectiveDataSource(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		want model.DataSource
	}{
		{
			name: "bitbucket_default",
			cfg:  Config{Upstream: UpstreamBitbucket},
			want: model.DataSourceBitbucketServer,
		},
		{
			name: "github_default",
			cfg:  Config{Upstream: UpstreamGitHub},
			want: model.DataSourceGitHub,
		},
		{
			name: "opaque_override_written_through",
			cfg:  Config{Upstream: UpstreamBitbucket, DataSource: "dev_metrics"},
			want: model.DataSource("dev_metrics"),
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := tc.cfg.EffectiveDataSource(); got != tc.want {
				t.Errorf("EffectiveDataSource = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSettingsJSON(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Upstream:   UpstreamGitHub,
		GitHubOrg:  "test-org",
		Branches:   BranchesDefault,
		BatchSize:  1000,
		MaxWorkers: 5,
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(cfg.SettingsJSON()), &decoded); err != nil {
		t.Fatalf("settings not valid JSON: %v", err)
	}
	if decoded["upstream"] != UpstreamGitHub {
		t.Errorf("upstream = %v", decoded["upstream"])
	}
	if decoded["batch_size"] != float64(1000) {
		t.Errorf("batch_size = %v", decoded["batch_size"])
	}
}

func TestNewRunID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 6, 30, 0, 0, time.UTC)
	a := newRunID(model.DataSourceGitHub, now)
	b := newRunID(model.DataSourceGitHub, now)

	const prefix = "insight_github-20260301-063000-"
	if len(a) <= len(prefix) || a[:len(prefix)] != prefix {
		t.Errorf("run id = %q, want prefix %q", a, prefix)
	}
	if a == b {
		t.Errorf("two invocations share a run id: %s", a)
	}
}
