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

// Package watermark reads per-repository high-watermarks from the store.
// Watermarks drive early-stopping on paginated streams only; record identity
// never depends on them. A missing row means no prior watermark: collect
// everything.
package watermark

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/maxcherey/insight-collector/pkg/bq"
	"github.com/maxcherey/insight-collector/pkg/model"
)

// Marks are the high-watermarks for one (project, repo, data_source). Zero
// values mean no prior data.
type Marks struct {
	MaxCommitDate time.Time
	MaxPRUpdated  time.Time
}

// Store reads watermarks with single-row MAX aggregations.
type Store struct {
	client *bq.BigQuery
}

// NewStore creates a watermark reader over the given BigQuery dataset.
func NewStore(client *bq.BigQuery) *Store {
	return &Store{client: client}
}

// maxRow maps the single-row aggregation result.
type maxRow struct {
	MaxTS bigquery.NullTimestamp `bigquery:"max_ts"`
}

// maxQuery builds the single-row MAX aggregation for one repository. The
// identifiers are interpolated (BigQuery cannot parameterize them; they are
// validated at startup), the WHERE values bind as query parameters.
func maxQuery(projectID, datasetID, table, column string) string {
	return fmt.Sprintf(
		"SELECT MAX(%s) max_ts FROM `%s.%s.%s` WHERE project_key = @project_key AND repo_slug = @repo_slug AND data_source = @data_source",
		column, projectID, datasetID, table)
}

// Repo returns the commit and pull-request watermarks for one repository.
func (s *Store) Repo(ctx context.Context, projectKey, repoSlug string, dataSource model.DataSource) (*Marks, error) {
	marks := &Marks{}

	commitDate, err := s.maxTimestamp(ctx, model.TableCommits, "date", projectKey, repoSlug, dataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit watermark: %w", err)
	}
	marks.MaxCommitDate = commitDate

	prUpdated, err := s.maxTimestamp(ctx, model.TablePullRequests, "updated_on", projectKey, repoSlug, dataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to read pull request watermark: %w", err)
	}
	marks.MaxPRUpdated = prUpdated

	return marks, nil
}

func (s *Store) maxTimestamp(ctx context.Context, table, column, projectKey, repoSlug string, dataSource model.DataSource) (time.Time, error) {
	query := maxQuery(s.client.ProjectID, s.client.DatasetID, table, column)
	rows, err := bq.Query[maxRow](ctx, s.client, query,
		bigquery.QueryParameter{Name: "project_key", Value: projectKey},
		bigquery.QueryParameter{Name: "repo_slug", Value: repoSlug},
		bigquery.QueryParameter{Name: "data_source", Value: string(dataSource)},
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("watermark query failed: %w", err)
	}
	if len(rows) == 0 || !rows[0].MaxTS.Valid {
		return time.Time{}, nil
	}
	return rows[0].MaxTS.Timestamp, nil
}
