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

package bq

import (
	"fmt"
	"regexp"
)

// The watermark queries interpolate the project, dataset, and table
// identifiers into SQL (BigQuery cannot parameterize identifiers), so the
// identifiers are validated once at startup.

// Start with lowercase, middle is lowercase, number or hyphen, cannot end in
// hyphen. 6-30 characters in length.
var projectIDMatcher = regexp.MustCompile(`^[a-z][a-z0-9\-]{4,28}[a-z0-9]$`)

// Letters, numbers, and underscores, max 1024 characters.
var datasetIDMatcher = regexp.MustCompile(`^[a-zA-Z0-9_]{1,512}[a-zA-Z0-9_]{0,512}$`)

// ValidateProjectID returns nil if the string is a valid GCP project id, per
// [https://cloud.google.com/resource-manager/docs/creating-managing-projects].
// A valid id is safe to interpolate into query text.
func ValidateProjectID(projectID string) error {
	if !projectIDMatcher.MatchString(projectID) {
		return fmt.Errorf("invalid GCP project id")
	}
	return nil
}

// ValidateDatasetID returns nil if the string is a valid dataset id, per
// [https://cloud.google.com/bigquery/docs/datasets#dataset-naming].
// A valid id is safe to interpolate into query text.
func ValidateDatasetID(datasetID string) error {
	if !datasetIDMatcher.MatchString(datasetID) {
		return fmt.Errorf("invalid dataset id")
	}
	return nil
}
