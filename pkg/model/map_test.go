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

package model

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParentsRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		parents  []string
		wantJSON string
		wantFlag int
	}{
		{
			name:     "no_parents",
			parents:  nil,
			wantJSON: "[]",
			wantFlag: 0,
		},
		{
			name:     "single_parent",
			parents:  []string{"c1"},
			wantJSON: `["c1"]`,
			wantFlag: 0,
		},
		{
			name:     "merge_commit",
			parents:  []string{"c1", "c2"},
			wantJSON: `["c1","c2"]`,
			wantFlag: 1,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ParentsJSON(tc.parents)
			if got != tc.wantJSON {
				t.Errorf("ParentsJSON = %q, want %q", got, tc.wantJSON)
			}
			if flag := MergeFlag(ParseParents(got)); flag != tc.wantFlag {
				t.Errorf("MergeFlag = %d, want %d", flag, tc.wantFlag)
			}
		})
	}
}

func TestParseParentsMalformed(t *testing.T) {
	t.Parallel()

	if got := ParseParents("{not json"); got != nil {
		t.Errorf("ParseParents = %v, want nil", got)
	}
}

func TestDurationSeconds(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 11, 17, 19, 45, 14, 0, time.UTC)

	cases := []struct {
		name   string
		closed time.Time
		want   int64
	}{
		{
			name:   "still_open",
			closed: time.Time{},
			want:   0,
		},
		{
			name:   "closed_after_days",
			closed: time.Date(2025, 11, 22, 10, 7, 7, 0, time.UTC),
			want:   397313,
		},
		{
			name:   "subsecond_floors",
			closed: created.Add(1500 * time.Millisecond),
			want:   1,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := DurationSeconds(created, tc.closed); got != tc.want {
				t.Errorf("DurationSeconds = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestApprovedFlag(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status string
		want   int
	}{
		{"APPROVED", 1},
		{"approved", 1},
		{"CHANGES_REQUESTED", 0},
		{"UNAPPROVED", 0},
		{"", 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.status, func(t *testing.T) {
			t.Parallel()

			if got := ApprovedFlag(tc.status); got != tc.want {
				t.Errorf("ApprovedFlag(%q) = %d, want %d", tc.status, got, tc.want)
			}
		})
	}
}

func TestFromEpochMillis(t *testing.T) {
	t.Parallel()

	got := FromEpochMillis(2000000)
	want := time.UnixMilli(2000000)
	if !got.Equal(want) {
		t.Errorf("FromEpochMillis = %v, want %v", got, want)
	}
	if got.Nanosecond()%int(time.Millisecond) != 0 {
		t.Errorf("FromEpochMillis carries sub-millisecond precision: %v", got)
	}
}

func TestStampMonotonic(t *testing.T) {
	t.Parallel()

	earlier := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	later := earlier.Add(3 * time.Millisecond)
	if Stamp(later)-Stamp(earlier) != 3 {
		t.Errorf("Stamp delta = %d, want 3", Stamp(later)-Stamp(earlier))
	}
}

func TestFlushOrderCoversAllTables(t *testing.T) {
	t.Parallel()

	want := []string{
		TableRepositories, TableBranches, TableCommits, TableCommitFiles,
		TablePullRequests, TablePRReviewers, TablePRComments, TablePRCommits,
		TableTickets, TableCollectionRuns,
	}
	if diff := cmp.Diff(want, FlushOrder); diff != "" {
		t.Errorf("unexpected flush order (-want, +got):\n%s", diff)
	}
}
