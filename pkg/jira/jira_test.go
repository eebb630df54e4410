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

package jira

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExtract(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		texts []string
		want  []string
	}{
		{
			name:  "single_ticket_in_title",
			texts: []string{"PLTFRM-84867 feat: cli"},
			want:  []string{"PLTFRM-84867"},
		},
		{
			name:  "no_tickets",
			texts: []string{"fix typo in readme"},
			want:  nil,
		},
		{
			name:  "multiple_tickets_across_texts",
			texts: []string{"ABC-1 first", "fixes DEF-22 and ABC-1"},
			want:  []string{"ABC-1", "DEF-22"},
		},
		{
			name:  "digits_in_project_key",
			texts: []string{"P2P-944 peer sync"},
			want:  []string{"P2P-944"},
		},
		{
			name:  "lowercase_is_not_a_ticket",
			texts: []string{"abc-123 def-9"},
			want:  nil,
		},
		{
			name:  "single_letter_key_is_not_a_ticket",
			texts: []string{"A-1"},
			want:  nil,
		},
		{
			name:  "word_boundary_prevents_substring_match",
			texts: []string{"SHA256-1deadbeef"},
			want:  nil,
		},
		{
			name:  "duplicates_within_one_text",
			texts: []string{"ABC-1 ABC-1 ABC-1"},
			want:  []string{"ABC-1"},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := Extract(tc.texts...)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("unexpected tickets (-want, +got):\n%s", diff)
			}
		})
	}
}

// Extraction is idempotent: running Extract over its own output changes
// nothing.
func TestExtractIdempotent(t *testing.T) {
	t.Parallel()

	first := Extract("PLTFRM-84867 feat: cli, see also INFRA-1 and INFRA-2")
	second := Extract(strings.Join(first, " "))
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("extraction not idempotent (-first, +second):\n%s", diff)
	}
}

func TestUnion(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		extracted []string
		upstream  []string
		want      []string
	}{
		{
			name:      "disjoint_sets",
			extracted: []string{"ABC-1"},
			upstream:  []string{"DEF-2"},
			want:      []string{"ABC-1", "DEF-2"},
		},
		{
			name:      "overlap_dedupes",
			extracted: []string{"ABC-1", "DEF-2"},
			upstream:  []string{"DEF-2"},
			want:      []string{"ABC-1", "DEF-2"},
		},
		{
			name:      "upstream_garbage_filtered",
			extracted: nil,
			upstream:  []string{"not a ticket", "GHI-3"},
			want:      []string{"GHI-3"},
		},
		{
			name:      "both_empty",
			extracted: nil,
			upstream:  nil,
			want:      []string{},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := Union(tc.extracted, tc.upstream)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("unexpected union (-want, +got):\n%s", diff)
			}
		})
	}
}
