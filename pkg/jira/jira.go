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

// Package jira extracts Jira ticket identifiers from free-form text. It is a
// pure transformation with no I/O.
package jira

import "regexp"

// ticketRE matches identifiers like PLTFRM-84867: an uppercase letter
// followed by uppercase letters or digits, a hyphen, and digits, anchored on
// word boundaries.
var ticketRE = regexp.MustCompile(`\b([A-Z][A-Z0-9]+-\d+)\b`)

// Extract returns the distinct ticket ids found across the given texts, in
// first-occurrence order.
func Extract(texts ...string) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, text := range texts {
		for _, m := range ticketRE.FindAllString(text, -1) {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			ids = append(ids, m)
		}
	}
	return ids
}

// Union merges extracted ids with ids an upstream exposes directly (Bitbucket
// publishes properties.jira-key on pull requests), deduplicating and keeping
// only values that look like ticket ids.
func Union(extracted, upstream []string) []string {
	ids := make([]string, 0, len(extracted)+len(upstream))
	seen := make(map[string]struct{}, len(extracted)+len(upstream))
	for _, set := range [][]string{extracted, upstream} {
		for _, id := range set {
			if !ticketRE.MatchString(id) {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
