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
	"encoding/json"
	"time"
)

// Stamp converts a clock reading into a _version value: milliseconds since
// epoch. Mappers take a single clock reading per record at map time.
func Stamp(t time.Time) int64 {
	return t.UnixMilli()
}

// FromEpochMillis converts an upstream millisecond-epoch timestamp (Bitbucket
// Server) into a time.Time with millisecond precision.
func FromEpochMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// ParentsJSON serializes parent commit hashes to the JSON array stored in the
// parents column. A nil or empty slice serializes to "[]".
func ParentsJSON(hashes []string) string {
	if hashes == nil {
		hashes = []string{}
	}
	b, err := json.Marshal(hashes)
	if err != nil {
		// A []string cannot fail to marshal.
		return "[]"
	}
	return string(b)
}

// ParseParents decodes a parents column value back into hashes. Malformed
// values decode to nil.
func ParseParents(s string) []string {
	var hashes []string
	if err := json.Unmarshal([]byte(s), &hashes); err != nil {
		return nil
	}
	return hashes
}

// MergeFlag derives the is_merge_commit column from the parent count.
func MergeFlag(parents []string) int {
	if len(parents) > 1 {
		return 1
	}
	return 0
}

// DurationSeconds computes closed_on - created_on in whole seconds, flooring
// toward zero. Returns 0 when the pull request is still open.
func DurationSeconds(createdOn, closedOn time.Time) int64 {
	if closedOn.IsZero() {
		return 0
	}
	return int64(closedOn.Sub(createdOn).Seconds())
}

// ApprovedFlag derives the reviewer approved column from the upstream review
// status. GitHub sometimes reports the state in lowercase; both casings count.
func ApprovedFlag(status string) int {
	if status == "APPROVED" || status == "approved" {
		return 1
	}
	return 0
}
