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

package bitbucket

// Wire shapes for the Bitbucket Server REST v1.0 responses the adapter
// consumes. Timestamps are millisecond-epoch integers.

type bbProject struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Public      bool   `json:"public"`
}

type bbRepository struct {
	Slug          string `json:"slug"`
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	State         string `json:"state"`
	StatusMessage string `json:"statusMessage"`
	Public        bool   `json:"public"`
	Project       struct {
		Key string `json:"key"`
	} `json:"project"`
}

type bbBranch struct {
	ID           string `json:"id"`
	DisplayID    string `json:"displayId"`
	LatestCommit string `json:"latestCommit"`
	IsDefault    bool   `json:"isDefault"`
}

type bbUser struct {
	Name         string `json:"name"`
	EmailAddress string `json:"emailAddress"`
	DisplayName  string `json:"displayName"`
	Slug         string `json:"slug"`
}

type bbCommit struct {
	ID                 string `json:"id"`
	DisplayID          string `json:"displayId"`
	Message            string `json:"message"`
	AuthorTimestamp    int64  `json:"authorTimestamp"`
	CommitterTimestamp int64  `json:"committerTimestamp"`
	Author             bbUser `json:"author"`
	Committer          bbUser `json:"committer"`
	Parents            []struct {
		ID        string `json:"id"`
		DisplayID string `json:"displayId"`
	} `json:"parents"`
}

// bbParticipant is a PR author, reviewer, or participant.
type bbParticipant struct {
	User     bbUser `json:"user"`
	Role     string `json:"role"`
	Approved bool   `json:"approved"`
	Status   string `json:"status"`
}

type bbRef struct {
	ID           string `json:"id"`
	DisplayID    string `json:"displayId"`
	LatestCommit string `json:"latestCommit"`
}

type bbPullRequest struct {
	ID          int64           `json:"id"`
	Version     int             `json:"version"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	State       string          `json:"state"`
	Open        bool            `json:"open"`
	Closed      bool            `json:"closed"`
	CreatedDate int64           `json:"createdDate"`
	UpdatedDate int64           `json:"updatedDate"`
	ClosedDate  int64           `json:"closedDate"`
	FromRef     bbRef           `json:"fromRef"`
	ToRef       bbRef           `json:"toRef"`
	Author      bbParticipant   `json:"author"`
	Reviewers   []bbParticipant `json:"reviewers"`
	Properties  struct {
		MergeCommit struct {
			ID string `json:"id"`
		} `json:"mergeCommit"`
		CommentCount      int      `json:"commentCount"`
		OpenTaskCount     int      `json:"openTaskCount"`
		ResolvedTaskCount int      `json:"resolvedTaskCount"`
		JiraKey           []string `json:"jira-key"`
	} `json:"properties"`
}

type bbComment struct {
	ID             int64       `json:"id"`
	Text           string      `json:"text"`
	Author         bbUser      `json:"author"`
	CreatedDate    int64       `json:"createdDate"`
	UpdatedDate    int64       `json:"updatedDate"`
	Severity       string      `json:"severity"`
	State          string      `json:"state"`
	ThreadResolved bool        `json:"threadResolved"`
	Comments       []bbComment `json:"comments"`
}

type bbActivity struct {
	ID            int64      `json:"id"`
	Action        string     `json:"action"`
	CreatedDate   int64      `json:"createdDate"`
	User          bbUser     `json:"user"`
	Comment       *bbComment `json:"comment"`
	CommentAnchor *struct {
		Path string `json:"path"`
		Line int    `json:"line"`
	} `json:"commentAnchor"`
}

type bbChange struct {
	Path struct {
		ToString  string `json:"toString"`
		Extension string `json:"extension"`
	} `json:"path"`
	Type string `json:"type"`
}

// bbDiff is the /commits/{hash}/diff response.
type bbDiff struct {
	Diffs []struct {
		Source *struct {
			ToString string `json:"toString"`
		} `json:"source"`
		Destination *struct {
			ToString string `json:"toString"`
		} `json:"destination"`
		Hunks []struct {
			Segments []struct {
				Type  string `json:"type"`
				Lines []struct {
					Line string `json:"line"`
				} `json:"lines"`
			} `json:"segments"`
		} `json:"hunks"`
	} `json:"diffs"`
}
