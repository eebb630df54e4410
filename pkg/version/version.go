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

// Package version provides the build version information for the collector.
package version

import "fmt"

var (
	// Name is the name of the binary.
	Name = "insight-collector"

	// Version is the main package version, injected at build time.
	Version = "source"

	// Commit is the git sha, injected at build time.
	Commit = "HEAD"

	// HumanVersion is the compiled version.
	HumanVersion = fmt.Sprintf("%s %s (%s)", Name, Version, Commit)
)
