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

package cli

import (
	"context"
	"fmt"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"

	"github.com/maxcherey/insight-collector/pkg/collector"
	"github.com/maxcherey/insight-collector/pkg/version"
)

var _ cli.Command = (*CollectCommand)(nil)

// CollectCommand is the batch job that collects one upstream into the
// analytical store. It exits zero when the run completes and non-zero when
// the run fails, so a scheduler can alert on it.
type CollectCommand struct {
	cli.BaseCommand

	upstream string
	cfg      *collector.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *CollectCommand) Desc() string {
	return fmt.Sprintf(`Run a %s collection into the analytical store`, c.upstream)
}

func (c *CollectCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Collect repositories, commits, and pull requests from the upstream into
  the analytical store, incrementally from the stored watermarks.
`
}

func (c *CollectCommand) Flags() *cli.FlagSet {
	c.cfg = &collector.Config{Upstream: c.upstream}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *CollectCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "running job",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	if err := c.cfg.Validate(ctx); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := collector.ExecuteJob(ctx, c.cfg, nil); err != nil {
		return fmt.Errorf("job execution failed: %w", err)
	}

	return nil
}
