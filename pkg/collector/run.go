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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/maxcherey/insight-collector/pkg/model"
	"github.com/maxcherey/insight-collector/pkg/sink"
)

// Stats are the run counters, incremented atomically so a worker pool can
// share them.
type Stats struct {
	ReposProcessed   atomic.Int64
	CommitsCollected atomic.Int64
	PRsCollected     atomic.Int64
	Errors           atomic.Int64
}

// newRunID builds a unique run identifier:
// "{data_source}-{YYYYMMDD-HHMMSS}-{suffix}". The random suffix keeps two
// invocations within the same second distinct.
func newRunID(dataSource model.DataSource, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", dataSource, now.UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

// runRecorder writes the collection_runs row at start and finalize. Both
// writes share the run_id; the finalize write carries a fresh _version so the
// terminal snapshot wins in the store.
type runRecorder struct {
	sink *sink.Sink
	now  func() time.Time
}

// start writes the "running" row and flushes it immediately so the run is
// observable while in flight.
func (r *runRecorder) start(ctx context.Context, runID string, dataSource model.DataSource, startedAt time.Time, settings string) error {
	row := &model.CollectionRun{
		RunID:      runID,
		DataSource: dataSource,
		StartedAt:  startedAt,
		Status:     model.RunStatusRunning,
		Settings:   settings,
		Version:    model.Stamp(r.now()),
	}
	if err := r.sink.Add(ctx, model.TableCollectionRuns, row); err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	if err := r.sink.Flush(ctx, model.TableCollectionRuns); err != nil {
		return fmt.Errorf("failed to flush run start: %w", err)
	}
	return nil
}

// finish writes the terminal row with final counters.
func (r *runRecorder) finish(ctx context.Context, runID string, dataSource model.DataSource, startedAt time.Time, status, settings string, stats *Stats, apiCalls int64) error {
	now := r.now()
	row := &model.CollectionRun{
		RunID:            runID,
		DataSource:       dataSource,
		StartedAt:        startedAt,
		CompletedAt:      now,
		Status:           status,
		ReposProcessed:   stats.ReposProcessed.Load(),
		CommitsCollected: stats.CommitsCollected.Load(),
		PRsCollected:     stats.PRsCollected.Load(),
		APICalls:         apiCalls,
		Errors:           stats.Errors.Load(),
		Settings:         settings,
		Version:          model.Stamp(now),
	}
	if err := r.sink.Add(ctx, model.TableCollectionRuns, row); err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	if err := r.sink.Flush(ctx, model.TableCollectionRuns); err != nil {
		return fmt.Errorf("failed to flush run finish: %w", err)
	}
	return nil
}
