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

// Package sink accumulates mapped records per destination table and flushes
// them in bulk, either when a batch reaches the size threshold or all at once
// on run finalize. Delivery is at-least-once; the store deduplicates by
// identity key and _version at read time.
package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxcherey/insight-collector/pkg/model"
)

// DefaultBatchSize is the flush threshold when none is configured.
const DefaultBatchSize = 1000

// Inserter is the store-side bulk insert the sink flushes into.
type Inserter interface {
	Insert(ctx context.Context, tableID string, rows []any) error
}

// Sink maps table names to in-memory batches. It is safe for concurrent use;
// all pushes serialize on an internal mutex.
type Sink struct {
	inserter  Inserter
	threshold int

	mu      sync.Mutex
	batches map[string][]any
}

// New creates a Sink flushing into the given inserter once a table's batch
// reaches threshold rows.
func New(inserter Inserter, threshold int) *Sink {
	if threshold <= 0 {
		threshold = DefaultBatchSize
	}
	return &Sink{
		inserter:  inserter,
		threshold: threshold,
		batches:   make(map[string][]any),
	}
}

// Add appends a record to the named table's batch, then flushes the batch
// once it has reached the threshold. A failed flush propagates and leaves the
// batch intact for an operator retry.
func (s *Sink) Add(ctx context.Context, table string, row any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches[table] = append(s.batches[table], row)
	if len(s.batches[table]) >= s.threshold {
		if err := s.flushLocked(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes the named table's pending batch to the store and clears it.
func (s *Sink) Flush(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx, table)
}

// FlushAll flushes every non-empty batch in dependency order so parent rows
// land before the child rows that reference them.
func (s *Sink) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range model.FlushOrder {
		if err := s.flushLocked(ctx, table); err != nil {
			return err
		}
	}
	// Tables outside the known order still drain, after the known ones.
	for table := range s.batches {
		if err := s.flushLocked(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of buffered rows for a table.
func (s *Sink) Pending(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches[table])
}

func (s *Sink) flushLocked(ctx context.Context, table string) error {
	rows := s.batches[table]
	if len(rows) == 0 {
		return nil
	}
	if err := s.inserter.Insert(ctx, table, rows); err != nil {
		return fmt.Errorf("failed to flush %d rows to %s: %w", len(rows), table, err)
	}
	delete(s.batches, table)
	return nil
}
