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
	"testing"
	"time"

	"github.com/sethvargo/go-gcslock"

	"github.com/maxcherey/insight-collector/pkg/messaging"
)

type fakeLock struct {
	held     bool
	acquired bool
}

func (f *fakeLock) Acquire(ctx context.Context, ttl time.Duration) error {
	if f.held {
		return gcslock.NewLockHeldError(time.Now().Add(ttl).Unix())
	}
	f.acquired = true
	return nil
}

func (f *fakeLock) Close(ctx context.Context) error { return nil }

type fakeNotifier struct {
	notes []*messaging.RunNotification
}

func (f *fakeNotifier) Notify(ctx context.Context, n *messaging.RunNotification) error {
	f.notes = append(f.notes, n)
	return nil
}

func TestExecuteJobWithOverrides(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	adapter := &fakeAdapter{project: "TEST", repos: []*fakeRepo{twoCommitRepo()}}
	ins := newMemInserter()
	lock := &fakeLock{}
	notifier := &fakeNotifier{}

	cfg := testConfig()
	cfg.Token = "token"
	cfg.LockBucket = "locks"
	cfg.NotifyTopicID = "runs"
	cfg.ProjectID = "my-project"
	cfg.DatasetID = "insight"

	err := ExecuteJob(ctx, cfg, &ClientOptions{
		AdapterOverride:   adapter,
		InserterOverride:  ins,
		WatermarkOverride: &fixedMarks{},
		LockOverride:      lock,
		NotifierOverride:  notifier,
	})
	if err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}

	if !lock.acquired {
		t.Error("run lock never acquired")
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.notes))
	}
	note := notifier.notes[0]
	if note.Status != "completed" {
		t.Errorf("notified status = %s, want completed", note.Status)
	}
	if note.CommitsCollected != 2 || note.ReposProcessed != 1 {
		t.Errorf("notified counters = %d/%d, want 2/1", note.CommitsCollected, note.ReposProcessed)
	}
	if note.RunID == "" {
		t.Error("notification missing run id")
	}
}

// A held lock means another run is in flight: exit cleanly without a run
// record.
func TestExecuteJobLockHeld(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ins := newMemInserter()
	cfg := testConfig()
	cfg.Token = "token"
	cfg.LockBucket = "locks"

	err := ExecuteJob(ctx, cfg, &ClientOptions{
		AdapterOverride:   &fakeAdapter{project: "TEST"},
		InserterOverride:  ins,
		WatermarkOverride: &fixedMarks{},
		LockOverride:      &fakeLock{held: true},
	})
	if err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}
	if len(ins.runs()) != 0 {
		t.Errorf("run rows = %d, want none when the lock is held", len(ins.runs()))
	}
}
