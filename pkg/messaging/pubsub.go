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

// Package messaging publishes run lifecycle notifications.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/abcxyz/pkg/logging"
)

// RunNotification is the message published when a run finalizes.
type RunNotification struct {
	RunID            string    `json:"run_id"`
	DataSource       string    `json:"data_source"`
	Status           string    `json:"status"`
	CompletedAt      time.Time `json:"completed_at"`
	ReposProcessed   int64     `json:"repos_processed"`
	CommitsCollected int64     `json:"commits_collected"`
	PRsCollected     int64     `json:"prs_collected"`
	APICalls         int64     `json:"api_calls"`
	Errors           int64     `json:"errors"`
}

// PubSubNotifier publishes run notifications to a Pub/Sub topic.
type PubSubNotifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubNotifier creates a notifier for the given project and topic.
func NewPubSubNotifier(ctx context.Context, projectID, topicID string) (*PubSubNotifier, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create new pubsub client: %w", err)
	}

	return &PubSubNotifier{
		client: client,
		topic:  client.Topic(topicID),
	}, nil
}

// Notify publishes one run notification and waits for the server ack.
func (p *PubSubNotifier) Notify(ctx context.Context, n *RunNotification) error {
	logger := logging.FromContext(ctx)

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	logger.DebugContext(ctx, "published run notification", "message_id", id, "run_id", n.RunID)
	return nil
}

// Cleanup handles the graceful shutdown of the pubsub client.
func (p *PubSubNotifier) Cleanup(ctx context.Context) error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}
