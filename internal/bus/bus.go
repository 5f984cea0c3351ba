// Copyright 2025 Tom Barlow
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

// Package bus implements the three-topic message bus (orchestrator-events,
// worker-jobs, worker-results) directly on top of the relational store: no
// production message-bus client appears anywhere in the retrieved example
// corpus, and every example needing durable async delivery builds it the
// same way, on a status-column table polled by a fetcher with fan-out
// workers. SQLBus follows that shape.
package bus

import (
	"context"
	"time"
)

// Topic names, fixed by the external interface.
const (
	TopicOrchestratorEvents = "orchestrator-events"
	TopicWorkerJobs         = "worker-jobs"
	TopicWorkerResults      = "worker-results"
)

// Message is a claimed row handed to a subscriber. Ack/Nack settle the
// claim; failing to call either before LockExpiresAt returns the message
// to the subscription for redelivery.
type Message struct {
	ID            int64
	Topic         string
	Body          []byte
	AppProperties map[string]string
	JobID         string
	DeliveryCount int
	LockExpiresAt time.Time
}

// Bus is the interface handlers and the scheduler depend on; SQLBus is the
// only implementation, but the seam keeps handler code free of SQL.
type Bus interface {
	// Publish enqueues body on topic for immediate delivery. appProps
	// carries filterable application properties (MessageType, WorkerId).
	// jobID, if non-empty, dedups against any other message on the same
	// topic with the same jobID within the duplicate-detection window.
	Publish(ctx context.Context, topic string, body []byte, appProps map[string]string, jobID string) error

	// PublishAt enqueues body on topic for delivery no earlier than at,
	// the delayed self-message primitive the retry/poll scheduler uses.
	PublishAt(ctx context.Context, topic string, body []byte, appProps map[string]string, jobID string, at time.Time) error

	// Claim atomically locks up to limit pending, due messages on topic
	// matching filter (an exact-match subset of app properties, e.g.
	// {"worker_id": "w1"}), for lockDuration.
	Claim(ctx context.Context, topic string, filter map[string]string, limit int, lockDuration time.Duration) ([]Message, error)

	// Ack marks a claimed message done.
	Ack(ctx context.Context, id int64) error

	// Nack returns a claimed message to pending immediately. Its delivery
	// count is left as is: Claim already bumped it, so max-delivery
	// dead-lettering still counts the failed attempt.
	Nack(ctx context.Context, id int64) error

	// ReapExpiredLocks returns locked messages whose LockExpiresAt has
	// passed back to pending, and dead-letters messages whose expires_at
	// (stamped at publish) has passed or whose delivery count has reached
	// maxDeliveryAttempts. The SQL implementation ignores ttl. Neither
	// daemon calls it: no maintenance loop exists, so an expired lock
	// stays locked and nothing is dead-lettered unless a caller runs it.
	ReapExpiredLocks(ctx context.Context, ttl time.Duration, maxDeliveryAttempts int) (reaped int, deadLettered int, err error)
}
