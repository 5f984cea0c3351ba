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

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/batchwright/batchwright/internal/metrics"
	"github.com/jmoiron/sqlx"
)

// statusPending etc. are the bus_messages.status values.
const (
	statusPending      = "pending"
	statusLocked       = "locked"
	statusDone         = "done"
	statusDeadLettered = "dead-lettered"
)

// conn is the subset of *store.DB a SQLBus needs: a rebinding, query-
// capable handle. Accepting the interface rather than *store.DB keeps
// this package free of an import cycle with internal/store (which may
// one day want to publish onto the bus from within a repository method).
type conn interface {
	sqlx.ExtContext
	Rebind(string) string
}

// SQLBus implements Bus directly on the bus_messages table, the corpus's
// own pattern for durable async delivery on top of a relational store
// rather than a dedicated message-bus SDK (see package doc).
type SQLBus struct {
	db conn
}

// New wraps db (typically a *store.DB) as a Bus.
func New(db conn) *SQLBus {
	return &SQLBus{db: db}
}

type busRow struct {
	ID            int64      `db:"id"`
	Topic         string     `db:"topic"`
	Body          string     `db:"body"`
	AppProperties string     `db:"app_properties"`
	JobID         string     `db:"job_id"`
	ScheduledAt   time.Time  `db:"scheduled_at"`
	DeliveryCount int        `db:"delivery_count"`
	Status        string     `db:"status"`
	LockedBy      *string    `db:"locked_by"`
	LockExpiresAt *time.Time `db:"lock_expires_at"`
	CreatedAt     time.Time  `db:"created_at"`
	ExpiresAt     time.Time  `db:"expires_at"`
}

func (b *SQLBus) Publish(ctx context.Context, topic string, body []byte, appProps map[string]string, jobID string) error {
	return b.PublishAt(ctx, topic, body, appProps, jobID, time.Now().UTC())
}

func (b *SQLBus) PublishAt(ctx context.Context, topic string, body []byte, appProps map[string]string, jobID string, at time.Time) error {
	propsJSON, err := json.Marshal(appProps)
	if err != nil {
		return fmt.Errorf("bus: marshal app properties: %w", err)
	}

	if jobID != "" {
		duplicate, err := b.hasRecentDuplicate(ctx, topic, jobID)
		if err != nil {
			return err
		}
		if duplicate {
			return nil
		}
	}

	now := time.Now().UTC()
	_, err = b.db.ExecContext(ctx, b.db.Rebind(
		`INSERT INTO bus_messages (topic, body, app_properties, job_id, scheduled_at, delivery_count, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		topic, string(body), string(propsJSON), jobID, at, 0, statusPending, now, now.Add(7*24*time.Hour))
	if err != nil {
		return fmt.Errorf("bus: publish to %q: %w", topic, err)
	}
	metrics.RecordMessagePublished(topic, appProps[PropMessageType])
	return nil
}

// hasRecentDuplicate reports whether a message with the same (topic,
// jobID) was published within the last 10 minutes, the bus's fixed
// duplicate-detection window.
func (b *SQLBus) hasRecentDuplicate(ctx context.Context, topic, jobID string) (bool, error) {
	var count int64
	cutoff := time.Now().UTC().Add(-10 * time.Minute)
	err := sqlx.GetContext(ctx, b.db, &count,
		b.db.Rebind(`SELECT COUNT(*) FROM bus_messages WHERE topic = ? AND job_id = ? AND created_at >= ?`),
		topic, jobID, cutoff)
	if err != nil {
		return false, fmt.Errorf("bus: duplicate check for job %q on %q: %w", jobID, topic, err)
	}
	return count > 0, nil
}

// Claim locks up to limit pending, due messages on topic whose app
// properties match every key in filter (checked in Go after the SELECT).
// Claiming is a guarded UPDATE per candidate row; the returned Message is
// built from the row already selected, with its delivery count bumped by
// one, so neither RETURNING nor a re-read is needed and the same
// statements run on postgres and sqlite.
func (b *SQLBus) Claim(ctx context.Context, topic string, filter map[string]string, limit int, lockDuration time.Duration) ([]Message, error) {
	var candidates []busRow
	err := sqlx.SelectContext(ctx, b.db, &candidates,
		b.db.Rebind(`SELECT * FROM bus_messages WHERE topic = ? AND status = ? AND scheduled_at <= ? ORDER BY scheduled_at ASC LIMIT ?`),
		topic, statusPending, time.Now().UTC(), limit*4)
	if err != nil {
		return nil, fmt.Errorf("bus: list claimable on %q: %w", topic, err)
	}

	claimed := make([]Message, 0, limit)
	lockedBy := fmt.Sprintf("claim-%d", time.Now().UnixNano())

	for _, row := range candidates {
		if len(claimed) >= limit {
			break
		}

		var props map[string]string
		if err := json.Unmarshal([]byte(row.AppProperties), &props); err != nil {
			return nil, fmt.Errorf("bus: unmarshal app properties for message %d: %w", row.ID, err)
		}
		if !matchesFilter(props, filter) {
			continue
		}

		now := time.Now().UTC()
		expiresAt := now.Add(lockDuration)
		res, err := b.db.ExecContext(ctx, b.db.Rebind(
			`UPDATE bus_messages SET status = ?, locked_by = ?, lock_expires_at = ?, delivery_count = delivery_count + 1
			 WHERE id = ? AND status = ?`),
			statusLocked, lockedBy, expiresAt, row.ID, statusPending)
		if err != nil {
			return nil, fmt.Errorf("bus: claim message %d: %w", row.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("bus: claim message %d: %w", row.ID, err)
		}
		if n == 0 {
			continue // another claimer won the race
		}

		claimed = append(claimed, Message{
			ID:            row.ID,
			Topic:         row.Topic,
			Body:          []byte(row.Body),
			AppProperties: props,
			JobID:         row.JobID,
			DeliveryCount: row.DeliveryCount + 1,
			LockExpiresAt: expiresAt,
		})
	}

	return claimed, nil
}

func matchesFilter(props, filter map[string]string) bool {
	for k, v := range filter {
		if props[k] != v {
			return false
		}
	}
	return true
}

func (b *SQLBus) Ack(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx, b.db.Rebind(`UPDATE bus_messages SET status = ? WHERE id = ?`), statusDone, id)
	if err != nil {
		return fmt.Errorf("bus: ack message %d: %w", id, err)
	}
	return nil
}

func (b *SQLBus) Nack(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx, b.db.Rebind(
		`UPDATE bus_messages SET status = ?, locked_by = NULL, lock_expires_at = NULL WHERE id = ?`),
		statusPending, id)
	if err != nil {
		return fmt.Errorf("bus: nack message %d: %w", id, err)
	}
	return nil
}

// ReapExpiredLocks returns abandoned locks to pending and dead-letters
// anything past its TTL or delivery-count ceiling.
func (b *SQLBus) ReapExpiredLocks(ctx context.Context, ttl time.Duration, maxDeliveryAttempts int) (int, int, error) {
	now := time.Now().UTC()

	reapRes, err := b.db.ExecContext(ctx, b.db.Rebind(
		`UPDATE bus_messages SET status = ?, locked_by = NULL, lock_expires_at = NULL
		 WHERE status = ? AND lock_expires_at IS NOT NULL AND lock_expires_at <= ?`),
		statusPending, statusLocked, now)
	if err != nil {
		return 0, 0, fmt.Errorf("bus: reap expired locks: %w", err)
	}
	reaped, err := reapRes.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("bus: reap expired locks: %w", err)
	}

	dlRes, err := b.db.ExecContext(ctx, b.db.Rebind(
		`UPDATE bus_messages SET status = ? WHERE status IN (?, ?) AND (expires_at <= ? OR delivery_count >= ?)`),
		statusDeadLettered, statusPending, statusLocked, now, maxDeliveryAttempts)
	if err != nil {
		return int(reaped), 0, fmt.Errorf("bus: dead-letter expired messages: %w", err)
	}
	deadLettered, err := dlRes.RowsAffected()
	if err != nil {
		return int(reaped), 0, fmt.Errorf("bus: dead-letter expired messages: %w", err)
	}
	for i := int64(0); i < deadLettered; i++ {
		metrics.RecordMessageDeadLettered("all")
	}

	return int(reaped), int(deadLettered), nil
}
