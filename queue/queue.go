// Copyright 2025 The mark authors
// This file is part of the mark library.
//
// The mark library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The mark library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the mark library. If not, see <http://www.gnu.org/licenses/>.

// Package queue implements the Redis-backed, type-partitioned FIFO event
// queue. Each event type owns a pending and a processing sorted set; ids move
// between them atomically via pipelined MULTI/EXEC. Permanently failed events
// land in a shared dead-letter set with the error attached to the payload.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "event-queue:"

func pendingKey(t EventType) string    { return keyPrefix + "pending:" + string(t) }
func processingKey(t EventType) string { return keyPrefix + "processing:" + string(t) }

const (
	deadLetterKey = keyPrefix + "dead-letter"
	dataKey       = keyPrefix + "data"
	statusKey     = keyPrefix + "status"
	cursorKey     = keyPrefix + "backfill-cursor"
)

// Queue is the event queue handle. Safe for concurrent use.
type Queue struct {
	rdb *redis.Client
	log *zap.SugaredLogger
	now func() time.Time
}

// New wraps an existing Redis client.
func New(rdb *redis.Client, log *zap.SugaredLogger) *Queue {
	return &Queue{rdb: rdb, log: log, now: time.Now}
}

// Connect dials Redis from a URL and verifies the connection.
func Connect(ctx context.Context, url string, log *zap.SugaredLogger) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb, log), nil
}

// Close releases the underlying client.
func (q *Queue) Close() error { return q.rdb.Close() }

// Ping reports connectivity; the status endpoint uses it.
func (q *Queue) Ping(ctx context.Context) error { return q.rdb.Ping(ctx).Err() }

func (q *Queue) nowMillis() int64 { return q.now().UnixMilli() }

// Enqueue adds the event to its pending set, keyed FIFO by ScheduledAt. The
// operation is idempotent: re-enqueueing an id that is already pending or
// processing rewrites the payload without double-delivering, and the return
// value reports whether the id already existed.
func (q *Queue) Enqueue(ctx context.Context, ev *Event, priority Priority) (bool, error) {
	if ev.ID == "" || ev.Type == "" {
		return false, errors.New("queue: event needs id and type")
	}
	if priority != "" {
		ev.Priority = priority
	}
	if ev.ScheduledAt == 0 {
		ev.ScheduledAt = q.nowMillis()
	}
	existed, err := q.HasEvent(ctx, ev.Type, ev.ID)
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, processingKey(ev.Type), ev.ID)
	pipe.HSet(ctx, dataKey, ev.ID, payload)
	pipe.ZAdd(ctx, pendingKey(ev.Type), redis.Z{Score: float64(ev.ScheduledAt), Member: ev.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("enqueue %s: %w", ev.ID, err)
	}
	return existed, nil
}

// HasEvent reports whether the id is pending or processing for the type.
func (q *Queue) HasEvent(ctx context.Context, t EventType, id string) (bool, error) {
	if err := q.rdb.ZScore(ctx, pendingKey(t), id).Err(); err == nil {
		return true, nil
	} else if !errors.Is(err, redis.Nil) {
		return false, err
	}
	if err := q.rdb.ZScore(ctx, processingKey(t), id).Err(); err == nil {
		return true, nil
	} else if !errors.Is(err, redis.Nil) {
		return false, err
	}
	return false, nil
}

// MoveProcessingToPending is the crash-recovery sweep run at startup: every
// leased id goes back to pending with its original ScheduledAt. Ids whose
// payload is gone are dropped entirely.
func (q *Queue) MoveProcessingToPending(ctx context.Context) (int, error) {
	moved := 0
	for _, t := range AllEventTypes {
		ids, err := q.rdb.ZRange(ctx, processingKey(t), 0, -1).Result()
		if err != nil {
			return moved, err
		}
		for _, id := range ids {
			raw, err := q.rdb.HGet(ctx, dataKey, id).Result()
			if errors.Is(err, redis.Nil) {
				pipe := q.rdb.TxPipeline()
				pipe.ZRem(ctx, processingKey(t), id)
				pipe.HDel(ctx, dataKey, id)
				if _, err := pipe.Exec(ctx); err != nil {
					return moved, err
				}
				q.log.Warnw("dropped orphaned processing event", "id", id, "type", t)
				continue
			}
			if err != nil {
				return moved, err
			}
			var ev Event
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				q.log.Warnw("unparsable processing event dropped", "id", id, "err", err)
				q.rdb.ZRem(ctx, processingKey(t), id)
				q.rdb.HDel(ctx, dataKey, id)
				continue
			}
			pipe := q.rdb.TxPipeline()
			pipe.ZRem(ctx, processingKey(t), id)
			pipe.ZAdd(ctx, pendingKey(t), redis.Z{Score: float64(ev.ScheduledAt), Member: id})
			if _, err := pipe.Exec(ctx); err != nil {
				return moved, err
			}
			moved++
		}
	}
	return moved, nil
}

// Dequeue leases up to count due events of the type, oldest first. Events
// scheduled in the future stay pending; ids without a payload are purged.
func (q *Queue) Dequeue(ctx context.Context, t EventType, count int) ([]*Event, error) {
	if count <= 0 {
		return nil, nil
	}
	ids, err := q.rdb.ZRange(ctx, pendingKey(t), 0, int64(count-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := q.rdb.HMGet(ctx, dataKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	nowMs := q.nowMillis()
	var events []*Event
	var leased, orphaned []string
	for i, id := range ids {
		raw, ok := raws[i].(string)
		if !ok || raw == "" {
			orphaned = append(orphaned, id)
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			orphaned = append(orphaned, id)
			continue
		}
		if ev.ScheduledAt > nowMs {
			continue
		}
		events = append(events, &ev)
		leased = append(leased, id)
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range leased {
		pipe.ZRem(ctx, pendingKey(t), id)
		pipe.ZAdd(ctx, processingKey(t), redis.Z{Score: float64(nowMs), Member: id})
	}
	for _, id := range orphaned {
		pipe.ZRem(ctx, pendingKey(t), id)
		pipe.HDel(ctx, dataKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	if len(orphaned) > 0 {
		q.log.Warnw("purged orphaned queue ids", "type", t, "count", len(orphaned))
	}
	return events, nil
}

// Ack removes a delivered event permanently.
func (q *Queue) Ack(ctx context.Context, ev *Event) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, processingKey(ev.Type), ev.ID)
	pipe.HDel(ctx, dataKey, ev.ID)
	pipe.Set(ctx, statusKey, q.statusBlob("processed"), 0)
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter parks a permanently failed event, attaching the error to the
// stored payload.
func (q *Queue) DeadLetter(ctx context.Context, ev *Event, cause string) error {
	type deadEvent struct {
		Event
		Error   string `json:"error"`
		MovedAt int64  `json:"movedAt"`
	}
	nowMs := q.nowMillis()
	payload, err := json.Marshal(deadEvent{Event: *ev, Error: cause, MovedAt: nowMs})
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, processingKey(ev.Type), ev.ID)
	pipe.ZAdd(ctx, deadLetterKey, redis.Z{Score: float64(nowMs), Member: ev.ID})
	pipe.HSet(ctx, dataKey, ev.ID, payload)
	pipe.Set(ctx, statusKey, q.statusBlob("deadLetter"), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	q.log.Warnw("event dead-lettered", "id", ev.ID, "type", ev.Type, "err", cause)
	return nil
}

func (q *Queue) statusBlob(action string) string {
	blob, _ := json.Marshal(map[string]interface{}{
		"lastProcessedAt": q.nowMillis(),
		"lastAction":      action,
	})
	return string(blob)
}

// Status summarizes queue depths across all event types.
type Status struct {
	Pending         int64  `json:"pending"`
	Processing      int64  `json:"processing"`
	DeadLetter      int64  `json:"deadLetterQueueLength"`
	LastProcessedAt int64  `json:"lastProcessedAt"`
	LastAction      string `json:"lastAction"`
}

// GetQueueStatus sums depths over every event type.
func (q *Queue) GetQueueStatus(ctx context.Context) (*Status, error) {
	st := &Status{}
	for _, t := range AllEventTypes {
		n, err := q.rdb.ZCard(ctx, pendingKey(t)).Result()
		if err != nil {
			return nil, err
		}
		st.Pending += n
		n, err = q.rdb.ZCard(ctx, processingKey(t)).Result()
		if err != nil {
			return nil, err
		}
		st.Processing += n
	}
	n, err := q.rdb.ZCard(ctx, deadLetterKey).Result()
	if err != nil {
		return nil, err
	}
	st.DeadLetter = n

	raw, err := q.rdb.Get(ctx, statusKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if raw != "" {
		var blob struct {
			LastProcessedAt int64  `json:"lastProcessedAt"`
			LastAction      string `json:"lastAction"`
		}
		if err := json.Unmarshal([]byte(raw), &blob); err == nil {
			st.LastProcessedAt = blob.LastProcessedAt
			st.LastAction = blob.LastAction
		}
	}
	return st, nil
}

// GetBackfillCursor returns the durable invoice-poll cursor, empty when unset.
func (q *Queue) GetBackfillCursor(ctx context.Context) (string, error) {
	v, err := q.rdb.Get(ctx, cursorKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// SetBackfillCursor persists the invoice-poll cursor.
func (q *Queue) SetBackfillCursor(ctx context.Context, cursor string) error {
	return q.rdb.Set(ctx, cursorKey, cursor, 0).Err()
}
