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

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, zap.NewNop().Sugar()), mr
}

func testEvent(id string, at int64) *Event {
	return &Event{
		ID:          id,
		Type:        InvoiceEnqueued,
		Data:        json.RawMessage(`{"intent_id":"` + id + `"}`),
		ScheduledAt: at,
		MaxRetries:  3,
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	existed, err := q.Enqueue(ctx, testEvent("inv-1", 100), PriorityNormal)
	require.NoError(t, err)
	assert.False(t, existed)

	events, err := q.Dequeue(ctx, InvoiceEnqueued, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "inv-1", events[0].ID)

	// Leased, not gone: a second dequeue sees nothing, but the id is known.
	events2, err := q.Dequeue(ctx, InvoiceEnqueued, 10)
	require.NoError(t, err)
	assert.Empty(t, events2)
	has, err := q.HasEvent(ctx, InvoiceEnqueued, "inv-1")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, q.Ack(ctx, events[0]))
	has, err = q.HasEvent(ctx, InvoiceEnqueued, "inv-1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		existed, err := q.Enqueue(ctx, testEvent("inv-1", 100), PriorityNormal)
		require.NoError(t, err)
		assert.Equal(t, i > 0, existed)
	}
	events, err := q.Dequeue(ctx, InvoiceEnqueued, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDequeueIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 9; i >= 0; i-- {
		_, err := q.Enqueue(ctx, testEvent(fmt.Sprintf("inv-%d", i), int64(100+i)), PriorityNormal)
		require.NoError(t, err)
	}
	events, err := q.Dequeue(ctx, InvoiceEnqueued, 10)
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("inv-%d", i), ev.ID)
	}
}

func TestDequeueSkipsFutureScheduled(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	base := time.Now()
	q.now = func() time.Time { return base }

	_, err := q.Enqueue(ctx, testEvent("due", base.Add(-time.Second).UnixMilli()), PriorityNormal)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, testEvent("later", base.Add(time.Hour).UnixMilli()), PriorityNormal)
	require.NoError(t, err)

	events, err := q.Dequeue(ctx, InvoiceEnqueued, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "due", events[0].ID)

	// Once the clock passes ScheduledAt the event is delivered.
	q.now = func() time.Time { return base.Add(2 * time.Hour) }
	events, err = q.Dequeue(ctx, InvoiceEnqueued, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "later", events[0].ID)
}

func TestMoveProcessingToPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testEvent("inv-1", 100), PriorityNormal)
	require.NoError(t, err)
	events, err := q.Dequeue(ctx, InvoiceEnqueued, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Simulated crash: the lease is never acked. Recovery re-pends it with
	// its original schedule.
	moved, err := q.MoveProcessingToPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	events, err = q.Dequeue(ctx, InvoiceEnqueued, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "inv-1", events[0].ID)
	assert.Equal(t, int64(100), events[0].ScheduledAt)
}

func TestDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testEvent("inv-1", 100), PriorityNormal)
	require.NoError(t, err)
	events, err := q.Dequeue(ctx, InvoiceEnqueued, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, q.DeadLetter(ctx, events[0], "validation blew up"))

	st, err := q.GetQueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Pending)
	assert.Equal(t, int64(0), st.Processing)
	assert.Equal(t, int64(1), st.DeadLetter)
	assert.Equal(t, "deadLetter", st.LastAction)
}

func TestBackfillCursor(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	cursor, err := q.GetBackfillCursor(ctx)
	require.NoError(t, err)
	assert.Empty(t, cursor)

	require.NoError(t, q.SetBackfillCursor(ctx, "page-42"))
	cursor, err = q.GetBackfillCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "page-42", cursor)
}
