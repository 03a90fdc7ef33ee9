package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func opIDs(ops []*Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

func TestEnqueueValidatesOperation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.c.Queue.Enqueue(ctx, Operation{Kind: "upsert", EntityType: "room", TargetID: "room-1"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = env.c.Queue.Enqueue(ctx, Operation{Kind: OpUpdate, EntityType: "room"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestDequeueWaitsForTempDependencies(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	q := env.c.Queue
	room := env.c.IDs.Allocate("room")
	point := env.c.IDs.Allocate("measurement_point")

	createRoom, err := q.Enqueue(ctx, Operation{Kind: OpCreate, EntityType: "room", TargetID: room, Priority: PriorityHigh})
	require.NoError(t, err)
	createPoint, err := q.Enqueue(ctx, Operation{
		Kind: OpCreate, EntityType: "measurement_point", TargetID: point,
		Dependencies: []string{room}, Priority: PriorityHigh,
	})
	require.NoError(t, err)

	ready, err := q.DequeueReady(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{createRoom.ID}, opIDs(ready))

	// Removing the room create is not enough: the mapping must exist.
	require.NoError(t, q.MarkInFlight(ctx, createRoom.ID))
	ready, err = q.DequeueReady(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, ready)

	require.NoError(t, q.MarkSucceeded(ctx, createRoom.ID, "room-1"))
	ready, err = q.DequeueReady(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{createPoint.ID}, opIDs(ready))

	realID, ok, err := env.c.IDs.Resolve(ctx, room)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "room-1", realID)
}

func TestDequeueWaitsForOperationDependencies(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	q := env.c.Queue

	first, err := q.Enqueue(ctx, Operation{Kind: OpUpdate, EntityType: "room", TargetID: "room-1"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, Operation{
		Kind: OpUpdate, EntityType: "room", TargetID: "room-2",
		Dependencies: []string{OpDependency(first.ID)},
	})
	require.NoError(t, err)

	ready, err := q.DequeueReady(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{first.ID}, opIDs(ready))

	require.NoError(t, q.MarkInFlight(ctx, first.ID))
	require.NoError(t, q.MarkSucceeded(ctx, first.ID, ""))
	ready, err = q.DequeueReady(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{second.ID}, opIDs(ready))
}

func TestDequeueOrdersSameTargetFIFO(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	q := env.c.Queue

	update, err := q.Enqueue(ctx, Operation{Kind: OpUpdate, EntityType: "room", TargetID: "room-1", Priority: PriorityLow})
	require.NoError(t, err)
	del, err := q.Enqueue(ctx, Operation{Kind: OpDelete, EntityType: "room", TargetID: "room-1", Priority: PriorityHigh})
	require.NoError(t, err)
	other, err := q.Enqueue(ctx, Operation{Kind: OpDelete, EntityType: "room", TargetID: "room-9", Priority: PriorityHigh})
	require.NoError(t, err)

	// The high priority delete still waits behind the earlier update on the same target.
	ready, err := q.DequeueReady(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{other.ID, update.ID}, opIDs(ready))

	ready, err = q.DequeueReady(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	require.NoError(t, q.MarkInFlight(ctx, update.ID))
	require.NoError(t, q.MarkSucceeded(ctx, update.ID, ""))
	ready, err = q.DequeueReady(ctx, 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{other.ID, del.ID}, opIDs(ready))
}

func TestUpdatesCoalesceByField(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	q := env.c.Queue

	first, err := q.Enqueue(ctx, Operation{
		Kind: OpUpdate, EntityType: "room", TargetID: "room-1", Field: "name",
		Payload: json.RawMessage(`{"name":"A"}`),
	})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, Operation{
		Kind: OpUpdate, EntityType: "room", TargetID: "room-1", Field: "name",
		Payload: json.RawMessage(`{"name":"B"}`),
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.JSONEq(t, `{"name":"B"}`, string(second.Payload))

	// A different field is its own operation.
	other, err := q.Enqueue(ctx, Operation{
		Kind: OpUpdate, EntityType: "room", TargetID: "room-1", Field: "area",
		Payload: json.RawMessage(`{"area":12}`),
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)

	// Once dispatched, a new edit waits for the in-flight one.
	require.NoError(t, q.MarkInFlight(ctx, first.ID))
	third, err := q.Enqueue(ctx, Operation{
		Kind: OpUpdate, EntityType: "room", TargetID: "room-1", Field: "name",
		Payload: json.RawMessage(`{"name":"C"}`),
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)
	require.Contains(t, third.Dependencies, OpDependency(first.ID))

	// A fourth edit folds into the third.
	fourth, err := q.Enqueue(ctx, Operation{
		Kind: OpUpdate, EntityType: "room", TargetID: "room-1", Field: "name",
		Payload: json.RawMessage(`{"name":"D"}`),
	})
	require.NoError(t, err)
	require.Equal(t, third.ID, fourth.ID)
	require.JSONEq(t, `{"name":"D"}`, string(fourth.Payload))

	counts, err := q.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, QueueCounts{Pending: 2, InFlight: 1}, counts)
}

func TestNonCreateOnTempTargetDependsOnTarget(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	room := env.c.IDs.Allocate("room")

	op, err := env.c.Queue.Enqueue(ctx, Operation{Kind: OpDelete, EntityType: "room", TargetID: room})
	require.NoError(t, err)
	require.Equal(t, []string{room}, op.Dependencies)

	ready, err := env.c.Queue.DequeueReady(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, ready)
}

func TestMarkFailedBacksOffThenParks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t) // MaxAttempts 3, BackoffMin 1s
	q := env.c.Queue
	cause := errors.New("gateway timeout")

	op, err := q.Enqueue(ctx, Operation{Kind: OpUpdate, EntityType: "room", TargetID: "room-1"})
	require.NoError(t, err)

	require.NoError(t, q.MarkInFlight(ctx, op.ID))
	status, err := q.MarkFailed(ctx, op.ID, cause, true)
	require.NoError(t, err)
	require.Equal(t, OpPending, status)

	got, err := q.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "gateway timeout", got.LastError)
	assert.True(t, env.clock.Now().Add(time.Second).Equal(got.NextAttemptAt))

	ready, err := q.DequeueReady(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, ready, "backoff has not elapsed")

	env.clock.Advance(time.Second)
	ready, err = q.DequeueReady(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	require.NoError(t, q.MarkInFlight(ctx, op.ID))
	status, err = q.MarkFailed(ctx, op.ID, cause, true)
	require.NoError(t, err)
	require.Equal(t, OpPending, status)
	got, err = q.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.True(t, env.clock.Now().Add(2*time.Second).Equal(got.NextAttemptAt))

	env.clock.Advance(2 * time.Second)
	require.NoError(t, q.MarkInFlight(ctx, op.ID))
	status, err = q.MarkFailed(ctx, op.ID, cause, true)
	require.NoError(t, err)
	require.Equal(t, OpFailed, status, "attempt budget exhausted")

	n, err := q.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, err = q.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, OpPending, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestMarkFailedPermanentParksImmediately(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	q := env.c.Queue

	op, err := q.Enqueue(ctx, Operation{Kind: OpUpdate, EntityType: "room", TargetID: "room-1"})
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(ctx, op.ID))
	status, err := q.MarkFailed(ctx, op.ID, errors.New("bad request"), false)
	require.NoError(t, err)
	require.Equal(t, OpFailed, status)

	// Parked operations re-queue on their own after FailedRetryAfter.
	n, err := q.requeueStale(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	env.clock.Advance(env.c.Config().FailedRetryAfter)
	n, err = q.requeueStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestMarkInFlightRequiresPending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	q := env.c.Queue

	op, err := q.Enqueue(ctx, Operation{Kind: OpUpdate, EntityType: "room", TargetID: "room-1"})
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(ctx, op.ID))
	require.ErrorIs(t, q.MarkInFlight(ctx, op.ID), ErrOperationNotFound)

	require.NoError(t, q.Release(ctx, op.ID))
	got, err := q.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, OpPending, got.Status)
	require.Equal(t, 1, got.Dispatches)
	require.Zero(t, got.Attempts)
}

func TestBackoffIsCapped(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, time.Second, cfg.backoff(1))
	require.Equal(t, 2*time.Second, cfg.backoff(2))
	require.Equal(t, 32*time.Second, cfg.backoff(6))
	require.Equal(t, 60*time.Second, cfg.backoff(7))
	require.Equal(t, 60*time.Second, cfg.backoff(40))
}

func TestInFlightOperationsRecoverOnRestart(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	img := env.capture(t, "room", "room-1", jpeg("x"), "")
	ops := env.queued(t)
	require.Len(t, ops, 1)
	require.NoError(t, env.c.Queue.MarkInFlight(ctx, ops[0].ID))
	env.c.Orchestrator.setUploadStatus(ctx, img.TempAttachmentID, StatusUploading, "")

	require.NoError(t, initializeDatabase(ctx, env.c.DB))

	got, err := env.c.Queue.Get(ctx, ops[0].ID)
	require.NoError(t, err)
	require.Equal(t, OpPending, got.Status)
	gotImg, err := env.c.Image(ctx, img.ImageID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, gotImg.Status)
}
