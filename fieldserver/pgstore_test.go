package fieldserver

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mobiletoly/go-fieldsync/blobstore/memory"
)

func newPGStore(t *testing.T) *PGStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	ctx := context.Background()

	var (
		container *postgres.PostgresContainer
		err       error
	)
	func() {
		// testcontainers panics when no Docker provider is available.
		defer func() {
			if r := recover(); r != nil {
				t.Skipf("Docker is not available: %v", r)
			}
		}()
		container, err = postgres.Run(ctx, "postgres:15-alpine",
			postgres.WithDatabase("fieldsync_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
	}()
	if err != nil {
		t.Skipf("Docker is not available: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store, err := NewPGStore(ctx, pool, memory.New(), nil)
	require.NoError(t, err)
	// Schema creation is repeatable.
	_, err = NewPGStore(ctx, pool, memory.New(), nil)
	require.NoError(t, err)
	return store
}

func TestPGStoreResources(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	room, created, err := s.CreateResource(ctx, "alice", "room", json.RawMessage(`{"name":"Kitchen","client_token":"tok-1"}`), "op-1")
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := s.CreateResource(ctx, "alice", "room", json.RawMessage(`{"name":"Kitchen","client_token":"tok-1"}`), "op-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, room.ID, again.ID)

	_, _, err = s.CreateResource(ctx, "alice", "measurement_point", json.RawMessage(`{}`), "op-1")
	require.ErrorIs(t, err, ErrIdempotencyConflict)

	found, err := s.ListResources(ctx, "alice", "room", map[string]string{"client_token": "tok-1"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, room.ID, found[0].ID)
	found, err = s.ListResources(ctx, "alice", "room", map[string]string{"id": room.ID, "name": "Kitchen"})
	require.NoError(t, err)
	assert.Len(t, found, 1)
	found, err = s.ListResources(ctx, "bob", "room", nil)
	require.NoError(t, err)
	assert.Empty(t, found)

	updated, err := s.UpdateResource(ctx, "alice", "room", room.ID, json.RawMessage(`{"name":"Kitchen 2"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Kitchen 2","client_token":"tok-1"}`, string(updated.Payload))

	require.NoError(t, s.DeleteResource(ctx, "alice", "room", room.ID))
	require.ErrorIs(t, s.DeleteResource(ctx, "alice", "room", room.ID), ErrNotFound)
	_, err = s.UpdateResource(ctx, "alice", "room", room.ID, json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.DeleteResource(ctx, "alice", "room", "not-a-number"), ErrNotFound)
	found, err = s.ListResources(ctx, "alice", "room", nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestPGStoreConcurrentIdempotentCreates(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _, err := s.CreateResource(ctx, "alice", "attachment", json.RawMessage(`{"caption":"x"}`), "op-same")
			assert.NoError(t, err)
			ids[i] = res.ID
		}()
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	all, err := s.ListResources(ctx, "alice", "attachment", nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPGStoreBinaries(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()
	data := []byte{0xFF, 0xD8, 0xFF, 0xE0, 'x'}

	first, err := s.PutBinary(ctx, "alice", data, "image/jpeg", "op-9")
	require.NoError(t, err)
	second, err := s.PutBinary(ctx, "alice", data, "image/jpeg", "op-9")
	require.NoError(t, err)
	assert.Equal(t, first.Key, second.Key)

	got, contentType, err := s.GetBinary(ctx, "alice", first.Key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "image/jpeg", contentType)

	_, _, err = s.GetBinary(ctx, "bob", first.Key)
	require.ErrorIs(t, err, ErrNotFound)

	objects, err := s.blobs.List(ctx, "alice/")
	require.NoError(t, err)
	assert.Len(t, objects, 1, "a replayed upload stores no second copy")
	require.NoError(t, s.Ping(ctx))
}
