package fieldsync

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateEncodesEntityType(t *testing.T) {
	env := newTestEnv(t)

	a := env.c.IDs.Allocate("measurement_point")
	b := env.c.IDs.Allocate("measurement_point")
	require.NotEqual(t, a, b)
	require.True(t, IsTemp(a))
	require.True(t, strings.HasPrefix(a, "tmp_measurement_point_"))
	require.Equal(t, "measurement_point", TempEntityType(a))

	require.False(t, IsTemp("room-42"))
	require.Equal(t, "", TempEntityType("room-42"))
	require.Equal(t, "", TempEntityType("tmp_"))
}

func TestRecordMappingIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ids := env.c.IDs
	tempID := ids.Allocate("room")

	_, ok, err := ids.Resolve(ctx, tempID)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, ids.Record(ctx, tempID, "room-1"))
	// Re-recording the same pair is a no-op.
	require.NoError(t, ids.Record(ctx, tempID, "room-1"))

	err = ids.Record(ctx, tempID, "room-2")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMappingConflict))
	var conflict *MappingConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, tempID, conflict.TempID)
	assert.Equal(t, "room-1", conflict.Existing)
	assert.Equal(t, "room-2", conflict.Attempted)

	realID, ok, err := ids.Resolve(ctx, tempID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "room-1", realID)

	back, ok, err := ids.TempFor(ctx, "room-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tempID, back)

	aliases, err := ids.Aliases(ctx, "room-1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"room-1", tempID}, aliases)
}

func TestRecordMappingValidatesIdentifiers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	err := env.c.IDs.Record(ctx, "room-1", "room-2")
	require.ErrorIs(t, err, ErrValidation)

	err = env.c.IDs.Record(ctx, env.c.IDs.Allocate("room"), env.c.IDs.Allocate("room"))
	require.ErrorIs(t, err, ErrValidation)

	err = env.c.IDs.Record(ctx, env.c.IDs.Allocate("room"), "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestMappingSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tempID := env.c.IDs.Allocate("room")
	require.NoError(t, env.c.IDs.Record(ctx, tempID, "room-7"))

	// A fresh allocator over the same database has no cache.
	fresh := newIDs(env.c.st, env.c.logger)
	realID, ok, err := fresh.Resolve(ctx, tempID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "room-7", realID)
}

func TestRecordRewritesLocalReferences(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	room := env.createRecord(t, "room", "", map[string]any{"name": "Kitchen"})
	point := env.createRecord(t, "measurement_point", room.RecordID, map[string]any{"name": "P1"})
	img := env.capture(t, "measurement_point", point.RecordID, jpeg("a"), "wall")

	var resolved [][2]string
	stop := env.c.IDs.OnResolved(func(tempID, realID string) {
		resolved = append(resolved, [2]string{tempID, realID})
	})
	defer stop()

	require.NoError(t, env.c.IDs.Record(ctx, room.RecordID, "room-1"))
	require.NoError(t, env.c.IDs.Record(ctx, point.RecordID, "point-1"))
	require.Equal(t, [][2]string{{room.RecordID, "room-1"}, {point.RecordID, "point-1"}}, resolved)

	gotPoint, err := env.c.Record(ctx, "point-1")
	require.NoError(t, err)
	require.Equal(t, point.RecordID, gotPoint.RecordID)
	require.Equal(t, "room-1", gotPoint.ParentID)

	gotImg, err := env.c.Image(ctx, img.ImageID)
	require.NoError(t, err)
	require.Equal(t, "point-1", gotImg.EntityID)

	// Lookup by either identifier finds the same children.
	byTemp, err := env.c.ImagesForEntity(ctx, "measurement_point", point.RecordID)
	require.NoError(t, err)
	require.Len(t, byTemp, 1)
	byReal, err := env.c.Children(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, byReal, 1)
}

func TestOnResolvedUnsubscribe(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	calls := 0
	stop := env.c.IDs.OnResolved(func(string, string) { calls++ })
	require.NoError(t, env.c.IDs.Record(ctx, env.c.IDs.Allocate("room"), "room-1"))
	stop()
	require.NoError(t, env.c.IDs.Record(ctx, env.c.IDs.Allocate("room"), "room-2"))
	require.Equal(t, 1, calls)
}
