package fieldsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staleCopy returns the view as a lagging server listing would return it:
// same entries, no displayable bytes.
func staleCopy(state ViewState) ViewState {
	out := state.Clone()
	for i := range out.Points {
		for j := range out.Points[i].Photos {
			out.Points[i].Photos[j].DisplayURL = PlaceholderURL
		}
	}
	return out
}

func photoIDs(photos []PhotoView) []string {
	out := make([]string, len(photos))
	for i, p := range photos {
		out[i] = p.ImageID
	}
	return out
}

func TestRestoreDropsTombstonedPhotos(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	point := env.createRecord(t, "measurement_point", "", map[string]any{"name": "P1"})
	a := env.capture(t, "measurement_point", point.RecordID, jpeg("a"), "a")
	b := env.capture(t, "measurement_point", point.RecordID, jpeg("b"), "b")

	pv, err := env.c.PointView(ctx, point.RecordID)
	require.NoError(t, err)
	require.Len(t, pv.Photos, 2)
	for _, ph := range pv.Photos {
		require.True(t, IsDisplayable(ph.DisplayURL))
	}
	current := ViewState{RoomID: "room-1", Points: []PointView{pv}}

	r := env.c.NewReconciler(nil)
	defer r.Close()
	snap, err := r.Snapshot(ctx, current)
	require.NoError(t, err)
	require.Equal(t, 2, snap.Len())

	require.NoError(t, env.c.DeleteLocalImage(ctx, a.ImageID))

	// The stale listing still contains the deleted photo.
	merged, err := r.Restore(ctx, staleCopy(current), snap)
	require.NoError(t, err)
	require.Len(t, merged.Points, 1)
	require.Equal(t, []string{b.ImageID}, photoIDs(merged.Points[0].Photos))
	require.True(t, IsDisplayable(merged.Points[0].Photos[0].DisplayURL), "display value restored from the snapshot")

	// A listing without either photo gets the pending one back, never the deleted one.
	empty := current.Clone()
	empty.Points[0].Photos = nil
	merged, err = r.Restore(ctx, empty, snap)
	require.NoError(t, err)
	require.Equal(t, []string{b.ImageID}, photoIDs(merged.Points[0].Photos))
}

func TestRestoreDropsDeletedPoints(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	keep := env.createRecord(t, "measurement_point", "", map[string]any{"name": "P1"})
	drop := env.createRecord(t, "measurement_point", "", map[string]any{"name": "P2"})

	var points []PointView
	for _, id := range []string{keep.RecordID, drop.RecordID} {
		pv, err := env.c.PointView(ctx, id)
		require.NoError(t, err)
		points = append(points, pv)
	}
	current := ViewState{Points: points}

	r := env.c.NewReconciler(nil)
	defer r.Close()
	snap, err := r.Snapshot(ctx, current)
	require.NoError(t, err)
	require.NoError(t, env.c.DeleteRecord(ctx, drop.RecordID))

	merged, err := r.Restore(ctx, current, snap)
	require.NoError(t, err)
	require.Len(t, merged.Points, 1)
	require.Equal(t, keep.RecordID, merged.Points[0].PointID)
}

func TestRestoreMatchesAcrossIdentifierResolution(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	point := env.createRecord(t, "measurement_point", "", map[string]any{"name": "P1"})
	img := env.capture(t, "measurement_point", point.RecordID, jpeg("a"), "a")

	pv, err := env.c.PointView(ctx, point.RecordID)
	require.NoError(t, err)
	current := ViewState{Points: []PointView{pv}}
	r := env.c.NewReconciler(nil)
	defer r.Close()
	snap, err := r.Snapshot(ctx, current)
	require.NoError(t, err)
	localURL := pv.Photos[0].DisplayURL

	env.syncOnce(t)
	rec, err := env.c.Record(ctx, point.RecordID)
	require.NoError(t, err)
	img, err = env.c.Image(ctx, img.ImageID)
	require.NoError(t, err)

	// The server only knows real identifiers.
	fresh := ViewState{Points: []PointView{{
		PointID: rec.RealID,
		Photos: []PhotoView{{
			AttachmentID: img.AttachmentID,
			Source:       SyncedRemote{AttachmentID: img.AttachmentID, BinaryKey: img.BinaryKey},
			DisplayURL:   PlaceholderURL,
			Caption:      "a",
		}},
	}}}
	merged, err := r.Restore(ctx, fresh, snap)
	require.NoError(t, err)
	require.Len(t, merged.Points[0].Photos, 1, "the preserved temp entry is the same photo")
	require.Equal(t, localURL, merged.Points[0].Photos[0].DisplayURL)
}

func TestRestoreKeepsNewerValues(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r := env.c.NewReconciler(nil)
	defer r.Close()

	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	current := ViewState{Points: []PointView{{
		PointID: "point-1",
		Name:    "P1",
		Fields: map[string]FieldValue{
			"moisture": {Value: 12, UpdatedAt: t0.Add(2 * time.Minute)},
			"notes":    {Value: "old", UpdatedAt: t0},
		},
		Photos: []PhotoView{{
			AttachmentID: "att-1", Slot: "overview", DisplayURL: "https://cdn/att-1",
			Caption: "edited", UpdatedAt: t0.Add(time.Minute),
			Source: SyncedRemote{AttachmentID: "att-1", BinaryKey: "bin-1"},
		}},
	}}}
	snap, err := r.Snapshot(ctx, current)
	require.NoError(t, err)

	fresh := ViewState{Points: []PointView{{
		PointID: "point-1",
		Name:    "P1",
		Fields: map[string]FieldValue{
			"moisture": {Value: 10, UpdatedAt: t0},
			"notes":    {Value: "new", UpdatedAt: t0.Add(time.Hour)},
		},
		Photos: []PhotoView{{
			AttachmentID: "att-1", Slot: "overview", DisplayURL: PlaceholderURL,
			Caption: "original", UpdatedAt: t0,
			Source: SyncedRemote{AttachmentID: "att-1", BinaryKey: "bin-1"},
		}},
	}}}
	merged, err := r.Restore(ctx, fresh, snap)
	require.NoError(t, err)
	pt := merged.Points[0]
	assert.Equal(t, 12, pt.Fields["moisture"].Value, "the local edit is newer")
	assert.Equal(t, "new", pt.Fields["notes"].Value, "the server value is newer")
	require.Len(t, pt.Photos, 1)
	assert.Equal(t, "https://cdn/att-1", pt.Photos[0].DisplayURL)
	assert.Equal(t, "edited", pt.Photos[0].Caption)

	// Remote photos missing from a listing are not invented back.
	fresh.Points[0].Photos = nil
	merged, err = r.Restore(ctx, fresh, snap)
	require.NoError(t, err)
	assert.Empty(t, merged.Points[0].Photos)

	// fresh itself is left untouched.
	assert.Equal(t, 10, fresh.Points[0].Fields["moisture"].Value)
}

func TestRestoreBySlot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r := env.c.NewReconciler(nil)
	defer r.Close()

	snap, err := r.Snapshot(ctx, ViewState{Points: []PointView{{
		PointID: "point-1",
		Photos:  []PhotoView{{AttachmentID: "att-1", Slot: "meter", DisplayURL: "https://cdn/meter"}},
	}}})
	require.NoError(t, err)

	// The server re-issued the attachment; the slot still identifies it.
	merged, err := r.Restore(ctx, ViewState{Points: []PointView{{
		PointID: "point-1",
		Photos:  []PhotoView{{AttachmentID: "att-2", Slot: "meter", DisplayURL: ""}},
	}}}, snap)
	require.NoError(t, err)
	require.Equal(t, "https://cdn/meter", merged.Points[0].Photos[0].DisplayURL)
}

func TestRestoreBySlotDoesNotDuplicateLocalPhoto(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r := env.c.NewReconciler(nil)
	defer r.Close()

	local := "fieldsync://blob/local"
	snap, err := r.Snapshot(ctx, ViewState{Points: []PointView{{
		PointID: "point-1",
		Photos: []PhotoView{{
			ImageID: "img-1", TempID: "tmp_attachment_1", Slot: "meter",
			Source: Pending{ImageID: "img-1", TempAttachmentID: "tmp_attachment_1"}, DisplayURL: local,
		}},
	}}})
	require.NoError(t, err)

	merged, err := r.Restore(ctx, ViewState{Points: []PointView{{
		PointID: "point-1",
		Photos: []PhotoView{{
			AttachmentID: "att-9", Slot: "meter",
			Source: SyncedRemote{AttachmentID: "att-9", BinaryKey: "bin-9"}, DisplayURL: PlaceholderURL,
		}},
	}}}, snap)
	require.NoError(t, err)
	photos := merged.Points[0].Photos
	require.Len(t, photos, 1)
	assert.Equal(t, "att-9", photos[0].AttachmentID)
	assert.Equal(t, local, photos[0].DisplayURL)
}

func TestRequestReloadPolicy(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ReloadCooldown = time.Hour })
	var fired atomic.Int32
	r := env.c.NewReconciler(func() { fired.Add(1) })
	defer r.Close()

	// No local mutation yet.
	require.Equal(t, ReloadProceed, r.RequestReload(ReloadRequest{Reason: ReloadCacheInvalidation}))

	env.capture(t, "room", "room-1", jpeg("x"), "")
	require.Equal(t, ReloadSuppressed, r.RequestReload(ReloadRequest{Reason: ReloadCacheInvalidation}))
	require.Equal(t, ReloadProceed, r.RequestReload(ReloadRequest{Reason: ReloadNavigation}))

	o := env.c.Orchestrator
	o.syncing.Store(true)
	require.Equal(t, ReloadProceed, r.RequestReload(ReloadRequest{Reason: ReloadNavigation, FirstEntry: true}))
	require.Equal(t, ReloadDeferred, r.RequestReload(ReloadRequest{Reason: ReloadSyncCompleted}))
	require.Equal(t, ReloadDeferred, r.RequestReload(ReloadRequest{Reason: ReloadNavigation}))
	o.syncing.Store(false)

	env.c.Events.Publish(Event{Type: EventSyncFinished})
	env.c.Events.Publish(Event{Type: EventSyncFinished})
	require.Equal(t, int32(1), fired.Load(), "deferred reloads fire once")
}

func TestReloadCooldownFollowsClock(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ReloadCooldown = time.Minute })
	r := env.c.NewReconciler(nil)
	defer r.Close()

	env.capture(t, "room", "room-1", jpeg("x"), "")
	require.Equal(t, ReloadSuppressed, r.RequestReload(ReloadRequest{Reason: ReloadCacheInvalidation}))
	env.clock.Advance(59 * time.Second)
	require.Equal(t, ReloadSuppressed, r.RequestReload(ReloadRequest{Reason: ReloadCacheInvalidation}))
	env.clock.Advance(2 * time.Second)
	require.Equal(t, ReloadProceed, r.RequestReload(ReloadRequest{Reason: ReloadCacheInvalidation}))
}

func TestDeferredReloadFiresAfterSync(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	var decisions []ReloadDecision
	r := env.c.NewReconciler(func() {})
	defer r.Close()
	r.onDeferred = func() {
		decisions = append(decisions, r.RequestReload(ReloadRequest{Reason: ReloadSyncCompleted}))
	}
	env.backend.onCreate = func(string) {
		decisions = append(decisions, r.RequestReload(ReloadRequest{Reason: ReloadSyncCompleted}))
	}
	env.createRecord(t, "room", "", nil)

	_, err := env.c.Orchestrator.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []ReloadDecision{ReloadDeferred, ReloadProceed}, decisions)
}

func TestReload(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r := env.c.NewReconciler(nil)
	defer r.Close()

	current := ViewState{RoomID: "room-1", Points: []PointView{{
		PointID: "point-1",
		Photos:  []PhotoView{{AttachmentID: "att-1", DisplayURL: "https://cdn/att-1"}},
	}}}
	load := func(context.Context) (ViewState, error) {
		return staleCopy(current), nil
	}

	got, decision, err := r.Reload(ctx, ReloadRequest{Reason: ReloadNavigation}, current, load)
	require.NoError(t, err)
	require.Equal(t, ReloadProceed, decision)
	require.Equal(t, "https://cdn/att-1", got.Points[0].Photos[0].DisplayURL)

	env.c.Orchestrator.syncing.Store(true)
	got, decision, err = r.Reload(ctx, ReloadRequest{Reason: ReloadNavigation}, current, func(context.Context) (ViewState, error) {
		t.Fatal("loader must not run while deferred")
		return ViewState{}, nil
	})
	env.c.Orchestrator.syncing.Store(false)
	require.NoError(t, err)
	require.Equal(t, ReloadDeferred, decision)
	require.Equal(t, current, got)

	boom := errors.New("offline")
	got, _, err = r.Reload(ctx, ReloadRequest{Reason: ReloadNavigation}, current, func(context.Context) (ViewState, error) {
		return ViewState{}, boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, current, got)
}

func TestClosedReconcilerIgnoresSyncFinished(t *testing.T) {
	env := newTestEnv(t)
	var fired atomic.Int32
	r := env.c.NewReconciler(func() { fired.Add(1) })
	env.c.Orchestrator.syncing.Store(true)
	require.Equal(t, ReloadDeferred, r.RequestReload(ReloadRequest{Reason: ReloadSyncCompleted}))
	env.c.Orchestrator.syncing.Store(false)

	r.Close()
	env.c.Events.Publish(Event{Type: EventSyncFinished})
	require.Zero(t, fired.Load())
}
