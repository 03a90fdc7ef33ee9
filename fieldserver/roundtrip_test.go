package fieldserver_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/blobstore/memory"
	"github.com/mobiletoly/go-fieldsync/fieldserver"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// TestOfflineCaptureSyncsAgainstServer drives the client engine against a
// real server: everything is captured offline, then one run creates the
// records in dependency order and uploads the photo under real identifiers.
func TestOfflineCaptureSyncsAgainstServer(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	store := fieldserver.NewMemoryStore(memory.New())
	srv, err := fieldserver.New(store, &fieldserver.Config{JWTSecret: "test-secret", Registerer: reg, Gatherer: reg})
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	token, err := srv.Auth().GenerateToken("inspector-1", "tablet-1", time.Hour)
	require.NoError(t, err)
	backend := fieldsync.NewHTTPBackend(hs.URL, func(context.Context) (string, error) { return token, nil })

	db, err := fieldsync.OpenDatabase(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	defer db.Close()
	cfg := fieldsync.DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := fieldsync.NewClient(db, memory.New(), backend, cfg)
	require.NoError(t, err)
	defer client.Close()

	client.Orchestrator.SetOnline(false)
	room, err := client.CreateRecord(ctx, fieldsync.NewRecord{EntityType: "room", Fields: map[string]any{"name": "Kitchen"}})
	require.NoError(t, err)
	point, err := client.CreateRecord(ctx, fieldsync.NewRecord{EntityType: "measurement_point", ParentID: room.RecordID, Fields: map[string]any{"name": "P1"}})
	require.NoError(t, err)
	photo := []byte{0xFF, 0xD8, 0xFF, 0xE0, 'w', 'a', 'l', 'l'}
	img, err := client.CaptureImage(ctx, fieldsync.CaptureRequest{
		Data:        photo,
		ContentType: "image/jpeg",
		EntityType:  "measurement_point",
		EntityID:    point.RecordID,
		Caption:     "north wall",
	})
	require.NoError(t, err)
	_, err = client.Orchestrator.SyncOnce(ctx)
	require.ErrorIs(t, err, fieldsync.ErrOffline)

	client.Orchestrator.SetOnline(true)
	report, err := client.Orchestrator.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 1, report.Verified)

	room, err = client.Record(ctx, room.RecordID)
	require.NoError(t, err)
	point, err = client.Record(ctx, point.RecordID)
	require.NoError(t, err)
	img, err = client.Image(ctx, img.ImageID)
	require.NoError(t, err)
	assert.Equal(t, fieldsync.StatusVerified, img.Status)
	assert.Equal(t, point.RealID, img.EntityID)

	points, err := store.ListResources(ctx, "inspector-1", "measurement_point", nil)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, point.RealID, points[0].ID)
	var pointPayload map[string]any
	require.NoError(t, json.Unmarshal(points[0].Payload, &pointPayload))
	assert.Equal(t, room.RealID, pointPayload["parent_id"])

	attachments, err := store.ListResources(ctx, "inspector-1", fieldsync.EntityAttachment, map[string]string{"entity_id": point.RealID})
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	assert.Equal(t, img.AttachmentID, attachments[0].ID)

	data, contentType, err := store.GetBinary(ctx, "inspector-1", img.BinaryKey)
	require.NoError(t, err)
	assert.Equal(t, photo, data)
	assert.Equal(t, "image/jpeg", contentType)

	// A caption edit after sync updates the server copy in place.
	edit := fieldsync.EditFrom(img)
	edit.Caption = "north wall, damp"
	_, err = client.UpdateCaptionAndAnnotation(ctx, img.ImageID, edit)
	require.NoError(t, err)
	_, err = client.Orchestrator.SyncOnce(ctx)
	require.NoError(t, err)
	attachments, err = store.ListResources(ctx, "inspector-1", fieldsync.EntityAttachment, map[string]string{"id": img.AttachmentID})
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	var attachment map[string]any
	require.NoError(t, json.Unmarshal(attachments[0].Payload, &attachment))
	assert.Equal(t, "north wall, damp", attachment["caption"])
	assert.Equal(t, img.BinaryKey, attachment["binary_key"])

	// Deleting the room removes it and everything under it remotely.
	require.NoError(t, client.DeleteRecord(ctx, room.RecordID))
	_, err = client.Orchestrator.SyncOnce(ctx)
	require.NoError(t, err)
	for _, typ := range []string{"room", "measurement_point", fieldsync.EntityAttachment} {
		left, err := store.ListResources(ctx, "inspector-1", typ, nil)
		require.NoError(t, err)
		assert.Empty(t, left, typ)
	}
}
