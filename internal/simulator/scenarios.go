// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Scenario represents one device workflow checked end to end.
type Scenario interface {
	Name() string
	Description() string
	Execute(ctx context.Context, s *Simulator, report *ScenarioReport) error
}

var scenarioOrder = []string{"offline-online", "delete-before-sync", "reconcile"}

func newScenario(name string) (Scenario, bool) {
	switch name {
	case "offline-online":
		return &OfflineOnlineScenario{}, true
	case "delete-before-sync":
		return &DeleteBeforeSyncScenario{}, true
	case "reconcile":
		return &ReconcileScenario{}, true
	}
	return nil, false
}

// ScenarioNames lists the available scenarios in run order.
func ScenarioNames() []string { return slices.Clone(scenarioOrder) }

func resolveScenarios(names []string) ([]Scenario, error) {
	if len(names) == 0 || slices.Contains(names, "all") {
		names = scenarioOrder
	}
	out := make([]Scenario, 0, len(names))
	for _, n := range names {
		sc, ok := newScenario(n)
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q (available: %s)", n, strings.Join(scenarioOrder, ", "))
		}
		out = append(out, sc)
	}
	return out, nil
}

// OfflineOnlineScenario captures a full inspection offline, then syncs it.
type OfflineOnlineScenario struct{}

func (*OfflineOnlineScenario) Name() string { return "offline-online" }
func (*OfflineOnlineScenario) Description() string {
	return "Capture a room with points and photos offline, edit them, then sync everything in one run"
}

func (sc *OfflineOnlineScenario) Execute(ctx context.Context, s *Simulator, report *ScenarioReport) error {
	c := s.client
	o := c.Orchestrator
	tag := uuid.NewString()[:8]

	o.SetOnline(false)
	defer o.SetOnline(true)

	room, err := c.CreateRecord(ctx, fieldsync.NewRecord{EntityType: "room", Fields: map[string]any{"name": "Basement " + tag}})
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	var points []*fieldsync.FieldRecord
	for i := 1; i <= 2; i++ {
		p, err := c.CreateRecord(ctx, fieldsync.NewRecord{
			EntityType: "measurement_point",
			ParentID:   room.RecordID,
			Fields:     map[string]any{"name": fmt.Sprintf("P%d", i)},
		})
		if err != nil {
			return fmt.Errorf("create point: %w", err)
		}
		points = append(points, p)
	}
	if _, err := c.UpdateRecordField(ctx, fieldsync.FieldEdit{RecordID: points[0].RecordID, Field: "moisture", Value: 21.5}); err != nil {
		return fmt.Errorf("edit point: %w", err)
	}

	// The same wall is photographed from both points.
	wall := photoBytes("wall-" + tag)
	imgs, err := c.CaptureBatch(ctx, []fieldsync.CaptureRequest{
		{Data: wall, ContentType: "image/jpeg", EntityType: "measurement_point", EntityID: points[0].RecordID, Caption: "north wall", PhotoRole: "overview"},
		{Data: wall, ContentType: "image/jpeg", EntityType: "measurement_point", EntityID: points[1].RecordID, Caption: "north wall", PhotoRole: "overview"},
		{Data: photoBytes("meter-" + tag), ContentType: "image/jpeg", EntityType: "measurement_point", EntityID: points[0].RecordID, Caption: "meter", PhotoRole: "reading"},
	})
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if _, err := c.UpdateCaptionAndAnnotation(ctx, imgs[2].ImageID, fieldsync.ImageEdit{
		Caption:    "meter reads 21.5",
		Annotation: json.RawMessage(`{"arrows":[{"x":10,"y":20}]}`),
	}); err != nil {
		return fmt.Errorf("edit caption: %w", err)
	}

	stats, err := c.Blobs.Stats(ctx)
	if err != nil {
		return err
	}
	if stats.PhysicalBytes >= stats.LogicalBytes {
		return fmt.Errorf("duplicate photo was not deduplicated: physical %d, logical %d", stats.PhysicalBytes, stats.LogicalBytes)
	}
	report.Metrics["physical_bytes"] = stats.PhysicalBytes
	report.Metrics["logical_bytes"] = stats.LogicalBytes

	if _, err := o.SyncOnce(ctx); !errors.Is(err, fieldsync.ErrOffline) {
		return fmt.Errorf("expected offline error, got %v", err)
	}
	counts, err := c.Queue.Count(ctx)
	if err != nil {
		return err
	}
	report.Metrics["queued_offline"] = counts.Pending

	o.SetOnline(true)
	run, err := o.SyncOnce(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	report.Metrics["sync"] = run
	if run.Failed > 0 {
		return fmt.Errorf("%d operations failed", run.Failed)
	}
	if err := expectDrained(ctx, c); err != nil {
		return err
	}

	syncedRoom, err := c.Record(ctx, room.RecordID)
	if err != nil {
		return err
	}
	if syncedRoom.RealID == "" || fieldsync.IsTemp(syncedRoom.RealID) {
		return fmt.Errorf("room %s has no real identifier", room.RecordID)
	}
	remotePoints, err := s.backend.Read(ctx, "measurement_point", map[string]string{"parent_id": syncedRoom.RealID})
	if err != nil {
		return err
	}
	if len(remotePoints) != len(points) {
		return fmt.Errorf("server has %d points for room %s, want %d", len(remotePoints), syncedRoom.RealID, len(points))
	}
	for _, img := range imgs {
		got, err := c.Image(ctx, img.ImageID)
		if err != nil {
			return err
		}
		if got.Status != fieldsync.StatusVerified {
			return fmt.Errorf("image %s is %s, want %s", img.ImageID, got.Status, fieldsync.StatusVerified)
		}
		if fieldsync.IsTemp(got.EntityID) {
			return fmt.Errorf("image %s still references temp entity %s", img.ImageID, got.EntityID)
		}
	}
	return nil
}

// DeleteBeforeSyncScenario deletes offline work before it ever reaches the server.
type DeleteBeforeSyncScenario struct{}

func (*DeleteBeforeSyncScenario) Name() string { return "delete-before-sync" }
func (*DeleteBeforeSyncScenario) Description() string {
	return "Delete a room captured offline before syncing; nothing may reach the server"
}

func (sc *DeleteBeforeSyncScenario) Execute(ctx context.Context, s *Simulator, report *ScenarioReport) error {
	c := s.client
	o := c.Orchestrator
	name := "Attic " + uuid.NewString()[:8]

	o.SetOnline(false)
	defer o.SetOnline(true)

	room, err := c.CreateRecord(ctx, fieldsync.NewRecord{EntityType: "room", Fields: map[string]any{"name": name}})
	if err != nil {
		return err
	}
	point, err := c.CreateRecord(ctx, fieldsync.NewRecord{EntityType: "measurement_point", ParentID: room.RecordID, Fields: map[string]any{"name": "P1"}})
	if err != nil {
		return err
	}
	img, err := c.CaptureImage(ctx, fieldsync.CaptureRequest{
		Data: photoBytes(name), ContentType: "image/jpeg", EntityType: "measurement_point", EntityID: point.RecordID, Caption: "rafters",
	})
	if err != nil {
		return err
	}
	if err := c.DeleteRecord(ctx, room.RecordID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if _, err := c.Image(ctx, img.ImageID); !errors.Is(err, fieldsync.ErrImageNotFound) {
		return fmt.Errorf("image survived its room: %v", err)
	}

	o.SetOnline(true)
	run, err := o.SyncOnce(ctx)
	if err != nil {
		return err
	}
	report.Metrics["sync"] = run
	if run.Dispatched != 0 {
		return fmt.Errorf("%d operations dispatched for deleted work", run.Dispatched)
	}
	if err := expectDrained(ctx, c); err != nil {
		return err
	}
	remote, err := s.backend.Read(ctx, "room", map[string]string{"name": name})
	if err != nil {
		return err
	}
	if len(remote) != 0 {
		return fmt.Errorf("deleted room %q reached the server", name)
	}
	return nil
}

// ReconcileScenario reloads a point view from the server after sync and
// checks that nothing on screen regresses.
type ReconcileScenario struct{}

func (*ReconcileScenario) Name() string { return "reconcile" }
func (*ReconcileScenario) Description() string {
	return "Reload a point view from the server after sync; photos stay displayable and pending photos stay visible"
}

func (sc *ReconcileScenario) Execute(ctx context.Context, s *Simulator, report *ScenarioReport) error {
	c := s.client
	o := c.Orchestrator
	tag := uuid.NewString()[:8]

	o.SetOnline(false)
	room, err := c.CreateRecord(ctx, fieldsync.NewRecord{EntityType: "room", Fields: map[string]any{"name": "Hall " + tag}})
	if err != nil {
		return err
	}
	point, err := c.CreateRecord(ctx, fieldsync.NewRecord{EntityType: "measurement_point", ParentID: room.RecordID, Fields: map[string]any{"name": "P1"}})
	if err != nil {
		return err
	}
	for i := range 2 {
		if _, err := c.CaptureImage(ctx, fieldsync.CaptureRequest{
			Data: photoBytes(fmt.Sprintf("%s-%d", tag, i)), ContentType: "image/jpeg",
			EntityType: "measurement_point", EntityID: point.RecordID, Caption: fmt.Sprintf("photo %d", i+1),
		}); err != nil {
			return err
		}
	}
	pv, err := c.PointView(ctx, point.RecordID)
	if err != nil {
		return err
	}
	current := fieldsync.ViewState{RoomID: room.RecordID, Points: []fieldsync.PointView{pv}}

	o.SetOnline(true)
	if _, err := o.SyncOnce(ctx); err != nil {
		return err
	}
	synced, err := c.Record(ctx, point.RecordID)
	if err != nil {
		return err
	}

	// A photo taken after the sync exists only on the device.
	o.SetOnline(false)
	late, err := c.CaptureImage(ctx, fieldsync.CaptureRequest{
		Data: photoBytes("late-" + tag), ContentType: "image/jpeg",
		EntityType: "measurement_point", EntityID: point.RecordID, Caption: "late",
	})
	o.SetOnline(true)
	if err != nil {
		return err
	}
	current.Points[0].Photos = append(current.Points[0].Photos, c.PhotoView(ctx, late))

	r := c.NewReconciler(nil)
	defer r.Close()
	merged, decision, err := r.Reload(ctx, fieldsync.ReloadRequest{Reason: fieldsync.ReloadSyncCompleted}, current, remoteLoader(s, room.RecordID, synced.ID()))
	if err != nil {
		return err
	}
	report.Metrics["decision"] = decision
	if decision != fieldsync.ReloadProceed {
		return fmt.Errorf("reload was %s", decision)
	}
	if len(merged.Points) != 1 {
		return fmt.Errorf("merged view has %d points", len(merged.Points))
	}
	photos := merged.Points[0].Photos
	report.Metrics["photos"] = len(photos)
	if len(photos) != 3 {
		return fmt.Errorf("merged view has %d photos, want 3", len(photos))
	}
	var sawLate bool
	for _, ph := range photos {
		if !fieldsync.IsDisplayable(ph.DisplayURL) {
			return fmt.Errorf("photo %q regressed to a placeholder", ph.Caption)
		}
		sawLate = sawLate || ph.ImageID == late.ImageID
	}
	if !sawLate {
		return errors.New("pending photo disappeared after reload")
	}
	return nil
}

// remoteLoader loads a point view the way a screen would after a cache
// invalidation: straight from the server, without local display URLs.
func remoteLoader(s *Simulator, roomID, pointID string) fieldsync.LoadFunc {
	return func(ctx context.Context) (fieldsync.ViewState, error) {
		pts, err := s.backend.Read(ctx, "measurement_point", map[string]string{"id": pointID})
		if err != nil {
			return fieldsync.ViewState{}, err
		}
		if len(pts) != 1 {
			return fieldsync.ViewState{}, fmt.Errorf("point %s: %w", pointID, fieldsync.ErrRemoteNotFound)
		}
		var fields map[string]any
		if err := json.Unmarshal(pts[0].Payload, &fields); err != nil {
			return fieldsync.ViewState{}, err
		}
		pv := fieldsync.PointView{PointID: pointID, Fields: make(map[string]fieldsync.FieldValue)}
		for k, v := range fields {
			switch k {
			case "parent_id", "client_token":
				continue
			case "name":
				pv.Name, _ = v.(string)
			}
			pv.Fields[k] = fieldsync.FieldValue{Value: v, UpdatedAt: pts[0].UpdatedAt}
		}

		atts, err := s.backend.Read(ctx, fieldsync.EntityAttachment, map[string]string{"entity_id": pointID})
		if err != nil {
			return fieldsync.ViewState{}, err
		}
		for _, a := range atts {
			var p struct {
				Caption            string `json:"caption"`
				PhotoRole          string `json:"photo_role"`
				BinaryKey          string `json:"binary_key"`
				AnnotatedBinaryKey string `json:"annotated_binary_key"`
			}
			if err := json.Unmarshal(a.Payload, &p); err != nil {
				return fieldsync.ViewState{}, err
			}
			pv.Photos = append(pv.Photos, fieldsync.PhotoView{
				AttachmentID: a.ID,
				Slot:         p.PhotoRole,
				Source:       fieldsync.SyncedRemote{AttachmentID: a.ID, BinaryKey: p.BinaryKey, AnnotatedBinaryKey: p.AnnotatedBinaryKey},
				DisplayURL:   fieldsync.PlaceholderURL,
				Caption:      p.Caption,
				UpdatedAt:    a.UpdatedAt,
			})
		}
		return fieldsync.ViewState{RoomID: roomID, Points: []fieldsync.PointView{pv}}, nil
	}
}

func expectDrained(ctx context.Context, c *fieldsync.Client) error {
	counts, err := c.Queue.Count(ctx)
	if err != nil {
		return err
	}
	if counts != (fieldsync.QueueCounts{}) {
		return fmt.Errorf("queue not drained: %+v", counts)
	}
	return nil
}

// photoBytes returns a small JPEG-looking payload unique to seed.
func photoBytes(seed string) []byte {
	return append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte(seed)...)
}
