// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// PhotoView is one photo as a view displays it.
type PhotoView struct {
	ImageID      string      `json:"image_id,omitempty"`
	AttachmentID string      `json:"attachment_id,omitempty"`
	TempID       string      `json:"temp_id,omitempty"`
	Slot         string      `json:"slot,omitempty"` // photo role within the point
	Source       PhotoSource `json:"-"`
	DisplayURL   string      `json:"display_url"`
	Caption      string      `json:"caption"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// FieldValue is a displayed record field with the time it was last set.
type FieldValue struct {
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PointView is one measurement point with its photos and fields.
type PointView struct {
	PointID string                `json:"point_id"` // real or temp
	TempID  string                `json:"temp_id,omitempty"`
	Name    string                `json:"name,omitempty"`
	Photos  []PhotoView           `json:"photos"`
	Fields  map[string]FieldValue `json:"fields,omitempty"`
}

// ViewState is what a room view currently displays.
type ViewState struct {
	RoomID string      `json:"room_id"`
	Points []PointView `json:"points"`
}

// Clone returns a deep copy of s.
func (s ViewState) Clone() ViewState {
	out := ViewState{RoomID: s.RoomID, Points: make([]PointView, len(s.Points))}
	for i, p := range s.Points {
		p.Photos = slices.Clone(p.Photos)
		p.Fields = maps.Clone(p.Fields)
		out.Points[i] = p
	}
	return out
}

// PhotoView builds the view of a local image.
func (c *Client) PhotoView(ctx context.Context, img *LocalImage) PhotoView {
	return PhotoView{
		ImageID:      img.ImageID,
		AttachmentID: img.AttachmentID,
		TempID:       img.TempAttachmentID,
		Slot:         img.PhotoRole,
		Source:       img.Source(),
		DisplayURL:   c.GetDisplayURL(ctx, img),
		Caption:      img.Caption,
		UpdatedAt:    img.UpdatedAt,
	}
}

// PointView builds the view of a local record and the photos attached to it.
// The "name" field, when it is a string, becomes the point name.
func (c *Client) PointView(ctx context.Context, id string) (PointView, error) {
	rec, err := c.Record(ctx, id)
	if err != nil {
		return PointView{}, err
	}
	pv := PointView{PointID: rec.ID(), Fields: make(map[string]FieldValue, len(rec.Fields))}
	if IsTemp(rec.RecordID) {
		pv.TempID = rec.RecordID
	}
	if name, ok := rec.Fields["name"].(string); ok {
		pv.Name = name
	}
	for k, v := range rec.Fields {
		pv.Fields[k] = FieldValue{Value: v, UpdatedAt: rec.FieldTimes[k]}
	}
	imgs, err := c.ImagesForEntity(ctx, rec.EntityType, rec.ID())
	if err != nil {
		return PointView{}, err
	}
	for _, img := range imgs {
		pv.Photos = append(pv.Photos, c.PhotoView(ctx, img))
	}
	return pv, nil
}

// PreservationSnapshot is the last known good displayable state of a view,
// indexed by every identifier an entry may be looked up under later. It is
// never persisted.
type PreservationSnapshot struct {
	TakenAt time.Time

	photos  map[string]PhotoView   // photo alias -> photo
	slots   map[string]PhotoView   // point alias + slot -> photo
	byPoint map[string][]PhotoView // point alias -> photos shown on it
	fields  map[string]FieldValue  // point alias + field -> value
}

// Len returns the number of distinct photos preserved.
func (s *PreservationSnapshot) Len() int {
	if s == nil {
		return 0
	}
	seen := make(map[string]struct{})
	for _, p := range s.photos {
		seen[p.ImageID+"|"+p.AttachmentID+"|"+p.TempID] = struct{}{}
	}
	return len(seen)
}

func slotKey(pointAlias, slot string) string   { return pointAlias + "\x00" + slot }
func fieldKey(pointAlias, field string) string { return pointAlias + "\x00" + field }

// ReloadReason says what triggered a reload request.
type ReloadReason string

const (
	ReloadCacheInvalidation ReloadReason = "cache_invalidation"
	ReloadSyncCompleted     ReloadReason = "sync_completed"
	ReloadNavigation        ReloadReason = "navigation"
)

// ReloadRequest asks a Reconciler whether a view may reload now.
type ReloadRequest struct {
	Reason     ReloadReason
	FirstEntry bool // the view is being entered for the first time
}

// ReloadDecision is the answer to a ReloadRequest.
type ReloadDecision string

const (
	ReloadProceed    ReloadDecision = "proceed"
	ReloadDeferred   ReloadDecision = "deferred"   // re-triggered once the running sync finishes
	ReloadSuppressed ReloadDecision = "suppressed" // caused by the view's own recent write
)

// LoadFunc loads fresh view state, typically from the backend or local cache.
type LoadFunc func(ctx context.Context) (ViewState, error)

// Reconciler protects one view's displayed state across reloads. Each view
// owns its own instance; Close it when the view is torn down.
type Reconciler struct {
	c      *Client
	logger *slog.Logger

	mu         sync.Mutex
	snapshot   *PreservationSnapshot
	deferred   bool
	onDeferred func()
	closed     bool
	unlisten   func()
}

// NewReconciler creates a reconciler for one view. onDeferredReload, if not
// nil, is called once a sync run finishes and a reload was deferred during
// it; it runs on the publishing goroutine and should hand work off quickly.
func (c *Client) NewReconciler(onDeferredReload func()) *Reconciler {
	r := &Reconciler{
		c:          c,
		logger:     c.logger.With("component", "reconciler"),
		onDeferred: onDeferredReload,
	}
	r.unlisten = c.Events.Listen(r.handleEvent)
	return r
}

func (r *Reconciler) handleEvent(ev Event) {
	if ev.Type != EventSyncFinished {
		return
	}
	r.mu.Lock()
	fire := r.deferred && !r.closed
	r.deferred = false
	fn := r.onDeferred
	r.mu.Unlock()
	if fire && fn != nil {
		r.logger.Debug("running deferred reload")
		fn()
	}
}

// RequestReload decides whether a reload may run now. First entry always
// proceeds. While a sync run is in progress the reload is deferred until it
// finishes. Cache invalidations within the cooldown after a local mutation
// are suppressed.
func (r *Reconciler) RequestReload(req ReloadRequest) ReloadDecision {
	if req.FirstEntry {
		return ReloadProceed
	}
	if r.c.Orchestrator.Syncing() {
		r.mu.Lock()
		r.deferred = true
		r.mu.Unlock()
		return ReloadDeferred
	}
	if req.Reason == ReloadCacheInvalidation && r.c.sinceMutation() < r.c.config.ReloadCooldown {
		return ReloadSuppressed
	}
	return ReloadProceed
}

// Reload snapshots current, loads fresh state and restores anything the
// fresh state lost. When the request is not allowed to proceed, or loading
// fails, current is returned unchanged.
func (r *Reconciler) Reload(ctx context.Context, req ReloadRequest, current ViewState, load LoadFunc) (ViewState, ReloadDecision, error) {
	decision := r.RequestReload(req)
	if decision != ReloadProceed {
		return current, decision, nil
	}
	snap, err := r.Snapshot(ctx, current)
	if err != nil {
		return current, decision, err
	}
	fresh, err := load(ctx)
	if err != nil {
		return current, decision, fmt.Errorf("failed to load view state: %w", err)
	}
	merged, err := r.Restore(ctx, fresh, snap)
	if err != nil {
		return current, decision, err
	}
	return merged, decision, nil
}

// Snapshot captures every displayable photo and field of state.
func (r *Reconciler) Snapshot(ctx context.Context, state ViewState) (*PreservationSnapshot, error) {
	snap := &PreservationSnapshot{
		TakenAt: r.c.st.now(),
		photos:  make(map[string]PhotoView),
		slots:   make(map[string]PhotoView),
		byPoint: make(map[string][]PhotoView),
		fields:  make(map[string]FieldValue),
	}
	for _, pt := range state.Points {
		pointAliases, err := r.pointAliases(ctx, pt)
		if err != nil {
			return nil, err
		}
		for _, ph := range pt.Photos {
			if !IsDisplayable(ph.DisplayURL) {
				continue
			}
			aliases, err := r.photoAliases(ctx, ph)
			if err != nil {
				return nil, err
			}
			for _, a := range aliases {
				snap.photos[a] = ph
			}
			for _, pa := range pointAliases {
				snap.byPoint[pa] = append(snap.byPoint[pa], ph)
				if ph.Slot != "" {
					snap.slots[slotKey(pa, ph.Slot)] = ph
				}
			}
		}
		for name, v := range pt.Fields {
			for _, pa := range pointAliases {
				snap.fields[fieldKey(pa, name)] = v
			}
		}
	}
	r.mu.Lock()
	r.snapshot = snap
	r.mu.Unlock()
	return snap, nil
}

// Restore merges snap into fresh: photos that lost their display value get
// it back, local photos the fresh state does not know yet are re-added, and
// newer field values win. Anything tombstoned is dropped, from fresh as well.
func (r *Reconciler) Restore(ctx context.Context, fresh ViewState, snap *PreservationSnapshot) (ViewState, error) {
	out := fresh.Clone()
	if snap == nil {
		r.mu.Lock()
		snap = r.snapshot
		r.mu.Unlock()
	}
	dead, err := r.c.Tombstones.Set(ctx)
	if err != nil {
		return fresh, err
	}
	isDead := func(aliases []string) bool {
		for _, a := range aliases {
			if _, ok := dead[a]; ok {
				return true
			}
		}
		return false
	}

	points := out.Points[:0]
	for _, pt := range out.Points {
		pointAliases, err := r.pointAliases(ctx, pt)
		if err != nil {
			return fresh, err
		}
		if isDead(pointAliases) {
			continue
		}

		seen := make(map[string]struct{})
		photos := make([]PhotoView, 0, len(pt.Photos))
		for _, ph := range pt.Photos {
			aliases, err := r.photoAliases(ctx, ph)
			if err != nil {
				return fresh, err
			}
			if isDead(aliases) {
				continue
			}
			if snap != nil {
				prev, ok := snap.lookup(aliases, pointAliases, ph.Slot)
				if ok {
					prevAliases, err := r.photoAliases(ctx, prev)
					if err != nil {
						return fresh, err
					}
					if !isDead(prevAliases) {
						if !IsDisplayable(ph.DisplayURL) {
							ph.DisplayURL = prev.DisplayURL
						}
						if prev.UpdatedAt.After(ph.UpdatedAt) {
							ph.Caption = prev.Caption
							ph.UpdatedAt = prev.UpdatedAt
						}
					}
					// A slot match stands in for the preserved photo.
					for _, a := range prevAliases {
						seen[a] = struct{}{}
					}
				}
			}
			for _, a := range aliases {
				seen[a] = struct{}{}
			}
			photos = append(photos, ph)
		}

		if snap != nil {
			for _, prev := range snap.photosOn(pointAliases) {
				if !isLocallyOwned(prev.Source) {
					continue
				}
				aliases, err := r.photoAliases(ctx, prev)
				if err != nil {
					return fresh, err
				}
				if isDead(aliases) || anySeen(seen, aliases) {
					continue
				}
				for _, a := range aliases {
					seen[a] = struct{}{}
				}
				photos = append(photos, prev)
			}

			for _, pa := range pointAliases {
				for key, v := range snap.fields {
					name, ok := fieldName(key, pa)
					if !ok {
						continue
					}
					if pt.Fields == nil {
						pt.Fields = make(map[string]FieldValue)
					}
					if cur, ok := pt.Fields[name]; !ok || cur.UpdatedAt.Before(v.UpdatedAt) {
						pt.Fields[name] = v
					}
				}
			}
		}
		pt.Photos = photos
		points = append(points, pt)
	}
	out.Points = points
	return out, nil
}

// Close discards the snapshot and stops listening for sync completion.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.snapshot = nil
	r.deferred = false
	r.mu.Unlock()
	if r.unlisten != nil {
		r.unlisten()
	}
}

func (r *Reconciler) pointAliases(ctx context.Context, pt PointView) ([]string, error) {
	out := make([]string, 0, 4)
	for _, id := range []string{pt.PointID, pt.TempID} {
		if id == "" {
			continue
		}
		aliases, err := r.c.IDs.Aliases(ctx, id)
		if err != nil {
			return nil, err
		}
		out = appendUnique(out, aliases...)
	}
	if pt.Name != "" {
		out = appendUnique(out, "name:"+pt.Name)
	}
	return out, nil
}

func (r *Reconciler) photoAliases(ctx context.Context, ph PhotoView) ([]string, error) {
	out := make([]string, 0, 4)
	if ph.ImageID != "" {
		out = append(out, ph.ImageID)
	}
	for _, id := range []string{ph.TempID, ph.AttachmentID} {
		if id == "" {
			continue
		}
		aliases, err := r.c.IDs.Aliases(ctx, id)
		if err != nil {
			return nil, err
		}
		out = appendUnique(out, aliases...)
	}
	return out, nil
}

func (s *PreservationSnapshot) lookup(photoAliases, pointAliases []string, slot string) (PhotoView, bool) {
	for _, a := range photoAliases {
		if p, ok := s.photos[a]; ok {
			return p, true
		}
	}
	if slot == "" {
		return PhotoView{}, false
	}
	for _, pa := range pointAliases {
		if p, ok := s.slots[slotKey(pa, slot)]; ok {
			return p, true
		}
	}
	return PhotoView{}, false
}

func (s *PreservationSnapshot) photosOn(pointAliases []string) []PhotoView {
	var out []PhotoView
	for _, pa := range pointAliases {
		out = append(out, s.byPoint[pa]...)
	}
	return out
}

// isLocallyOwned reports whether a photo exists only because this device created it.
func isLocallyOwned(src PhotoSource) bool {
	switch src.(type) {
	case LocalFirst, Pending:
		return true
	default:
		return false
	}
}

func fieldName(key, pointAlias string) (string, bool) {
	prefix := pointAlias + "\x00"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", false
	}
	return key[len(prefix):], true
}

func anySeen(seen map[string]struct{}, aliases []string) bool {
	for _, a := range aliases {
		if _, ok := seen[a]; ok {
			return true
		}
	}
	return false
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		if v != "" && !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
