// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// SyncReport summarizes one SyncOnce run.
type SyncReport struct {
	Rounds     int       `json:"rounds"`
	Dispatched int       `json:"dispatched"`
	Succeeded  int       `json:"succeeded"`
	Retrying   int       `json:"retrying"`
	Failed     int       `json:"failed"`
	Cancelled  int       `json:"cancelled"`
	Verified   int       `json:"verified"`
	Evicted    int       `json:"evicted"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSucceeded
	outcomeRetrying
	outcomeFailed
	outcomeCancelled
)

func (r *SyncReport) tally(o outcome) {
	switch o {
	case outcomeSucceeded:
		r.Dispatched++
		r.Succeeded++
	case outcomeRetrying:
		r.Dispatched++
		r.Retrying++
	case outcomeFailed:
		r.Dispatched++
		r.Failed++
	case outcomeCancelled:
		r.Cancelled++
	}
}

// dispatchResult is what a successful dispatch learned from the backend.
type dispatchResult struct {
	RealID             string
	BinaryKey          string
	AnnotatedBinaryKey string
}

// Orchestrator drains the queue against the backend. Only one run executes
// at a time. Within a run, operations that share an identifier run in order
// on one chain; independent chains run concurrently.
type Orchestrator struct {
	c      *Client
	logger *slog.Logger

	syncing atomic.Bool
	online  atomic.Bool
	paused  atomic.Bool
	kick    chan struct{}
}

func newOrchestrator(c *Client) *Orchestrator {
	o := &Orchestrator{
		c:      c,
		logger: c.logger.With("component", "orchestrator"),
		kick:   make(chan struct{}, 1),
	}
	o.online.Store(true)
	return o
}

// SetOnline reports connectivity. Going online triggers a run.
func (o *Orchestrator) SetOnline(online bool) {
	if prev := o.online.Swap(online); online && !prev {
		o.logger.Info("connectivity restored")
		o.Kick()
	}
}

// Online reports the last connectivity state given to SetOnline.
func (o *Orchestrator) Online() bool { return o.online.Load() }

// Syncing reports whether a run is in progress.
func (o *Orchestrator) Syncing() bool { return o.syncing.Load() }

// Pause suspends background runs. SyncOnce still runs when called directly.
func (o *Orchestrator) Pause() { o.paused.Store(true) }

// Resume re-enables background runs.
func (o *Orchestrator) Resume() {
	o.paused.Store(false)
	o.Kick()
}

// Kick requests a run as soon as the background loop is free.
func (o *Orchestrator) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Run drives SyncOnce from kicks, connectivity changes and the sync interval
// until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := o.c.config.SyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-o.kick:
		}
		if !o.online.Load() || o.paused.Load() {
			continue
		}
		if _, err := o.SyncOnce(ctx); err != nil && ctx.Err() == nil &&
			!errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
			o.logger.Error("sync run failed", "error", err)
		}
	}
}

// SyncOnce executes one run: ready operations are dispatched round by round
// until nothing more is ready, then uploads are verified and tombstones pruned.
func (o *Orchestrator) SyncOnce(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	if !o.online.Load() {
		return report, ErrOffline
	}
	if !o.syncing.CompareAndSwap(false, true) {
		return report, ErrSyncInProgress
	}
	defer o.syncing.Store(false)

	report.Started = o.c.st.now()
	o.c.Events.Publish(Event{Type: EventSyncStarted})
	start := o.c.stage.start()

	err := o.drain(ctx, &report)
	if err == nil && o.c.config.VerifyUploads {
		o.verify(ctx, &report)
	}
	if err == nil && o.c.config.EvictVerified {
		n, eerr := o.c.EvictVerifiedBytes(ctx)
		if eerr != nil {
			o.logger.Warn("failed to evict verified bytes", "error", eerr)
		}
		report.Evicted = n
	}
	if n, perr := o.c.Tombstones.Prune(ctx); perr != nil {
		o.logger.Warn("failed to prune tombstones", "error", perr)
	} else if n > 0 {
		o.logger.Debug("pruned tombstones", "count", n)
	}

	report.Finished = o.c.st.now()
	o.c.stage.observe(ctx, MetricsOpSync, MetricsStageTotal, start, report.Succeeded, 0, err != nil)
	o.logger.Debug("sync run finished",
		"rounds", report.Rounds, "succeeded", report.Succeeded, "retrying", report.Retrying,
		"failed", report.Failed, "cancelled", report.Cancelled, "verified", report.Verified)

	// Listeners reacting to the finish must observe the run as over.
	o.syncing.Store(false)
	finished := report
	ev := Event{Type: EventSyncFinished, Report: &finished}
	if err != nil {
		ev.Error = err.Error()
	}
	o.c.Events.Publish(ev)
	return report, err
}

func (o *Orchestrator) drain(ctx context.Context, report *SyncReport) error {
	if n, err := o.c.Queue.requeueStale(ctx); err != nil {
		return err
	} else if n > 0 {
		o.logger.Info("re-queued failed operations", "count", n)
	}

	maxRounds := o.c.config.MaxRoundsPerRun
	if maxRounds <= 0 {
		maxRounds = 25
	}
	for report.Rounds < maxRounds {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		start := o.c.stage.start()
		ready, err := o.c.Queue.DequeueReady(ctx, o.c.config.DequeueLimit)
		o.c.stage.observe(ctx, MetricsOpSync, MetricsStageDequeue, start, len(ready), 0, err != nil)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			return nil
		}
		report.Rounds++
		progress, err := o.runChains(ctx, chainsOf(ready), report)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		if !progress {
			return nil
		}
	}
	return nil
}

func (o *Orchestrator) runChains(ctx context.Context, chains [][]*Operation, report *SyncReport) (bool, error) {
	var (
		mu       sync.Mutex
		progress bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, o.c.config.MaxParallelChains))
	for _, chain := range chains {
		g.Go(func() error {
			for _, op := range chain {
				if gctx.Err() != nil {
					return nil
				}
				out, err := o.execute(gctx, op)
				mu.Lock()
				report.tally(out)
				if out == outcomeSucceeded || out == outcomeCancelled {
					progress = true
				}
				mu.Unlock()
				if err != nil {
					return err
				}
				if out != outcomeSucceeded && out != outcomeCancelled {
					// Later operations on this chain depend on this one.
					return nil
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return progress, err
}

// chainsOf groups operations that share a target, a dependency or each
// other into chains, keeping dispatch order inside each chain.
func chainsOf(ops []*Operation) [][]*Operation {
	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		p, ok := parent[x]
		if !ok {
			parent[x] = x
			return x
		}
		if p == x {
			return x
		}
		root := find(p)
		parent[x] = root
		return root
	}
	union := func(a, b string) {
		if ra, rb := find(a), find(b); ra != rb {
			parent[ra] = rb
		}
	}
	for _, op := range ops {
		node := OpDependency(op.ID)
		union(node, "id:"+op.TargetID)
		for _, dep := range op.Dependencies {
			if strings.HasPrefix(dep, opDependencyPrefix) {
				union(node, dep)
			} else {
				union(node, "id:"+dep)
			}
		}
	}
	index := make(map[string]int)
	var chains [][]*Operation
	for _, op := range ops {
		root := find(OpDependency(op.ID))
		i, ok := index[root]
		if !ok {
			i = len(chains)
			index[root] = i
			chains = append(chains, nil)
		}
		chains[i] = append(chains[i], op)
	}
	return chains
}

// execute dispatches one operation and applies its result locally.
// A non-nil error is fatal for the run.
func (o *Orchestrator) execute(ctx context.Context, op *Operation) (outcome, error) {
	if op.Kind != OpDelete {
		gone, err := o.c.Tombstones.Contains(ctx, op.TargetID)
		if err != nil {
			return outcomeSkipped, err
		}
		if gone {
			return o.cancel(ctx, op)
		}
	}
	if err := o.c.Queue.MarkInFlight(ctx, op.ID); err != nil {
		if errors.Is(err, ErrOperationNotFound) {
			// Coalesced, cancelled or retried elsewhere since it was dequeued.
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}
	isUpload := op.Kind == OpCreate && op.EntityType == EntityAttachment
	if isUpload {
		o.setUploadStatus(ctx, op.TargetID, StatusUploading, "")
	}

	start := o.c.stage.start()
	res, err := o.dispatch(ctx, op)
	o.c.stage.observe(ctx, MetricsOpSync, stageFor(op.Kind), start, 1, op.Attempts+1, err != nil)
	if err != nil {
		return o.handleFailure(ctx, op, err)
	}
	return o.complete(ctx, op, res)
}

func stageFor(kind OpKind) string {
	switch kind {
	case OpCreate:
		return MetricsStageDispatchCreate
	case OpUpdate:
		return MetricsStageDispatchUpdate
	default:
		return MetricsStageDispatchDelete
	}
}

// cancel turns an operation on a locally deleted entity into a no-op.
// A cancelled create takes every queued operation on its target with it:
// nothing was created remotely, so nothing needs deleting.
func (o *Orchestrator) cancel(ctx context.Context, op *Operation) (outcome, error) {
	var cancelled []*Operation
	err := o.c.st.withTx(ctx, func(tx *txn) error {
		if op.Kind == OpCreate {
			var err error
			if cancelled, err = o.c.Queue.cancelTargetTx(ctx, tx, op.TargetID); err != nil {
				return err
			}
			return o.c.Tombstones.expireTx(ctx, tx, op.TargetID)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM fs_pending_operations WHERE op_id = ? AND status != 'in_flight'`, op.ID)
		if err != nil {
			return fmt.Errorf("failed to cancel operation %s: %w", op.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			cancelled = []*Operation{op}
		}
		return nil
	})
	if err != nil {
		return outcomeSkipped, err
	}
	o.logger.Debug("cancelled operation on deleted entity", "op_id", op.ID, "target_id", op.TargetID, "count", len(cancelled))
	o.c.publishCancelled(cancelled)
	return outcomeCancelled, nil
}

// abandon drops an in-flight operation whose target was deleted locally
// before anything reached the backend. For a create, the operations queued
// behind it go too.
func (o *Orchestrator) abandon(ctx context.Context, op *Operation) (outcome, error) {
	cancelled := []*Operation{op}
	err := o.c.st.withTx(ctx, func(tx *txn) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fs_pending_operations WHERE op_id = ?`, op.ID); err != nil {
			return fmt.Errorf("failed to drop operation %s: %w", op.ID, err)
		}
		if op.Kind != OpCreate {
			return nil
		}
		rest, err := o.c.Queue.cancelTargetTx(ctx, tx, op.TargetID)
		if err != nil {
			return err
		}
		cancelled = append(cancelled, rest...)
		return o.c.Tombstones.expireTx(ctx, tx, op.TargetID)
	})
	if err != nil {
		return outcomeSkipped, err
	}
	o.logger.Debug("abandoned operation on deleted entity", "op_id", op.ID, "target_id", op.TargetID, "count", len(cancelled))
	o.c.publishCancelled(cancelled)
	return outcomeCancelled, nil
}

func (o *Orchestrator) handleFailure(ctx context.Context, op *Operation, cause error) (outcome, error) {
	isUpload := op.Kind == OpCreate && op.EntityType == EntityAttachment
	bg := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		// Interrupted, not failed: the operation goes back untouched.
		if err := o.c.Queue.Release(bg, op.ID); err != nil {
			return outcomeSkipped, err
		}
		if isUpload {
			o.setUploadStatus(bg, op.TargetID, StatusQueued, "")
		}
		return outcomeSkipped, nil
	}

	// A local failure on an entity deleted mid-dispatch is not a sync failure.
	var be *BackendError
	if op.Kind != OpDelete && !errors.As(cause, &be) {
		gone, err := o.c.Tombstones.Contains(ctx, op.TargetID)
		if err != nil {
			return outcomeSkipped, err
		}
		if gone {
			return o.abandon(ctx, op)
		}
	}

	retryable := IsRetryable(cause)
	status, err := o.c.Queue.MarkFailed(ctx, op.ID, cause, retryable)
	if err != nil {
		return outcomeSkipped, err
	}
	if status == OpPending {
		o.logger.Warn("operation will be retried",
			"op_id", op.ID, "kind", op.Kind, "type", op.EntityType, "target_id", op.TargetID,
			"attempt", op.Attempts+1, "error", cause)
		if isUpload {
			o.setUploadStatus(ctx, op.TargetID, StatusQueued, cause.Error())
		}
		return outcomeRetrying, nil
	}

	o.logger.Error("operation failed",
		"op_id", op.ID, "kind", op.Kind, "type", op.EntityType, "target_id", op.TargetID,
		"attempt", op.Attempts+1, "retryable", retryable, "error", cause)
	ev := Event{Type: EventOperationFailed, OpID: op.ID, EntityType: op.EntityType, TempID: op.TargetID, Error: cause.Error(), Retryable: retryable}
	if op.EntityType == EntityAttachment {
		if isUpload {
			o.setUploadStatus(ctx, op.TargetID, StatusFailed, cause.Error())
		}
		if img, err := getImage(ctx, o.c.st.db, op.TargetID); err == nil {
			ev.ImageID = img.ImageID
		}
	}
	o.c.Events.Publish(ev)
	return outcomeFailed, nil
}

func (o *Orchestrator) complete(ctx context.Context, op *Operation, res dispatchResult) (outcome, error) {
	var events []Event
	err := o.c.st.withTx(ctx, func(tx *txn) error {
		if _, err := o.c.Queue.succeededTx(ctx, tx, op.ID, res.RealID); err != nil {
			return err
		}
		switch {
		case op.Kind == OpCreate && op.EntityType == EntityAttachment:
			ev, err := o.completeUploadTx(ctx, tx, op, res)
			if err != nil {
				return err
			}
			events = append(events, ev)
		case op.Kind == OpCreate:
			if err := o.c.markRecordSyncedTx(ctx, tx, op.TargetID); err != nil {
				return err
			}
			events = append(events, Event{Type: EventFieldRecordSyncComplete, OpID: op.ID, EntityType: op.EntityType, TempID: op.TargetID, RealID: res.RealID})
		case op.Kind == OpUpdate && op.EntityType == EntityAttachment && op.Field == fieldCaptionAnnotation:
			if err := o.completeCaptionTx(ctx, tx, op, res); err != nil {
				return err
			}
			events = append(events, Event{Type: EventUpdateSyncComplete, OpID: op.ID, EntityType: op.EntityType, TempID: op.TargetID, RealID: res.RealID})
		case op.Kind == OpUpdate:
			events = append(events, Event{Type: EventUpdateSyncComplete, OpID: op.ID, EntityType: op.EntityType, TempID: op.TargetID, RealID: res.RealID})
		case op.Kind == OpDelete:
			if err := o.c.Tombstones.expireTx(ctx, tx, op.TargetID); err != nil {
				return err
			}
			events = append(events, Event{Type: EventDeleteSyncComplete, OpID: op.ID, EntityType: op.EntityType, TempID: op.TargetID, RealID: res.RealID})
		}
		return nil
	})
	if err != nil {
		bg := context.WithoutCancel(ctx)
		if errors.Is(err, ErrMappingConflict) {
			if _, merr := o.c.Queue.MarkFailed(bg, op.ID, err, false); merr != nil {
				o.logger.Error("failed to park conflicting operation", "op_id", op.ID, "error", merr)
			}
			o.c.Events.Publish(Event{Type: EventOperationFailed, OpID: op.ID, EntityType: op.EntityType, TempID: op.TargetID, RealID: res.RealID, Error: err.Error()})
			return outcomeFailed, err
		}
		// The backend applied the operation; replaying it is idempotent.
		if rerr := o.c.Queue.Release(bg, op.ID); rerr != nil {
			o.logger.Error("failed to release operation", "op_id", op.ID, "error", rerr)
		}
		return outcomeSkipped, err
	}
	for _, ev := range events {
		o.c.Events.Publish(ev)
	}
	return outcomeSucceeded, nil
}

func (o *Orchestrator) completeUploadTx(ctx context.Context, tx *txn, op *Operation, res dispatchResult) (Event, error) {
	ev := Event{Type: EventPhotoUploadComplete, OpID: op.ID, EntityType: EntityAttachment, TempID: op.TargetID, RealID: res.RealID}
	img, err := getImage(ctx, tx, op.TargetID)
	if errors.Is(err, ErrImageNotFound) {
		// Deleted while in flight; its queued delete follows.
		return ev, nil
	}
	if err != nil {
		return ev, err
	}
	ev.ImageID = img.ImageID
	if _, err := tx.ExecContext(ctx, `
		UPDATE fs_images
		SET attachment_id = ?, binary_key = ?, annotated_binary_key = ?, status = 'uploaded', last_error = '', updated_at = ?
		WHERE image_id = ?`,
		res.RealID, res.BinaryKey, nullableString(res.AnnotatedBinaryKey), o.c.st.nowMillis(), img.ImageID); err != nil {
		return ev, fmt.Errorf("failed to mark image %s uploaded: %w", img.ImageID, err)
	}
	// The attachment identifier addresses the same bytes as the local image.
	if err := o.aliasTx(ctx, tx, img.ImageID, res.RealID); err != nil {
		return ev, err
	}
	if img.HasAnnotatedRender {
		if err := o.aliasTx(ctx, tx, img.ImageID+annotatedSuffix, res.RealID+annotatedSuffix); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

func (o *Orchestrator) completeCaptionTx(ctx context.Context, tx *txn, op *Operation, res dispatchResult) error {
	img, err := getImage(ctx, tx, op.TargetID)
	if errors.Is(err, ErrImageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE fs_images SET annotated_binary_key = ? WHERE image_id = ?`,
		nullableString(res.AnnotatedBinaryKey), img.ImageID); err != nil {
		return fmt.Errorf("failed to update image %s: %w", img.ImageID, err)
	}
	if img.AttachmentID == "" {
		return nil
	}
	if img.HasAnnotatedRender {
		return o.aliasTx(ctx, tx, img.ImageID+annotatedSuffix, img.AttachmentID+annotatedSuffix)
	}
	return o.c.Blobs.releaseTx(ctx, tx, img.AttachmentID+annotatedSuffix)
}

// aliasTx points alias at the content currently bound to source, if any.
func (o *Orchestrator) aliasTx(ctx context.Context, tx *txn, source, alias string) error {
	var key string
	err := tx.QueryRowContext(ctx, `SELECT content_key FROM fs_blob_pointers WHERE logical_id = ?`, source).Scan(&key)
	if err != nil {
		// Nothing local to alias; display falls back to a remote fetch.
		return nil
	}
	return o.c.Blobs.pointTx(ctx, tx, alias, key)
}

func (o *Orchestrator) dispatch(ctx context.Context, op *Operation) (dispatchResult, error) {
	switch op.Kind {
	case OpCreate:
		if op.EntityType == EntityAttachment {
			return o.dispatchUpload(ctx, op)
		}
		return o.dispatchRecordCreate(ctx, op)
	case OpUpdate:
		if op.EntityType == EntityAttachment && op.Field == fieldCaptionAnnotation {
			return o.dispatchCaption(ctx, op)
		}
		target, err := o.resolveTarget(ctx, op.TargetID)
		if err != nil {
			return dispatchResult{}, err
		}
		payload, err := o.substitute(ctx, op.Payload)
		if err != nil {
			return dispatchResult{}, err
		}
		return dispatchResult{RealID: target}, o.c.backend.Update(ctx, op.EntityType, target, payload)
	case OpDelete:
		target, ok, err := o.c.IDs.ResolveAny(ctx, op.TargetID)
		if err != nil {
			return dispatchResult{}, err
		}
		if !ok {
			// Never created remotely.
			return dispatchResult{}, nil
		}
		err = o.c.backend.Delete(ctx, op.EntityType, target)
		if isNotFound(err) {
			err = nil
		}
		return dispatchResult{RealID: target}, err
	}
	return dispatchResult{}, fmt.Errorf("unknown operation kind %q", op.Kind)
}

func (o *Orchestrator) dispatchRecordCreate(ctx context.Context, op *Operation) (dispatchResult, error) {
	payload := op.Payload
	rec, err := getRecord(ctx, o.c.st.db, op.TargetID)
	switch {
	case err == nil:
		if payload, err = recordPayload(rec.ParentID, rec.Fields); err != nil {
			return dispatchResult{}, err
		}
	case !errors.Is(err, ErrRecordNotFound):
		return dispatchResult{}, err
	}
	id, err := o.create(ctx, op, payload)
	return dispatchResult{RealID: id}, err
}

func (o *Orchestrator) dispatchUpload(ctx context.Context, op *Operation) (dispatchResult, error) {
	var res dispatchResult
	img, err := getImage(ctx, o.c.st.db, op.TargetID)
	if err != nil {
		return res, err
	}
	var p attachmentPayload
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return res, fmt.Errorf("failed to decode attachment payload: %w", err)
		}
	}

	if p.BinaryKey == "" {
		key, err := o.uploadBinary(ctx, img.ImageID, img.ContentType, op.IdempotencyKey+"/original")
		if err != nil {
			return res, err
		}
		p.BinaryKey = key
		if err := o.persistProgress(ctx, op, p); err != nil {
			return res, err
		}
	}
	if img.HasAnnotatedRender && p.AnnotatedBinaryKey == "" {
		renderKey, _, err := o.c.Blobs.Resolve(ctx, img.ImageID+annotatedSuffix)
		if err != nil {
			return res, err
		}
		key, err := o.uploadBinary(ctx, img.ImageID+annotatedSuffix, img.ContentType, op.IdempotencyKey+"/render/"+renderKey)
		if err != nil {
			return res, err
		}
		p.AnnotatedBinaryKey = key
		if err := o.persistProgress(ctx, op, p); err != nil {
			return res, err
		}
	}

	body := attachmentPayload{
		ImageID:     img.ImageID,
		EntityType:  img.EntityType,
		EntityID:    img.EntityID,
		PhotoRole:   img.PhotoRole,
		Caption:     img.Caption,
		Annotation:  img.Annotation,
		ContentType: img.ContentType,
		BinaryKey:   p.BinaryKey,
	}
	if img.HasAnnotatedRender {
		body.AnnotatedBinaryKey = p.AnnotatedBinaryKey
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return res, fmt.Errorf("failed to encode attachment: %w", err)
	}
	id, err := o.create(ctx, op, raw)
	if err != nil {
		return res, err
	}
	return dispatchResult{RealID: id, BinaryKey: body.BinaryKey, AnnotatedBinaryKey: body.AnnotatedBinaryKey}, nil
}

func (o *Orchestrator) dispatchCaption(ctx context.Context, op *Operation) (dispatchResult, error) {
	var res dispatchResult
	img, err := getImage(ctx, o.c.st.db, op.TargetID)
	if errors.Is(err, ErrImageNotFound) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	target, err := o.resolveTarget(ctx, op.TargetID)
	if err != nil {
		return res, err
	}
	body := captionPayload{Caption: img.Caption, Annotation: img.Annotation}
	if img.HasAnnotatedRender {
		renderKey, _, err := o.c.Blobs.Resolve(ctx, img.ImageID+annotatedSuffix)
		if err != nil {
			return res, err
		}
		if body.AnnotatedBinaryKey, err = o.uploadBinary(ctx, img.ImageID+annotatedSuffix, img.ContentType, "render/"+renderKey); err != nil {
			return res, err
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return res, fmt.Errorf("failed to encode caption: %w", err)
	}
	if err := o.c.backend.Update(ctx, EntityAttachment, target, raw); err != nil {
		return res, err
	}
	return dispatchResult{RealID: target, AnnotatedBinaryKey: body.AnnotatedBinaryKey}, nil
}

func (o *Orchestrator) uploadBinary(ctx context.Context, logicalID, contentType, idempotencyKey string) (string, error) {
	data, err := o.c.Blobs.Fetch(ctx, logicalID)
	if err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("bytes of %s are not resident", logicalID)
	}
	start := o.c.stage.start()
	key, err := o.c.backend.UploadBinary(ctx, BinaryUpload{Data: data, ContentType: contentType, IdempotencyKey: idempotencyKey})
	o.c.stage.observe(ctx, MetricsOpSync, MetricsStageUploadBinary, start, len(data), 0, err != nil)
	return key, err
}

func (o *Orchestrator) persistProgress(ctx context.Context, op *Operation, p attachmentPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode upload progress: %w", err)
	}
	op.Payload = raw
	return o.c.Queue.UpdatePayload(ctx, op.ID, raw)
}

// create submits a create. Backends without idempotency-key support are
// searched by client token first when an earlier dispatch may have landed.
func (o *Orchestrator) create(ctx context.Context, op *Operation, payload json.RawMessage) (string, error) {
	payload, err := o.substitute(ctx, payload)
	if err != nil {
		return "", err
	}
	payload, err = withClientToken(payload, op.IdempotencyKey)
	if err != nil {
		return "", err
	}
	if op.Dispatches > 0 && !honorsIdempotency(o.c.backend) {
		found, err := o.c.backend.Read(ctx, op.EntityType, map[string]string{clientTokenField: op.IdempotencyKey})
		if err != nil {
			return "", err
		}
		if len(found) > 0 {
			o.logger.Info("create already applied, reusing remote identifier", "op_id", op.ID, "real_id", found[0].ID)
			return found[0].ID, nil
		}
	}
	res, err := o.c.backend.Create(ctx, op.EntityType, payload, op.IdempotencyKey)
	if err != nil {
		return "", err
	}
	if res.ID == "" {
		return "", &BackendError{Op: "create", ResourceType: op.EntityType, Message: "backend returned no identifier"}
	}
	return res.ID, nil
}

func (o *Orchestrator) resolveTarget(ctx context.Context, id string) (string, error) {
	realID, ok, err := o.c.IDs.ResolveAny(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: identifier %s is not resolved", ErrTransient, id)
	}
	return realID, nil
}

// substitute replaces top-level temp identifiers in a JSON object payload with
// their real identifiers.
func (o *Orchestrator) substitute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		// Not an object; nothing to substitute.
		return payload, nil
	}
	changed := false
	for k, v := range body {
		var s string
		if json.Unmarshal(v, &s) != nil || !IsTemp(s) {
			continue
		}
		realID, err := o.resolveTarget(ctx, s)
		if err != nil {
			return nil, err
		}
		enc, _ := json.Marshal(realID)
		body[k] = enc
		changed = true
	}
	if !changed {
		return payload, nil
	}
	return json.Marshal(body)
}

func (o *Orchestrator) setUploadStatus(ctx context.Context, tempAttachmentID string, status ImageStatus, lastError string) {
	err := o.c.st.withTx(ctx, func(tx *txn) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE fs_images SET status = ?, last_error = ?, updated_at = ?
			WHERE temp_attachment_id = ? AND status NOT IN ('uploaded', 'verified')`,
			string(status), lastError, o.c.st.nowMillis(), tempAttachmentID)
		return err
	})
	if err != nil {
		o.logger.Warn("failed to update image status", "temp_attachment_id", tempAttachmentID, "status", status, "error", err)
	}
}

// verify reads uploaded attachments back and marks the confirmed ones verified.
func (o *Orchestrator) verify(ctx context.Context, report *SyncReport) {
	imgs, err := listImages(ctx, o.c.st.db, `WHERE status = 'uploaded' AND attachment_id IS NOT NULL ORDER BY updated_at LIMIT 100`)
	if err != nil {
		o.logger.Warn("failed to list uploaded images", "error", err)
		return
	}
	for _, img := range imgs {
		if ctx.Err() != nil {
			return
		}
		start := o.c.stage.start()
		found, err := o.c.backend.Read(ctx, EntityAttachment, map[string]string{fieldID: img.AttachmentID})
		o.c.stage.observe(ctx, MetricsOpSync, MetricsStageVerify, start, len(found), 0, err != nil)
		if err != nil {
			o.logger.Warn("read-back failed", "image_id", img.ImageID, "attachment_id", img.AttachmentID, "error", err)
			continue
		}
		if len(found) == 0 {
			o.logger.Warn("uploaded attachment not found on read-back", "image_id", img.ImageID, "attachment_id", img.AttachmentID)
			continue
		}
		var updated int64
		err = o.c.st.withTx(ctx, func(tx *txn) error {
			r, err := tx.ExecContext(ctx, `UPDATE fs_images SET status = 'verified', updated_at = ? WHERE image_id = ? AND status = 'uploaded'`,
				o.c.st.nowMillis(), img.ImageID)
			if err != nil {
				return err
			}
			updated, _ = r.RowsAffected()
			return nil
		})
		if err != nil {
			o.logger.Warn("failed to mark image verified", "image_id", img.ImageID, "error", err)
			continue
		}
		if updated > 0 {
			report.Verified++
			o.c.Events.Publish(Event{Type: EventPhotoVerified, EntityType: EntityAttachment, ImageID: img.ImageID, TempID: img.TempAttachmentID, RealID: img.AttachmentID})
		}
	}
}

func honorsIdempotency(b Backend) bool {
	ib, ok := b.(IdempotentBackend)
	return ok && ib.HonorsIdempotencyKeys()
}

func withClientToken(payload json.RawMessage, token string) (json.RawMessage, error) {
	body := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, fmt.Errorf("create payload must be a JSON object: %w", err)
		}
	}
	enc, _ := json.Marshal(token)
	body[clientTokenField] = enc
	return json.Marshal(body)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
