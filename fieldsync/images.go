// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// EntityAttachment is the backend resource type photos are uploaded as.
const EntityAttachment = "attachment"

// fieldCaptionAnnotation is the coalescing field of caption/annotation edits.
const fieldCaptionAnnotation = "caption_annotation"

// ImageStatus is the lifecycle state of a LocalImage.
//
//	local_only -> queued -> uploading -> uploaded -> verified
//
// Any state may move to failed; RetryImage moves failed back to queued.
type ImageStatus string

const (
	StatusLocalOnly ImageStatus = "local_only"
	StatusQueued    ImageStatus = "queued"
	StatusUploading ImageStatus = "uploading"
	StatusUploaded  ImageStatus = "uploaded"
	StatusVerified  ImageStatus = "verified"
	StatusFailed    ImageStatus = "failed"
)

// LocalImage is the local record of one captured image and its sync state.
type LocalImage struct {
	ImageID            string          `json:"image_id"`
	Scope              string          `json:"scope"`
	EntityType         string          `json:"entity_type"`
	EntityID           string          `json:"entity_id"`
	TempAttachmentID   string          `json:"temp_attachment_id"`
	AttachmentID       string          `json:"attachment_id,omitempty"`
	BinaryKey          string          `json:"binary_key,omitempty"`
	AnnotatedBinaryKey string          `json:"annotated_binary_key,omitempty"`
	PhotoRole          string          `json:"photo_role,omitempty"`
	Caption            string          `json:"caption"`
	Annotation         json.RawMessage `json:"annotation,omitempty"`
	HasAnnotatedRender bool            `json:"has_annotated_render"`
	ContentType        string          `json:"content_type,omitempty"`
	Status             ImageStatus     `json:"status"`
	LastError          string          `json:"last_error,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Aliases returns every identifier the image is known under.
func (img *LocalImage) Aliases() []string {
	out := []string{img.ImageID, img.TempAttachmentID}
	if img.AttachmentID != "" {
		out = append(out, img.AttachmentID)
	}
	return out
}

// pointerIDs returns every blob pointer the image may own.
func (img *LocalImage) pointerIDs() []string {
	out := []string{img.ImageID, img.ImageID + annotatedSuffix}
	if img.AttachmentID != "" {
		out = append(out,
			img.AttachmentID, img.AttachmentID+annotatedSuffix,
			remotePrefix+img.AttachmentID, remotePrefix+img.AttachmentID+annotatedSuffix)
	}
	return out
}

// CaptureRequest describes one captured photo.
type CaptureRequest struct {
	Data            []byte
	ContentType     string
	EntityType      string
	EntityID        string // temp or real
	Caption         string
	Annotation      json.RawMessage // serialized overlay, nil for none
	AnnotatedRender []byte          // flattened render of the overlay, nil for none
	PhotoRole       string
	Scope           string // defaults to Config.Scope
}

// ImageEdit is the complete editable state of an image. Every field is
// applied: a nil Annotation clears the overlay. A nil AnnotatedRender keeps
// the current render while an overlay remains and drops it otherwise.
type ImageEdit struct {
	Caption         string
	Annotation      json.RawMessage
	AnnotatedRender []byte
}

// EditFrom returns an edit pre-filled with the image's current values.
func EditFrom(img *LocalImage) ImageEdit {
	return ImageEdit{Caption: img.Caption, Annotation: img.Annotation}
}

// attachmentPayload is the body of an attachment create. Upload progress
// (binary keys) is persisted into the queued payload so a retry does not
// upload the same bytes again.
type attachmentPayload struct {
	ImageID            string          `json:"image_id"`
	EntityType         string          `json:"entity_type"`
	EntityID           string          `json:"entity_id"`
	PhotoRole          string          `json:"photo_role,omitempty"`
	Caption            string          `json:"caption"`
	Annotation         json.RawMessage `json:"annotation,omitempty"`
	ContentType        string          `json:"content_type,omitempty"`
	BinaryKey          string          `json:"binary_key,omitempty"`
	AnnotatedBinaryKey string          `json:"annotated_binary_key,omitempty"`
	RenderContentKey   string          `json:"render_content_key,omitempty"`
	ClientToken        string          `json:"client_token,omitempty"`
}

// captionPayload is the body of a caption/annotation update.
type captionPayload struct {
	Caption            string          `json:"caption"`
	Annotation         json.RawMessage `json:"annotation"`
	AnnotatedBinaryKey string          `json:"annotated_binary_key"`
}

func (c *Client) validateEdit(caption string, annotation json.RawMessage) error {
	if n := utf8.RuneCountInString(caption); c.config.MaxCaptionLength > 0 && n > c.config.MaxCaptionLength {
		return &ValidationError{Field: "caption", Reason: "caption too long", Limit: c.config.MaxCaptionLength, Actual: n}
	}
	if len(annotation) > 0 {
		if c.config.MaxAnnotationBytes > 0 && len(annotation) > c.config.MaxAnnotationBytes {
			return &ValidationError{Field: "annotation", Reason: "annotation overlay exceeds storage limit", Limit: c.config.MaxAnnotationBytes, Actual: len(annotation)}
		}
		if !json.Valid(annotation) {
			return &ValidationError{Field: "annotation", Reason: "annotation overlay is not valid JSON"}
		}
	}
	return nil
}

func (c *Client) validateCapture(req CaptureRequest) error {
	if len(req.Data) == 0 {
		return &ValidationError{Field: "data", Reason: "image is empty"}
	}
	if c.config.MaxImageBytes > 0 && int64(len(req.Data)) > c.config.MaxImageBytes {
		return &ValidationError{Field: "data", Reason: "image too large", Limit: int(c.config.MaxImageBytes), Actual: len(req.Data)}
	}
	if req.EntityType == "" || req.EntityID == "" {
		return &ValidationError{Field: "entity", Reason: "entity type and id are required"}
	}
	if len(req.AnnotatedRender) > 0 && len(req.Annotation) == 0 {
		return &ValidationError{Field: "annotated_render", Reason: "a render requires an annotation overlay"}
	}
	return c.validateEdit(req.Caption, req.Annotation)
}

// CaptureImage stores the bytes, records the image and enqueues its upload
// in one transaction. The upload waits for the owning entity when that entity
// only has a temp identifier. The returned image is queued.
func (c *Client) CaptureImage(ctx context.Context, req CaptureRequest) (*LocalImage, error) {
	if err := c.validateCapture(req); err != nil {
		return nil, err
	}
	scope := req.Scope
	if scope == "" {
		scope = c.config.Scope
	}
	imageID := uuid.NewString()
	tempAttachmentID := c.IDs.Allocate(EntityAttachment)

	var img *LocalImage
	err := c.st.withTx(ctx, func(tx *txn) error {
		if gone, err := tombstonedAny(ctx, tx, req.EntityID); err != nil {
			return err
		} else if gone {
			return &ValidationError{Field: "entity", Reason: fmt.Sprintf("entity %s has been deleted", req.EntityID)}
		}
		if _, err := c.Blobs.putTx(ctx, tx, imageID, req.Data); err != nil {
			return err
		}
		var renderKey string
		if len(req.AnnotatedRender) > 0 {
			var err error
			if renderKey, err = c.Blobs.putTx(ctx, tx, imageID+annotatedSuffix, req.AnnotatedRender); err != nil {
				return err
			}
		}
		now := c.st.nowMillis()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fs_images (image_id, scope, entity_type, entity_id, temp_attachment_id, photo_role,
				caption, annotation, has_annotated, content_type, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'local_only', ?, ?)`,
			imageID, scope, req.EntityType, req.EntityID, tempAttachmentID, req.PhotoRole,
			req.Caption, nullableJSON(req.Annotation), boolInt(renderKey != ""), req.ContentType, now, now); err != nil {
			return fmt.Errorf("failed to insert image: %w", err)
		}

		payload, err := json.Marshal(attachmentPayload{
			ImageID:          imageID,
			EntityType:       req.EntityType,
			EntityID:         req.EntityID,
			PhotoRole:        req.PhotoRole,
			Caption:          req.Caption,
			Annotation:       req.Annotation,
			ContentType:      req.ContentType,
			RenderContentKey: renderKey,
		})
		if err != nil {
			return fmt.Errorf("failed to encode attachment payload: %w", err)
		}
		var deps []string
		if IsTemp(req.EntityID) {
			deps = []string{req.EntityID}
		}
		if _, err := c.Queue.enqueueTx(ctx, tx, Operation{
			Kind:         OpCreate,
			EntityType:   EntityAttachment,
			TargetID:     tempAttachmentID,
			Payload:      payload,
			Dependencies: deps,
			Priority:     PriorityNormal,
			Scope:        scope,
		}); err != nil {
			return err
		}
		if err := c.setImageStatusTx(ctx, tx, imageID, StatusQueued, ""); err != nil {
			return err
		}
		img, err = getImage(ctx, tx, imageID)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.noteMutation()
	c.logger.Debug("image captured", "image_id", imageID, "entity_type", req.EntityType, "entity_id", req.EntityID)
	c.Orchestrator.Kick()
	return img, nil
}

// CaptureBatch captures each request in order. Cancellation of ctx stops
// further captures; captures already committed are kept and returned along
// with ErrCancelled.
func (c *Client) CaptureBatch(ctx context.Context, reqs []CaptureRequest) ([]*LocalImage, error) {
	out := make([]*LocalImage, 0, len(reqs))
	for i, req := range reqs {
		if ctx.Err() != nil {
			return out, fmt.Errorf("%w: captured %d of %d", ErrCancelled, i, len(reqs))
		}
		img, err := c.CaptureImage(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return out, fmt.Errorf("%w: captured %d of %d", ErrCancelled, i, len(reqs))
			}
			return out, err
		}
		out = append(out, img)
	}
	return out, nil
}

// UpdateCaptionAndAnnotation applies edit to the image and schedules the
// change for sync. While the upload has not been dispatched the edit is
// folded into it; otherwise repeated edits coalesce into one update.
func (c *Client) UpdateCaptionAndAnnotation(ctx context.Context, imageID string, edit ImageEdit) (*LocalImage, error) {
	if err := c.validateEdit(edit.Caption, edit.Annotation); err != nil {
		return nil, err
	}
	if len(edit.AnnotatedRender) > 0 && len(edit.Annotation) == 0 {
		return nil, &ValidationError{Field: "annotated_render", Reason: "a render requires an annotation overlay"}
	}

	var img *LocalImage
	err := c.st.withTx(ctx, func(tx *txn) error {
		cur, err := getImage(ctx, tx, imageID)
		if err != nil {
			return err
		}

		hasRender := cur.HasAnnotatedRender
		renderKey := ""
		switch {
		case len(edit.AnnotatedRender) > 0:
			if renderKey, err = c.Blobs.putTx(ctx, tx, cur.ImageID+annotatedSuffix, edit.AnnotatedRender); err != nil {
				return err
			}
			// Uploaded images display through their attachment aliases.
			if cur.AttachmentID != "" {
				if err := c.Blobs.pointTx(ctx, tx, cur.AttachmentID+annotatedSuffix, renderKey); err != nil {
					return err
				}
				if err := c.Blobs.releaseTx(ctx, tx, remotePrefix+cur.AttachmentID+annotatedSuffix); err != nil {
					return err
				}
			}
			hasRender = true
		case len(edit.Annotation) == 0 && hasRender:
			if err := c.Blobs.releaseTx(ctx, tx, cur.ImageID+annotatedSuffix); err != nil {
				return err
			}
			if cur.AttachmentID != "" {
				for _, id := range []string{cur.AttachmentID + annotatedSuffix, remotePrefix + cur.AttachmentID + annotatedSuffix} {
					if err := c.Blobs.releaseTx(ctx, tx, id); err != nil {
						return err
					}
				}
			}
			hasRender = false
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE fs_images SET caption = ?, annotation = ?, has_annotated = ?, updated_at = ?
			WHERE image_id = ?`,
			edit.Caption, nullableJSON(edit.Annotation), boolInt(hasRender), c.st.nowMillis(), cur.ImageID); err != nil {
			return fmt.Errorf("failed to update image %s: %w", cur.ImageID, err)
		}

		create, err := c.Queue.findCreateTx(ctx, tx, cur.TempAttachmentID)
		if err != nil {
			return err
		}
		if create != nil && create.Status != OpInFlight {
			var p attachmentPayload
			if err := json.Unmarshal(create.Payload, &p); err != nil {
				return fmt.Errorf("failed to decode attachment payload: %w", err)
			}
			p.Caption = edit.Caption
			p.Annotation = edit.Annotation
			if renderKey != "" || !hasRender {
				p.RenderContentKey = renderKey
				p.AnnotatedBinaryKey = ""
			}
			raw, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to encode attachment payload: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE fs_pending_operations SET payload = ?, updated_at = ? WHERE op_id = ?`,
				string(raw), c.st.nowMillis(), create.ID); err != nil {
				return fmt.Errorf("failed to fold edit into upload: %w", err)
			}
		} else {
			raw, err := json.Marshal(captionPayload{Caption: edit.Caption, Annotation: edit.Annotation})
			if err != nil {
				return fmt.Errorf("failed to encode caption payload: %w", err)
			}
			if _, err := c.Queue.enqueueTx(ctx, tx, Operation{
				Kind:       OpUpdate,
				EntityType: EntityAttachment,
				TargetID:   cur.TempAttachmentID,
				Field:      fieldCaptionAnnotation,
				Payload:    raw,
				Priority:   PriorityNormal,
				Scope:      cur.Scope,
			}); err != nil {
				return err
			}
		}
		img, err = getImage(ctx, tx, cur.ImageID)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.noteMutation()
	c.Orchestrator.Kick()
	return img, nil
}

// DeleteLocalImage removes the image, releases its bytes and tombstones every
// alias it is known under. An upload that has not been dispatched yet is
// cancelled on the spot; otherwise a delete is queued behind the upload.
// Deleting an already deleted image is a no-op.
func (c *Client) DeleteLocalImage(ctx context.Context, imageID string) error {
	var cancelled []*Operation
	err := c.st.withTx(ctx, func(tx *txn) error {
		img, err := getImage(ctx, tx, imageID)
		if errors.Is(err, ErrImageNotFound) {
			if gone, terr := tombstonedAny(ctx, tx, imageID); terr == nil && gone {
				return nil
			}
			return err
		}
		if err != nil {
			return err
		}
		cancelled, err = c.deleteImageTx(ctx, tx, img)
		return err
	})
	if err != nil {
		return err
	}
	c.noteMutation()
	c.publishCancelled(cancelled)
	c.Orchestrator.Kick()
	return nil
}

func (c *Client) deleteImageTx(ctx context.Context, tx *txn, img *LocalImage) ([]*Operation, error) {
	if err := c.Tombstones.addTx(ctx, tx, EntityAttachment, img.ImageID, img.Aliases()); err != nil {
		return nil, err
	}
	for _, id := range img.pointerIDs() {
		if err := c.Blobs.releaseTx(ctx, tx, id); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fs_images WHERE image_id = ?`, img.ImageID); err != nil {
		return nil, fmt.Errorf("failed to delete image %s: %w", img.ImageID, err)
	}
	return c.cancelOrDeleteTx(ctx, tx, EntityAttachment, img.TempAttachmentID, img.AttachmentID, img.Scope)
}

// cancelOrDeleteTx drops every queued operation for an entity that never
// reached the backend, or queues a delete behind whatever is in flight.
func (c *Client) cancelOrDeleteTx(ctx context.Context, tx *txn, entityType, localID, realID, scope string) ([]*Operation, error) {
	create, err := c.Queue.findCreateTx(ctx, tx, localID)
	if err != nil {
		return nil, err
	}
	if create != nil && create.Status != OpInFlight {
		cancelled, err := c.Queue.cancelTargetTx(ctx, tx, localID)
		if err != nil {
			return nil, err
		}
		return cancelled, c.Tombstones.expireTx(ctx, tx, localID)
	}

	cancelled, err := c.Queue.cancelTargetTx(ctx, tx, localID)
	if err != nil {
		return nil, err
	}
	if create == nil && realID == "" && IsTemp(localID) {
		if _, ok, err := lookupMapping(ctx, tx, localID); err != nil {
			return nil, err
		} else if !ok {
			// Nothing was ever created remotely.
			return cancelled, c.Tombstones.expireTx(ctx, tx, localID)
		}
	}
	if _, err := c.Queue.enqueueTx(ctx, tx, Operation{
		Kind:       OpDelete,
		EntityType: entityType,
		TargetID:   localID,
		Priority:   PriorityHigh,
		Scope:      scope,
	}); err != nil {
		return nil, err
	}
	return cancelled, nil
}

// RetryImage returns a failed image and its parked operations to the queue.
func (c *Client) RetryImage(ctx context.Context, imageID string) (*LocalImage, error) {
	var img *LocalImage
	err := c.st.withTx(ctx, func(tx *txn) error {
		cur, err := getImage(ctx, tx, imageID)
		if err != nil {
			return err
		}
		if _, err := c.Queue.retryTx(ctx, tx, `status = 'failed' AND target_id = ?`, cur.TempAttachmentID); err != nil {
			return err
		}
		if cur.Status == StatusFailed {
			next := StatusQueued
			if cur.AttachmentID != "" {
				next = StatusUploaded
			}
			if err := c.setImageStatusTx(ctx, tx, cur.ImageID, next, ""); err != nil {
				return err
			}
		}
		img, err = getImage(ctx, tx, cur.ImageID)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.Orchestrator.Kick()
	return img, nil
}

// Image returns the image known under id (image, temp attachment or attachment identifier).
func (c *Client) Image(ctx context.Context, id string) (*LocalImage, error) {
	return getImage(ctx, c.st.db, id)
}

// ImagesForEntity returns the images owned by an entity, whichever of its identifiers is given.
func (c *Client) ImagesForEntity(ctx context.Context, entityType, entityID string) ([]*LocalImage, error) {
	aliases, err := c.IDs.Aliases(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(aliases) == 0 {
		return nil, nil
	}
	args := []any{entityType}
	for _, a := range aliases {
		args = append(args, a)
	}
	return listImages(ctx, c.st.db, `WHERE entity_type = ? AND entity_id IN (`+placeholders(len(aliases))+`) ORDER BY created_at, image_id`, args...)
}

// ImagesForScope returns every image captured under scope.
func (c *Client) ImagesForScope(ctx context.Context, scope string) ([]*LocalImage, error) {
	return listImages(ctx, c.st.db, `WHERE scope = ? ORDER BY created_at, image_id`, scope)
}

// EvictVerifiedBytes drops local bytes of verified images whose content no
// unverified image shares. Images that have not been confirmed remotely are never evicted.
func (c *Client) EvictVerifiedBytes(ctx context.Context) (int, error) {
	start := c.stage.start()
	rows, err := c.st.db.QueryContext(ctx, `
		SELECT DISTINCT p.content_key FROM fs_images i
		JOIN fs_blob_pointers p ON p.logical_id IN (i.image_id, i.image_id || '`+annotatedSuffix+`')
		JOIN fs_blobs b ON b.content_key = p.content_key AND b.resident = 1
		WHERE i.status = 'verified'
		  AND NOT EXISTS (
			SELECT 1 FROM fs_images j
			JOIN fs_blob_pointers q ON q.logical_id IN (j.image_id, j.image_id || '`+annotatedSuffix+`')
			WHERE q.content_key = p.content_key AND j.status != 'verified')`)
	if err != nil {
		return 0, fmt.Errorf("failed to query evictable content: %w", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan content key: %w", err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := c.Blobs.Evict(ctx, k); err != nil {
			c.stage.observe(ctx, MetricsOpSync, MetricsStageEvict, start, len(keys), 0, true)
			return 0, err
		}
	}
	c.stage.observe(ctx, MetricsOpSync, MetricsStageEvict, start, len(keys), 0, false)
	return len(keys), nil
}

func (c *Client) setImageStatusTx(ctx context.Context, tx *txn, imageID string, status ImageStatus, lastError string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE fs_images SET status = ?, last_error = ?, updated_at = ? WHERE image_id = ?`,
		string(status), lastError, c.st.nowMillis(), imageID); err != nil {
		return fmt.Errorf("failed to set image %s status: %w", imageID, err)
	}
	return nil
}

const imageColumns = `image_id, scope, entity_type, entity_id, temp_attachment_id, attachment_id, binary_key,
	annotated_binary_key, photo_role, caption, annotation, has_annotated, content_type, status, last_error,
	created_at, updated_at`

func getImage(ctx context.Context, q querier, id string) (*LocalImage, error) {
	row := q.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM fs_images
		WHERE image_id = ? OR temp_attachment_id = ? OR attachment_id = ? LIMIT 1`, id, id, id)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, id)
	}
	return img, err
}

func listImages(ctx context.Context, q querier, tail string, args ...any) ([]*LocalImage, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+imageColumns+` FROM fs_images `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	defer rows.Close()
	var out []*LocalImage
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func scanImage(r rowScanner) (*LocalImage, error) {
	var (
		img                                   LocalImage
		attachmentID, binaryKey, annotatedKey sql.NullString
		annotation                            sql.NullString
		hasAnnotated                          int
		status                                string
		created, updated                      int64
	)
	err := r.Scan(&img.ImageID, &img.Scope, &img.EntityType, &img.EntityID, &img.TempAttachmentID, &attachmentID,
		&binaryKey, &annotatedKey, &img.PhotoRole, &img.Caption, &annotation, &hasAnnotated, &img.ContentType,
		&status, &img.LastError, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan image: %w", err)
	}
	img.AttachmentID = attachmentID.String
	img.BinaryKey = binaryKey.String
	img.AnnotatedBinaryKey = annotatedKey.String
	if annotation.Valid {
		img.Annotation = json.RawMessage(annotation.String)
	}
	img.HasAnnotatedRender = hasAnnotated == 1
	img.Status = ImageStatus(status)
	img.CreatedAt = fromMillis(created)
	img.UpdatedAt = fromMillis(updated)
	return &img, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
