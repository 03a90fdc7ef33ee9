// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// RecordStatus tells whether the backend has acknowledged a record's creation.
type RecordStatus string

const (
	RecordPending RecordStatus = "pending"
	RecordSynced  RecordStatus = "synced"
)

// Payload keys the engine owns; record fields cannot use them.
const (
	fieldParentID = "parent_id"
	fieldID       = "id"
)

// FieldRecord is a structured domain record such as a room or a measurement point.
type FieldRecord struct {
	RecordID   string               `json:"record_id"` // local identifier; temp for records created on the device
	RealID     string               `json:"real_id,omitempty"`
	EntityType string               `json:"entity_type"`
	ParentID   string               `json:"parent_id,omitempty"`
	Scope      string               `json:"scope"`
	Fields     map[string]any       `json:"fields"`
	FieldTimes map[string]time.Time `json:"field_times,omitempty"` // last local edit per field
	Status     RecordStatus         `json:"status"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// ID returns the best identifier currently known for the record.
func (r *FieldRecord) ID() string {
	if r.RealID != "" {
		return r.RealID
	}
	return r.RecordID
}

// Aliases returns every identifier the record is known under.
func (r *FieldRecord) Aliases() []string {
	if r.RealID != "" && r.RealID != r.RecordID {
		return []string{r.RecordID, r.RealID}
	}
	return []string{r.RecordID}
}

// NewRecord describes a record created on the device.
type NewRecord struct {
	EntityType string
	ParentID   string // temp or real; empty for top-level records
	Scope      string
	Fields     map[string]any
}

// FieldEdit sets one field of a record.
type FieldEdit struct {
	RecordID string // temp or real
	Field    string
	Value    any
}

func (c *Client) validateFields(fields map[string]any) ([]byte, error) {
	for k := range fields {
		if k == "" || k == fieldParentID || k == fieldID || k == clientTokenField {
			return nil, &ValidationError{Field: "fields", Reason: fmt.Sprintf("field name %q is reserved", k)}
		}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, &ValidationError{Field: "fields", Reason: "fields are not JSON encodable: " + err.Error()}
	}
	if c.config.MaxPayloadBytes > 0 && len(raw) > c.config.MaxPayloadBytes {
		return nil, &ValidationError{Field: "fields", Reason: "record payload exceeds storage limit", Limit: c.config.MaxPayloadBytes, Actual: len(raw)}
	}
	return raw, nil
}

// CreateRecord stores a record under a fresh temp identifier and queues its
// creation. The creation waits for the parent when the parent is not synced yet.
func (c *Client) CreateRecord(ctx context.Context, rec NewRecord) (*FieldRecord, error) {
	if rec.EntityType == "" {
		return nil, &ValidationError{Field: "entity_type", Reason: "entity type is required"}
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	fieldsJSON, err := c.validateFields(rec.Fields)
	if err != nil {
		return nil, err
	}
	scope := rec.Scope
	if scope == "" {
		scope = c.config.Scope
	}
	tempID := c.IDs.Allocate(rec.EntityType)

	var out *FieldRecord
	err = c.st.withTx(ctx, func(tx *txn) error {
		if gone, err := tombstonedAny(ctx, tx, rec.ParentID); err != nil {
			return err
		} else if gone {
			return &ValidationError{Field: "parent_id", Reason: fmt.Sprintf("parent %s has been deleted", rec.ParentID)}
		}
		now := c.st.nowMillis()
		times := make(map[string]int64, len(rec.Fields))
		for k := range rec.Fields {
			times[k] = now
		}
		timesJSON, _ := json.Marshal(times)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fs_records (record_id, entity_type, parent_id, scope, fields, field_times, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
			tempID, rec.EntityType, rec.ParentID, scope, string(fieldsJSON), string(timesJSON), now, now); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
		payload, err := recordPayload(rec.ParentID, rec.Fields)
		if err != nil {
			return err
		}
		var deps []string
		if IsTemp(rec.ParentID) {
			deps = []string{rec.ParentID}
		}
		if _, err := c.Queue.enqueueTx(ctx, tx, Operation{
			Kind:         OpCreate,
			EntityType:   rec.EntityType,
			TargetID:     tempID,
			Payload:      payload,
			Dependencies: deps,
			Priority:     PriorityHigh,
			Scope:        scope,
		}); err != nil {
			return err
		}
		out, err = getRecord(ctx, tx, tempID)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.noteMutation()
	c.Orchestrator.Kick()
	return out, nil
}

// UpdateRecordField sets one field. Repeated edits of the same field before
// they sync collapse into a single operation carrying the latest value.
func (c *Client) UpdateRecordField(ctx context.Context, edit FieldEdit) (*FieldRecord, error) {
	if _, err := c.validateFields(map[string]any{edit.Field: edit.Value}); err != nil {
		return nil, err
	}
	var out *FieldRecord
	err := c.st.withTx(ctx, func(tx *txn) error {
		rec, err := getRecord(ctx, tx, edit.RecordID)
		if err != nil {
			return err
		}
		rec.Fields[edit.Field] = edit.Value
		fieldsJSON, err := c.validateFields(rec.Fields)
		if err != nil {
			return err
		}
		now := c.st.nowMillis()
		times := make(map[string]int64, len(rec.FieldTimes)+1)
		for k, t := range rec.FieldTimes {
			times[k] = t.UnixMilli()
		}
		times[edit.Field] = now
		timesJSON, _ := json.Marshal(times)
		if _, err := tx.ExecContext(ctx, `UPDATE fs_records SET fields = ?, field_times = ?, updated_at = ? WHERE record_id = ?`,
			string(fieldsJSON), string(timesJSON), now, rec.RecordID); err != nil {
			return fmt.Errorf("failed to update record %s: %w", rec.RecordID, err)
		}

		create, err := c.Queue.findCreateTx(ctx, tx, rec.RecordID)
		if err != nil {
			return err
		}
		if create != nil && create.Status != OpInFlight {
			payload, err := recordPayload(rec.ParentID, rec.Fields)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE fs_pending_operations SET payload = ?, updated_at = ? WHERE op_id = ?`,
				string(payload), now, create.ID); err != nil {
				return fmt.Errorf("failed to fold edit into create: %w", err)
			}
		} else {
			payload, err := json.Marshal(map[string]any{edit.Field: edit.Value})
			if err != nil {
				return fmt.Errorf("failed to encode field edit: %w", err)
			}
			if _, err := c.Queue.enqueueTx(ctx, tx, Operation{
				Kind:       OpUpdate,
				EntityType: rec.EntityType,
				TargetID:   rec.RecordID,
				Field:      edit.Field,
				Payload:    payload,
				Priority:   PriorityNormal,
				Scope:      rec.Scope,
			}); err != nil {
				return err
			}
		}
		out, err = getRecord(ctx, tx, rec.RecordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.noteMutation()
	c.Orchestrator.Kick()
	return out, nil
}

// DeleteRecord deletes a record together with its child records and images.
func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	var cancelled []*Operation
	err := c.st.withTx(ctx, func(tx *txn) error {
		rec, err := getRecord(ctx, tx, id)
		if errors.Is(err, ErrRecordNotFound) {
			if gone, terr := tombstonedAny(ctx, tx, id); terr == nil && gone {
				return nil
			}
			return err
		}
		if err != nil {
			return err
		}
		cancelled, err = c.deleteRecordTx(ctx, tx, rec)
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

func (c *Client) deleteRecordTx(ctx context.Context, tx *txn, rec *FieldRecord) ([]*Operation, error) {
	aliases := rec.Aliases()
	args := make([]any, len(aliases))
	for i, a := range aliases {
		args[i] = a
	}
	var cancelled []*Operation

	children, err := listRecords(ctx, tx, `WHERE parent_id IN (`+placeholders(len(aliases))+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		ops, err := c.deleteRecordTx(ctx, tx, child)
		if err != nil {
			return nil, err
		}
		cancelled = append(cancelled, ops...)
	}

	imgs, err := listImages(ctx, tx, `WHERE entity_id IN (`+placeholders(len(aliases))+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, img := range imgs {
		ops, err := c.deleteImageTx(ctx, tx, img)
		if err != nil {
			return nil, err
		}
		cancelled = append(cancelled, ops...)
	}

	if err := c.Tombstones.addTx(ctx, tx, rec.EntityType, rec.RecordID, aliases); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fs_records WHERE record_id = ?`, rec.RecordID); err != nil {
		return nil, fmt.Errorf("failed to delete record %s: %w", rec.RecordID, err)
	}
	ops, err := c.cancelOrDeleteTx(ctx, tx, rec.EntityType, rec.RecordID, rec.RealID, rec.Scope)
	if err != nil {
		return nil, err
	}
	return append(cancelled, ops...), nil
}

// Record returns the record known under id (temp or real).
func (c *Client) Record(ctx context.Context, id string) (*FieldRecord, error) {
	return getRecord(ctx, c.st.db, id)
}

// Children returns the records whose parent is id, whichever of its identifiers is given.
func (c *Client) Children(ctx context.Context, id string) ([]*FieldRecord, error) {
	aliases, err := c.IDs.Aliases(ctx, id)
	if err != nil || len(aliases) == 0 {
		return nil, err
	}
	args := make([]any, len(aliases))
	for i, a := range aliases {
		args[i] = a
	}
	return listRecords(ctx, c.st.db, `WHERE parent_id IN (`+placeholders(len(aliases))+`) ORDER BY created_at, record_id`, args...)
}

// recordPayload flattens fields into the create body next to the parent reference.
func recordPayload(parentID string, fields map[string]any) (json.RawMessage, error) {
	body := maps.Clone(fields)
	if body == nil {
		body = map[string]any{}
	}
	if parentID != "" {
		body[fieldParentID] = parentID
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record payload: %w", err)
	}
	return raw, nil
}

func (c *Client) markRecordSyncedTx(ctx context.Context, tx *txn, recordID string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE fs_records SET status = 'synced', updated_at = ? WHERE record_id = ?`,
		c.st.nowMillis(), recordID); err != nil {
		return fmt.Errorf("failed to mark record %s synced: %w", recordID, err)
	}
	return nil
}

const recordColumns = `record_id, real_id, entity_type, parent_id, scope, fields, field_times, status, created_at, updated_at`

func getRecord(ctx context.Context, q querier, id string) (*FieldRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM fs_records WHERE record_id = ? OR real_id = ? LIMIT 1`, id, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return rec, err
}

func listRecords(ctx context.Context, q querier, tail string, args ...any) ([]*FieldRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+recordColumns+` FROM fs_records `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()
	var out []*FieldRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(r rowScanner) (*FieldRecord, error) {
	var (
		rec              FieldRecord
		realID           sql.NullString
		fields, times    string
		status           string
		created, updated int64
	)
	err := r.Scan(&rec.RecordID, &realID, &rec.EntityType, &rec.ParentID, &rec.Scope, &fields, &times, &status, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.RealID = realID.String
	rec.Status = RecordStatus(status)
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields of %s: %w", rec.RecordID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	var ms map[string]int64
	if err := json.Unmarshal([]byte(times), &ms); err != nil {
		return nil, fmt.Errorf("failed to decode field times of %s: %w", rec.RecordID, err)
	}
	rec.FieldTimes = make(map[string]time.Time, len(ms))
	for k, v := range ms {
		rec.FieldTimes[k] = fromMillis(v)
	}
	return &rec, nil
}
