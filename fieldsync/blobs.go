// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mobiletoly/go-fieldsync/blobstore/core"
)

const (
	annotatedSuffix = "#annotated"
	remotePrefix    = "remote:"
)

// ContentKey derives the content address of data.
func ContentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256-" + hex.EncodeToString(sum[:])
}

// BlobStats summarizes local binary storage.
type BlobStats struct {
	Contents      int   // distinct content keys known
	Resident      int   // content keys whose bytes are on the device
	Pointers      int   // logical identifiers bound to content
	PhysicalBytes int64 // sum of resident content sizes
	LogicalBytes  int64 // sum over pointers; what storage would cost without deduplication
}

// Blobs is a content-addressed byte store. Logical identifiers point at
// content keys; identical bytes are stored once and the content is removed
// when its last pointer is released. ref_count always equals the number of
// pointers bound to a content key.
type Blobs struct {
	st     *store
	bytes  core.Store
	logger *slog.Logger
}

func newBlobs(st *store, bytes core.Store, logger *slog.Logger) *Blobs {
	return &Blobs{st: st, bytes: bytes, logger: logger}
}

// Store writes data and binds logicalID to its content key, replacing any previous binding.
func (b *Blobs) Store(ctx context.Context, logicalID string, data []byte) (string, error) {
	var key string
	err := b.st.withTx(ctx, func(tx *txn) error {
		var err error
		key, err = b.putTx(ctx, tx, logicalID, data)
		return err
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// CreatePointer binds logicalID to content that is already stored.
func (b *Blobs) CreatePointer(ctx context.Context, logicalID, contentKey string) error {
	return b.st.withTx(ctx, func(tx *txn) error {
		return b.pointTx(ctx, tx, logicalID, contentKey)
	})
}

// Release unbinds logicalID. Content is deleted once nothing points at it.
// Releasing an unknown identifier is a no-op.
func (b *Blobs) Release(ctx context.Context, logicalID string) error {
	return b.st.withTx(ctx, func(tx *txn) error {
		return b.releaseTx(ctx, tx, logicalID)
	})
}

// Fetch returns the bytes behind logicalID, or nil when the identifier is
// unknown or its content has been evicted.
func (b *Blobs) Fetch(ctx context.Context, logicalID string) ([]byte, error) {
	key, resident, ok, err := b.lookup(ctx, logicalID)
	if err != nil || !ok || !resident {
		return nil, err
	}
	data, err := core.ReadAll(ctx, b.bytes, key)
	if errors.Is(err, core.ErrNotFound) {
		b.logger.Warn("blob content missing from byte store", "logical_id", logicalID, "content_key", key)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return data, nil
}

// Resolve returns the content key bound to logicalID and whether its bytes are resident.
func (b *Blobs) Resolve(ctx context.Context, logicalID string) (contentKey string, resident bool, err error) {
	key, resident, _, err := b.lookup(ctx, logicalID)
	return key, resident, err
}

// Evict drops the bytes of contentKey while keeping its pointers. Fetch
// returns nil afterwards until the content is stored again.
func (b *Blobs) Evict(ctx context.Context, contentKey string) error {
	return b.st.withTx(ctx, func(tx *txn) error {
		res, err := tx.ExecContext(ctx, `UPDATE fs_blobs SET resident = 0 WHERE content_key = ? AND resident = 1`, contentKey)
		if err != nil {
			return fmt.Errorf("failed to evict %s: %w", contentKey, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			tx.onCommitLocked(func() { b.deleteBytes(ctx, contentKey) })
		}
		return nil
	})
}

// Stats reports physical and logical storage use.
func (b *Blobs) Stats(ctx context.Context) (BlobStats, error) {
	var st BlobStats
	err := b.st.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(resident), 0), COALESCE(SUM(CASE WHEN resident = 1 THEN size ELSE 0 END), 0)
		FROM fs_blobs`).Scan(&st.Contents, &st.Resident, &st.PhysicalBytes)
	if err != nil {
		return st, fmt.Errorf("failed to query blob stats: %w", err)
	}
	err = b.st.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(b.size), 0)
		FROM fs_blob_pointers p JOIN fs_blobs b ON b.content_key = p.content_key`).Scan(&st.Pointers, &st.LogicalBytes)
	if err != nil {
		return st, fmt.Errorf("failed to query pointer stats: %w", err)
	}
	return st, nil
}

// RefCount returns the number of pointers bound to contentKey.
func (b *Blobs) RefCount(ctx context.Context, contentKey string) (int, error) {
	var n int
	err := b.st.db.QueryRowContext(ctx, `SELECT ref_count FROM fs_blobs WHERE content_key = ?`, contentKey).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query ref count: %w", err)
	}
	return n, nil
}

func (b *Blobs) lookup(ctx context.Context, logicalID string) (key string, resident, ok bool, err error) {
	var r int
	err = b.st.db.QueryRowContext(ctx, `
		SELECT p.content_key, b.resident FROM fs_blob_pointers p
		JOIN fs_blobs b ON b.content_key = p.content_key
		WHERE p.logical_id = ?`, logicalID).Scan(&key, &r)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, false, nil
	}
	if err != nil {
		return "", false, false, fmt.Errorf("failed to resolve blob pointer %s: %w", logicalID, err)
	}
	return key, r == 1, true, nil
}

// putTx makes data resident and points logicalID at it.
func (b *Blobs) putTx(ctx context.Context, tx *txn, logicalID string, data []byte) (string, error) {
	key := ContentKey(data)
	var resident int
	err := tx.QueryRowContext(ctx, `SELECT resident FROM fs_blobs WHERE content_key = ?`, key).Scan(&resident)
	known := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to query blob %s: %w", key, err)
	}
	if !known || resident == 0 {
		_, err := b.bytes.Put(ctx, key, bytes.NewReader(data), core.PutOptions{})
		switch {
		case err == nil:
			tx.onRollback(func() { b.deleteBytes(context.WithoutCancel(ctx), key) })
		case errors.Is(err, core.ErrExists):
		default:
			return "", fmt.Errorf("failed to write blob %s: %w", key, err)
		}
	}
	if known {
		if _, err := tx.ExecContext(ctx, `UPDATE fs_blobs SET resident = 1 WHERE content_key = ?`, key); err != nil {
			return "", fmt.Errorf("failed to mark blob resident: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fs_blobs (content_key, size, ref_count, resident, created_at) VALUES (?, ?, 0, 1, ?)`,
			key, len(data), b.st.nowMillis()); err != nil {
			return "", fmt.Errorf("failed to insert blob %s: %w", key, err)
		}
	}
	if err := b.pointTx(ctx, tx, logicalID, key); err != nil {
		return "", err
	}
	return key, nil
}

func (b *Blobs) pointTx(ctx context.Context, tx *txn, logicalID, key string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM fs_blobs WHERE content_key = ?`, key).Scan(&n); err != nil {
		return fmt.Errorf("failed to query blob %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}

	var current string
	err := tx.QueryRowContext(ctx, `SELECT content_key FROM fs_blob_pointers WHERE logical_id = ?`, logicalID).Scan(&current)
	switch {
	case err == nil && current == key:
		return nil
	case err == nil:
		if _, err := tx.ExecContext(ctx, `UPDATE fs_blob_pointers SET content_key = ? WHERE logical_id = ?`, key, logicalID); err != nil {
			return fmt.Errorf("failed to rebind pointer %s: %w", logicalID, err)
		}
		if err := b.decrementTx(ctx, tx, current); err != nil {
			return err
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fs_blob_pointers (logical_id, content_key, created_at) VALUES (?, ?, ?)`,
			logicalID, key, b.st.nowMillis()); err != nil {
			return fmt.Errorf("failed to insert pointer %s: %w", logicalID, err)
		}
	default:
		return fmt.Errorf("failed to query pointer %s: %w", logicalID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE fs_blobs SET ref_count = ref_count + 1 WHERE content_key = ?`, key); err != nil {
		return fmt.Errorf("failed to increment ref count: %w", err)
	}
	return nil
}

func (b *Blobs) releaseTx(ctx context.Context, tx *txn, logicalID string) error {
	var key string
	err := tx.QueryRowContext(ctx, `SELECT content_key FROM fs_blob_pointers WHERE logical_id = ?`, logicalID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to query pointer %s: %w", logicalID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fs_blob_pointers WHERE logical_id = ?`, logicalID); err != nil {
		return fmt.Errorf("failed to delete pointer %s: %w", logicalID, err)
	}
	return b.decrementTx(ctx, tx, key)
}

func (b *Blobs) decrementTx(ctx context.Context, tx *txn, key string) error {
	var refs, resident int
	err := tx.QueryRowContext(ctx, `
		UPDATE fs_blobs SET ref_count = ref_count - 1 WHERE content_key = ?
		RETURNING ref_count, resident`, key).Scan(&refs, &resident)
	if err != nil {
		return fmt.Errorf("failed to decrement ref count for %s: %w", key, err)
	}
	if refs > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fs_blobs WHERE content_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	if resident == 1 {
		tx.onCommitLocked(func() { b.deleteBytes(context.WithoutCancel(ctx), key) })
	}
	return nil
}

func (b *Blobs) deleteBytes(ctx context.Context, key string) {
	if _, err := b.bytes.Delete(ctx, key); err != nil && !errors.Is(err, core.ErrNotFound) {
		b.logger.Warn("failed to delete blob bytes", "content_key", key, "error", err)
	}
}
