// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Tombstones remembers locally deleted identifiers (every alias of an entity)
// so stale server snapshots and preserved view state cannot resurrect them.
// A tombstone lives until its deletion is acknowledged or cancelled, and for
// TombstoneTTL after that.
type Tombstones struct {
	st  *store
	ttl time.Duration
}

// Contains reports whether any of ids is tombstoned.
func (t *Tombstones) Contains(ctx context.Context, ids ...string) (bool, error) {
	return tombstonedAny(ctx, t.st.db, ids...)
}

// Set returns every live tombstoned alias.
func (t *Tombstones) Set(ctx context.Context) (map[string]struct{}, error) {
	rows, err := t.st.db.QueryContext(ctx, `SELECT alias FROM fs_tombstones`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		out[alias] = struct{}{}
	}
	return out, rows.Err()
}

// Prune removes tombstones whose expiry has passed.
func (t *Tombstones) Prune(ctx context.Context) (int, error) {
	var n int64
	err := t.st.withTx(ctx, func(tx *txn) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM fs_tombstones WHERE expires_at IS NOT NULL AND expires_at <= ?`, t.st.nowMillis())
		if err != nil {
			return fmt.Errorf("failed to prune tombstones: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

func (t *Tombstones) addTx(ctx context.Context, tx *txn, entityType, originID string, aliases []string) error {
	now := t.st.nowMillis()
	for _, alias := range aliases {
		if alias == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fs_tombstones (alias, entity_type, origin_id, deleted_at, expires_at)
			VALUES (?, ?, ?, ?, NULL)
			ON CONFLICT(alias) DO UPDATE SET expires_at = NULL`,
			alias, entityType, originID, now); err != nil {
			return fmt.Errorf("failed to tombstone %s: %w", alias, err)
		}
	}
	return nil
}

// expireTx starts the TTL clock for every tombstone sharing an alias with ids.
func (t *Tombstones) expireTx(ctx context.Context, tx *txn, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, t.st.nowMillis()+t.ttl.Milliseconds())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE fs_tombstones SET expires_at = ?
		WHERE origin_id IN (SELECT origin_id FROM fs_tombstones WHERE alias IN (`+placeholders(len(ids))+`))`, args...)
	if err != nil {
		return fmt.Errorf("failed to expire tombstones: %w", err)
	}
	return nil
}

func tombstonedAny(ctx context.Context, q querier, ids ...string) (bool, error) {
	var filtered []any
	for _, id := range ids {
		if id != "" {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == 0 {
		return false, nil
	}
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM fs_tombstones WHERE alias IN (`+placeholders(len(filtered))+`)`, filtered...).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query tombstones: %w", err)
	}
	return n > 0, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
