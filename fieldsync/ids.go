// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TempPrefix marks identifiers minted on the device. Backend identifiers never carry it.
const TempPrefix = "tmp_"

// IsTemp reports whether id was produced by IDs.Allocate.
func IsTemp(id string) bool { return strings.HasPrefix(id, TempPrefix) }

// TempEntityType extracts the entity type encoded in a temp identifier.
func TempEntityType(tempID string) string {
	rest, ok := strings.CutPrefix(tempID, TempPrefix)
	if !ok {
		return ""
	}
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 {
		return ""
	}
	return rest[:i]
}

// ResolvedFunc observes a temp identifier being mapped to its real identifier.
type ResolvedFunc func(tempID, realID string)

// IDs allocates temp identifiers and owns the durable temp -> real mapping.
// A mapping is write-once: the same pair may be recorded again, a different
// real identifier for the same temp identifier is refused.
type IDs struct {
	st     *store
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]string

	subsMu  sync.Mutex
	subs    map[int]ResolvedFunc
	nextSub int
}

func newIDs(st *store, logger *slog.Logger) *IDs {
	return &IDs{
		st:     st,
		logger: logger,
		cache:  make(map[string]string),
		subs:   make(map[int]ResolvedFunc),
	}
}

// Allocate returns a fresh temp identifier for entityType. It does not touch storage.
func (a *IDs) Allocate(entityType string) string {
	return TempPrefix + entityType + "_" + uuid.NewString()
}

// Resolve returns the real identifier recorded for tempID, if any.
func (a *IDs) Resolve(ctx context.Context, tempID string) (string, bool, error) {
	a.mu.RLock()
	realID, ok := a.cache[tempID]
	a.mu.RUnlock()
	if ok {
		return realID, true, nil
	}
	realID, ok, err := lookupMapping(ctx, a.st.db, tempID)
	if err != nil || !ok {
		return "", false, err
	}
	a.remember(tempID, realID)
	return realID, true, nil
}

// ResolveAny maps temp identifiers through Resolve and passes real identifiers through.
func (a *IDs) ResolveAny(ctx context.Context, id string) (string, bool, error) {
	if !IsTemp(id) {
		return id, id != "", nil
	}
	return a.Resolve(ctx, id)
}

// TempFor returns the temp identifier that was mapped to realID, if any.
func (a *IDs) TempFor(ctx context.Context, realID string) (string, bool, error) {
	var tempID string
	err := a.st.db.QueryRowContext(ctx, `SELECT temp_id FROM fs_id_mappings WHERE real_id = ? LIMIT 1`, realID).Scan(&tempID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query mapping for %s: %w", realID, err)
	}
	return tempID, true, nil
}

// Aliases returns id together with its counterpart identifier (temp or real) when one exists.
func (a *IDs) Aliases(ctx context.Context, id string) ([]string, error) {
	if id == "" {
		return nil, nil
	}
	out := []string{id}
	var (
		other string
		ok    bool
		err   error
	)
	if IsTemp(id) {
		other, ok, err = a.Resolve(ctx, id)
	} else {
		other, ok, err = a.TempFor(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if ok {
		out = append(out, other)
	}
	return out, nil
}

// Record durably maps tempID to realID and rewrites every local reference to
// tempID in the same transaction. Subscribers are notified after commit.
func (a *IDs) Record(ctx context.Context, tempID, realID string) error {
	return a.st.withTx(ctx, func(tx *txn) error {
		return a.recordTx(ctx, tx, tempID, realID)
	})
}

func (a *IDs) recordTx(ctx context.Context, tx *txn, tempID, realID string) error {
	if !IsTemp(tempID) {
		return &ValidationError{Field: "temp_id", Reason: fmt.Sprintf("%q is not a temp identifier", tempID)}
	}
	if realID == "" || IsTemp(realID) {
		return &ValidationError{Field: "real_id", Reason: fmt.Sprintf("%q is not a backend identifier", realID)}
	}
	existing, ok, err := lookupMapping(ctx, tx, tempID)
	if err != nil {
		return err
	}
	if ok {
		if existing == realID {
			return nil
		}
		return &MappingConflictError{TempID: tempID, Existing: existing, Attempted: realID}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fs_id_mappings (temp_id, real_id, entity_type, recorded_at) VALUES (?, ?, ?, ?)`,
		tempID, realID, TempEntityType(tempID), a.st.nowMillis()); err != nil {
		return fmt.Errorf("failed to record mapping %s -> %s: %w", tempID, realID, err)
	}

	rewrites := []string{
		`UPDATE fs_images SET entity_id = ? WHERE entity_id = ?`,
		`UPDATE fs_images SET attachment_id = ? WHERE temp_attachment_id = ?`,
		`UPDATE fs_records SET parent_id = ? WHERE parent_id = ?`,
		`UPDATE fs_records SET real_id = ? WHERE record_id = ?`,
	}
	for _, stmt := range rewrites {
		if _, err := tx.ExecContext(ctx, stmt, realID, tempID); err != nil {
			return fmt.Errorf("failed to rewrite references to %s: %w", tempID, err)
		}
	}

	tx.afterCommit(func() {
		a.remember(tempID, realID)
		a.logger.Debug("identifier resolved", "temp_id", tempID, "real_id", realID)
		a.notify(tempID, realID)
	})
	return nil
}

// OnResolved registers fn for future resolutions and returns a function that unregisters it.
func (a *IDs) OnResolved(fn ResolvedFunc) func() {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	return func() {
		a.subsMu.Lock()
		delete(a.subs, id)
		a.subsMu.Unlock()
	}
}

func (a *IDs) notify(tempID, realID string) {
	a.subsMu.Lock()
	fns := make([]ResolvedFunc, 0, len(a.subs))
	for _, fn := range a.subs {
		fns = append(fns, fn)
	}
	a.subsMu.Unlock()
	for _, fn := range fns {
		fn(tempID, realID)
	}
}

func (a *IDs) remember(tempID, realID string) {
	a.mu.Lock()
	a.cache[tempID] = realID
	a.mu.Unlock()
}

func lookupMapping(ctx context.Context, q querier, tempID string) (string, bool, error) {
	var realID string
	err := q.QueryRowContext(ctx, `SELECT real_id FROM fs_id_mappings WHERE temp_id = ?`, tempID).Scan(&realID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query mapping for %s: %w", tempID, err)
	}
	return realID, true, nil
}
