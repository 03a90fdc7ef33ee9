// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OpKind is the backend mutation an operation performs.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// OpStatus is the queue state of an operation. Succeeded operations are removed.
type OpStatus string

const (
	OpPending  OpStatus = "pending"
	OpInFlight OpStatus = "in_flight"
	OpFailed   OpStatus = "failed"
)

// Priorities used by the engine; callers may use any integer.
const (
	PriorityLow    = 0
	PriorityNormal = 50
	PriorityHigh   = 100
)

// opDependencyPrefix marks a dependency on another operation rather than on an identifier.
const opDependencyPrefix = "op:"

// OpDependency returns the dependency token that waits for operation opID to leave the queue.
func OpDependency(opID string) string { return opDependencyPrefix + opID }

// Operation is one durable, replayable backend mutation.
type Operation struct {
	Seq            int64           `json:"seq"`
	ID             string          `json:"id"`
	Kind           OpKind          `json:"kind"`
	EntityType     string          `json:"entity_type"`
	TargetID       string          `json:"target_id"`
	Field          string          `json:"field,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Dependencies   []string        `json:"dependencies,omitempty"`
	Status         OpStatus        `json:"status"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	Dispatches     int             `json:"dispatches"`
	LastError      string          `json:"last_error,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Scope          string          `json:"scope"`
	NextAttemptAt  time.Time       `json:"next_attempt_at,omitzero"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// QueueCounts is the number of operations per status.
type QueueCounts struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
}

// Queue is the durable outbox of backend mutations.
//
// Update operations on the same (entity type, target, field) coalesce: while
// the earlier operation has not been dispatched its payload is replaced with
// the latest value; once it is in flight the new operation waits for it.
type Queue struct {
	st     *store
	ids    *IDs
	cfg    *Config
	logger *slog.Logger
}

const opColumns = `seq, op_id, kind, entity_type, target_id, field, payload, dependencies, status,
	priority, attempts, dispatches, last_error, idempotency_key, scope, next_attempt_at, created_at, updated_at`

// Enqueue persists op. The returned operation carries the stored identifier,
// which is the existing one when op was coalesced into a queued update.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (*Operation, error) {
	var out *Operation
	err := q.st.withTx(ctx, func(tx *txn) error {
		var err error
		out, err = q.enqueueTx(ctx, tx, op)
		return err
	})
	return out, err
}

func (q *Queue) enqueueTx(ctx context.Context, tx *txn, op Operation) (*Operation, error) {
	switch op.Kind {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown operation kind %q", op.Kind)}
	}
	if op.EntityType == "" || op.TargetID == "" {
		return nil, &ValidationError{Field: "target", Reason: "entity type and target id are required"}
	}
	if op.Kind != OpCreate && IsTemp(op.TargetID) && !slices.Contains(op.Dependencies, op.TargetID) {
		op.Dependencies = append(op.Dependencies, op.TargetID)
	}
	now := q.st.nowMillis()

	if op.Kind == OpUpdate && op.Field != "" {
		existing, err := q.coalesceCandidateTx(ctx, tx, op)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.Status != OpInFlight {
			deps := mergeDependencies(existing.Dependencies, op.Dependencies)
			depsJSON, _ := json.Marshal(deps)
			if _, err := tx.ExecContext(ctx, `
				UPDATE fs_pending_operations
				SET payload = ?, dependencies = ?, status = 'pending', attempts = 0, last_error = '',
				    next_attempt_at = 0, priority = MAX(priority, ?), updated_at = ?
				WHERE op_id = ?`,
				nullableJSON(op.Payload), string(depsJSON), op.Priority, now, existing.ID); err != nil {
				return nil, fmt.Errorf("failed to coalesce operation %s: %w", existing.ID, err)
			}
			q.logger.Debug("coalesced update", "op_id", existing.ID, "target_id", op.TargetID, "field", op.Field)
			return getOperation(ctx, tx, existing.ID)
		}
		if existing != nil {
			op.Dependencies = append(op.Dependencies, OpDependency(existing.ID))
		}
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}
	if op.Dependencies == nil {
		op.Dependencies = []string{}
	}
	depsJSON, err := json.Marshal(op.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dependencies: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fs_pending_operations
			(op_id, kind, entity_type, target_id, field, payload, dependencies, status, priority,
			 attempts, idempotency_key, scope, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, 0, ?, ?, 0, ?, ?)`,
		op.ID, string(op.Kind), op.EntityType, op.TargetID, op.Field, nullableJSON(op.Payload), string(depsJSON),
		op.Priority, op.IdempotencyKey, op.Scope, now, now); err != nil {
		return nil, fmt.Errorf("failed to enqueue operation: %w", err)
	}
	return getOperation(ctx, tx, op.ID)
}

func (q *Queue) coalesceCandidateTx(ctx context.Context, tx *txn, op Operation) (*Operation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+opColumns+` FROM fs_pending_operations
		WHERE kind = 'update' AND entity_type = ? AND target_id = ? AND field = ?
		ORDER BY seq DESC LIMIT 1`, op.EntityType, op.TargetID, op.Field)
	existing, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return existing, err
}

// Get returns the operation with the given identifier.
func (q *Queue) Get(ctx context.Context, opID string) (*Operation, error) {
	return getOperation(ctx, q.st.db, opID)
}

// Pending returns every queued operation, whatever its status, in dispatch order.
func (q *Queue) Pending(ctx context.Context) ([]*Operation, error) {
	return listOperations(ctx, q.st.db, `ORDER BY priority DESC, seq`)
}

// Count returns the number of operations per status.
func (q *Queue) Count(ctx context.Context) (QueueCounts, error) {
	var c QueueCounts
	rows, err := q.st.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM fs_pending_operations GROUP BY status`)
	if err != nil {
		return c, fmt.Errorf("failed to count operations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("failed to scan count: %w", err)
		}
		switch OpStatus(status) {
		case OpPending:
			c.Pending = n
		case OpInFlight:
			c.InFlight = n
		case OpFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// DequeueReady returns up to limit pending operations that may be dispatched
// now, ordered by priority then FIFO. An operation is ready when its backoff
// has elapsed, every temp identifier it depends on has a real mapping, every
// operation it depends on has left the queue, and no earlier active operation
// targets the same identifier. Returned operations stay pending until MarkInFlight.
func (q *Queue) DequeueReady(ctx context.Context, limit int) ([]*Operation, error) {
	all, err := q.Pending(ctx)
	if err != nil {
		return nil, err
	}
	queued := make(map[string]struct{}, len(all))
	firstActive := make(map[string]int64)
	for _, op := range all {
		queued[op.ID] = struct{}{}
		if op.Status == OpFailed {
			continue
		}
		if s, ok := firstActive[op.TargetID]; !ok || op.Seq < s {
			firstActive[op.TargetID] = op.Seq
		}
	}

	now := q.st.now()
	var ready []*Operation
	for _, op := range all {
		if limit > 0 && len(ready) >= limit {
			break
		}
		if op.Status != OpPending || op.NextAttemptAt.After(now) {
			continue
		}
		if firstActive[op.TargetID] < op.Seq {
			continue
		}
		ok, err := q.dependenciesMet(ctx, op, queued)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, op)
		}
	}
	return ready, nil
}

func (q *Queue) dependenciesMet(ctx context.Context, op *Operation, queued map[string]struct{}) (bool, error) {
	for _, dep := range op.Dependencies {
		if opID, ok := strings.CutPrefix(dep, opDependencyPrefix); ok {
			if _, waiting := queued[opID]; waiting {
				return false, nil
			}
			continue
		}
		if !IsTemp(dep) {
			continue
		}
		_, ok, err := q.ids.Resolve(ctx, dep)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// MarkInFlight claims a pending operation for dispatch.
func (q *Queue) MarkInFlight(ctx context.Context, opID string) error {
	return q.st.withTx(ctx, func(tx *txn) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE fs_pending_operations SET status = 'in_flight', dispatches = dispatches + 1, updated_at = ?
			WHERE op_id = ? AND status = 'pending'`, q.st.nowMillis(), opID)
		if err != nil {
			return fmt.Errorf("failed to mark %s in flight: %w", opID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s is not pending", ErrOperationNotFound, opID)
		}
		return nil
	})
}

// MarkSucceeded removes the operation. For creates of a temp target with a
// non-empty realID the mapping is recorded in the same transaction.
func (q *Queue) MarkSucceeded(ctx context.Context, opID, realID string) error {
	return q.st.withTx(ctx, func(tx *txn) error {
		_, err := q.succeededTx(ctx, tx, opID, realID)
		return err
	})
}

func (q *Queue) succeededTx(ctx context.Context, tx *txn, opID, realID string) (*Operation, error) {
	op, err := getOperation(ctx, tx, opID)
	if err != nil {
		return nil, err
	}
	if op.Kind == OpCreate && IsTemp(op.TargetID) && realID != "" {
		if err := q.ids.recordTx(ctx, tx, op.TargetID, realID); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fs_pending_operations WHERE op_id = ?`, opID); err != nil {
		return nil, fmt.Errorf("failed to remove operation %s: %w", opID, err)
	}
	return op, nil
}

// MarkFailed records a dispatch failure. Retryable failures go back to
// pending with exponential backoff until MaxAttempts is reached; anything
// else is parked as failed. The resulting status is returned.
func (q *Queue) MarkFailed(ctx context.Context, opID string, cause error, retryable bool) (OpStatus, error) {
	status := OpFailed
	err := q.st.withTx(ctx, func(tx *txn) error {
		op, err := getOperation(ctx, tx, opID)
		if err != nil {
			return err
		}
		attempts := op.Attempts + 1
		next := int64(0)
		status = OpFailed
		if retryable && attempts < q.cfg.MaxAttempts {
			status = OpPending
			next = q.st.now().Add(q.cfg.backoff(attempts)).UnixMilli()
		}
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE fs_pending_operations
			SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
			WHERE op_id = ?`, string(status), attempts, msg, next, q.st.nowMillis(), opID)
		if err != nil {
			return fmt.Errorf("failed to mark %s failed: %w", opID, err)
		}
		return nil
	})
	return status, err
}

// Release returns an in-flight operation to pending without counting an attempt.
func (q *Queue) Release(ctx context.Context, opID string) error {
	return q.st.withTx(ctx, func(tx *txn) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE fs_pending_operations SET status = 'pending', updated_at = ?
			WHERE op_id = ? AND status = 'in_flight'`, q.st.nowMillis(), opID)
		if err != nil {
			return fmt.Errorf("failed to release %s: %w", opID, err)
		}
		return nil
	})
}

// RetryFailed moves every failed operation back to pending with a fresh attempt budget.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	var n int64
	err := q.st.withTx(ctx, func(tx *txn) error {
		var err error
		n, err = q.retryTx(ctx, tx, `status = 'failed'`)
		return err
	})
	return int(n), err
}

// requeueStale retries failed operations that have been parked longer than FailedRetryAfter.
func (q *Queue) requeueStale(ctx context.Context) (int, error) {
	if q.cfg.FailedRetryAfter <= 0 {
		return 0, nil
	}
	cutoff := q.st.now().Add(-q.cfg.FailedRetryAfter).UnixMilli()
	var n int64
	err := q.st.withTx(ctx, func(tx *txn) error {
		var err error
		n, err = q.retryTx(ctx, tx, `status = 'failed' AND updated_at <= ?`, cutoff)
		return err
	})
	return int(n), err
}

func (q *Queue) retryTx(ctx context.Context, tx *txn, where string, args ...any) (int64, error) {
	all := append([]any{q.st.nowMillis()}, args...)
	res, err := tx.ExecContext(ctx, `
		UPDATE fs_pending_operations
		SET status = 'pending', attempts = 0, next_attempt_at = 0, updated_at = ?
		WHERE `+where, all...)
	if err != nil {
		return 0, fmt.Errorf("failed to retry operations: %w", err)
	}
	return res.RowsAffected()
}

// UpdatePayload persists progress made by a partially completed dispatch.
func (q *Queue) UpdatePayload(ctx context.Context, opID string, payload json.RawMessage) error {
	return q.st.withTx(ctx, func(tx *txn) error {
		_, err := tx.ExecContext(ctx, `UPDATE fs_pending_operations SET payload = ?, updated_at = ? WHERE op_id = ?`,
			nullableJSON(payload), q.st.nowMillis(), opID)
		if err != nil {
			return fmt.Errorf("failed to update payload of %s: %w", opID, err)
		}
		return nil
	})
}

// cancelTargetTx removes every operation targeting one of targets that is not in flight.
func (q *Queue) cancelTargetTx(ctx context.Context, tx *txn, targets ...string) ([]*Operation, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	args := make([]any, len(targets))
	for i, t := range targets {
		args[i] = t
	}
	where := `WHERE target_id IN (` + placeholders(len(targets)) + `) AND status != 'in_flight'`
	ops, err := listOperations(ctx, tx, where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fs_pending_operations `+where, args...); err != nil {
		return nil, fmt.Errorf("failed to cancel operations: %w", err)
	}
	return ops, nil
}

// findCreateTx returns the queued create for target, or nil.
func (q *Queue) findCreateTx(ctx context.Context, tx *txn, target string) (*Operation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+opColumns+` FROM fs_pending_operations
		WHERE kind = 'create' AND target_id = ? ORDER BY seq LIMIT 1`, target)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return op, err
}

func getOperation(ctx context.Context, q querier, opID string) (*Operation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+opColumns+` FROM fs_pending_operations WHERE op_id = ?`, opID)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, opID)
	}
	return op, err
}

func listOperations(ctx context.Context, q querier, tail string, args ...any) ([]*Operation, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+opColumns+` FROM fs_pending_operations `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()
	var out []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(r rowScanner) (*Operation, error) {
	var (
		op                        Operation
		kind, status              string
		payload                   sql.NullString
		deps                      string
		nextAt, created, modified int64
	)
	err := r.Scan(&op.Seq, &op.ID, &kind, &op.EntityType, &op.TargetID, &op.Field, &payload, &deps, &status,
		&op.Priority, &op.Attempts, &op.Dispatches, &op.LastError, &op.IdempotencyKey, &op.Scope, &nextAt, &created, &modified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}
	op.Kind = OpKind(kind)
	op.Status = OpStatus(status)
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	if err := json.Unmarshal([]byte(deps), &op.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies of %s: %w", op.ID, err)
	}
	op.NextAttemptAt = fromMillis(nextAt)
	op.CreatedAt = fromMillis(created)
	op.UpdatedAt = fromMillis(modified)
	return &op, nil
}

func mergeDependencies(a, b []string) []string {
	out := slices.Clone(a)
	for _, d := range b {
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
