// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-fieldsync/blobstore/core"
)

// PGStore keeps resources in Postgres and binary bytes in a core.Store.
type PGStore struct {
	pool   *pgxpool.Pool
	blobs  core.Store
	logger *slog.Logger
}

// NewPGStore creates the store and its tables. The caller owns pool.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool, blobs core.Store, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PGStore{pool: pool, blobs: blobs, logger: logger.With("component", "pg_store")}
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error { return s.initializeSchemaInTx(ctx, tx) }); err != nil {
		return nil, fmt.Errorf("failed to initialize fieldserver schema: %w", err)
	}
	s.logger.Debug("Database schema initialized successfully")
	return s, nil
}

func (s *PGStore) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fs_resources (
			id              BIGSERIAL   PRIMARY KEY,
			user_id         TEXT        NOT NULL,
			resource_type   TEXT        NOT NULL,
			payload         JSONB       NOT NULL,
			idempotency_key TEXT,
			deleted         BOOLEAN     NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, idempotency_key)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS fs_resources_user_type_idx
			ON fs_resources (user_id, resource_type) WHERE NOT deleted`,
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fs_binaries (
			key             TEXT        PRIMARY KEY,
			user_id         TEXT        NOT NULL,
			idempotency_key TEXT,
			size_bytes      BIGINT      NOT NULL,
			content_type    TEXT        NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, idempotency_key)
		)`,
	}
	for _, m := range migrations {
		if _, err := tx.Exec(ctx, m); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

const resourceColumns = `id, resource_type, payload, created_at, updated_at`

func scanResource(row pgx.Row) (Resource, error) {
	var (
		res Resource
		id  int64
	)
	if err := row.Scan(&id, &res.Type, &res.Payload, &res.CreatedAt, &res.UpdatedAt); err != nil {
		return Resource{}, err
	}
	res.ID = strconv.FormatInt(id, 10)
	return res, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PGStore) CreateResource(ctx context.Context, userID, resourceType string, payload json.RawMessage, idempotencyKey string) (Resource, bool, error) {
	var (
		res     Resource
		created bool
	)
	err := withRetryTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		res, err = scanResource(tx.QueryRow(ctx, `
			INSERT INTO fs_resources (user_id, resource_type, payload, idempotency_key)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, idempotency_key) DO NOTHING
			RETURNING `+resourceColumns,
			userID, resourceType, payload, nullable(idempotencyKey)))
		if err == nil {
			created = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to insert resource: %w", err)
		}
		res, err = scanResource(tx.QueryRow(ctx,
			`SELECT `+resourceColumns+` FROM fs_resources WHERE user_id = $1 AND idempotency_key = $2`,
			userID, idempotencyKey))
		if err != nil {
			return fmt.Errorf("failed to load replayed resource: %w", err)
		}
		if res.Type != resourceType {
			return ErrIdempotencyConflict
		}
		return nil
	})
	if err != nil {
		return Resource{}, false, err
	}
	if !created {
		s.logger.Debug("Replayed create by idempotency key", "user_id", userID, "type", resourceType, "id", res.ID)
	}
	return res, created, nil
}

func parseResourceID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

func (s *PGStore) UpdateResource(ctx context.Context, userID, resourceType, id string, payload json.RawMessage) (Resource, error) {
	n, err := parseResourceID(id)
	if err != nil {
		return Resource{}, err
	}
	var res Resource
	err = withRetryTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		res, err = scanResource(tx.QueryRow(ctx, `
			UPDATE fs_resources SET payload = payload || $4::jsonb, updated_at = now()
			WHERE user_id = $1 AND resource_type = $2 AND id = $3 AND NOT deleted
			RETURNING `+resourceColumns,
			userID, resourceType, n, payload))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return res, err
}

func (s *PGStore) DeleteResource(ctx context.Context, userID, resourceType, id string) error {
	n, err := parseResourceID(id)
	if err != nil {
		return err
	}
	return withRetryTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE fs_resources SET deleted = TRUE, updated_at = now()
			WHERE user_id = $1 AND resource_type = $2 AND id = $3 AND NOT deleted`,
			userID, resourceType, n)
		if err != nil {
			return fmt.Errorf("failed to delete resource: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *PGStore) ListResources(ctx context.Context, userID, resourceType string, filter map[string]string) ([]Resource, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + resourceColumns + ` FROM fs_resources WHERE user_id = $1 AND resource_type = $2 AND NOT deleted`)
	args := []any{userID, resourceType}
	for _, k := range slices.Sorted(maps.Keys(filter)) {
		v := filter[k]
		if k == filterID {
			n, err := parseResourceID(v)
			if err != nil {
				return []Resource{}, nil
			}
			args = append(args, n)
			fmt.Fprintf(&sb, ` AND id = $%d`, len(args))
			continue
		}
		args = append(args, k, v)
		fmt.Fprintf(&sb, ` AND payload->>$%d = $%d`, len(args)-1, len(args))
	}
	sb.WriteString(` ORDER BY id`)

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Resource, error) {
		return scanResource(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan resources: %w", err)
	}
	if out == nil {
		out = []Resource{}
	}
	return out, nil
}

func (s *PGStore) findBinary(ctx context.Context, userID, idempotencyKey string) (BinaryResponse, error) {
	var b BinaryResponse
	err := s.pool.QueryRow(ctx,
		`SELECT key, size_bytes, content_type FROM fs_binaries WHERE user_id = $1 AND idempotency_key = $2`,
		userID, idempotencyKey).Scan(&b.Key, &b.Size, &b.ContentType)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, ErrNotFound
	}
	return b, err
}

// PutBinary writes the bytes first and the metadata row second. A concurrent
// upload with the same idempotency key loses the insert and drops its bytes.
func (s *PGStore) PutBinary(ctx context.Context, userID string, data []byte, contentType, idempotencyKey string) (BinaryResponse, error) {
	if idempotencyKey != "" {
		b, err := s.findBinary(ctx, userID, idempotencyKey)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return BinaryResponse{}, fmt.Errorf("failed to look up binary: %w", err)
		}
	}

	key := newBinaryKey()
	objectKey := binaryObjectKey(userID, key)
	if _, err := s.blobs.Put(ctx, objectKey, bytes.NewReader(data), core.PutOptions{ContentType: contentType}); err != nil {
		return BinaryResponse{}, fmt.Errorf("failed to store binary: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO fs_binaries (key, user_id, idempotency_key, size_bytes, content_type)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, idempotency_key) DO NOTHING`,
		key, userID, nullable(idempotencyKey), int64(len(data)), contentType)
	if err != nil {
		_, _ = s.blobs.Delete(ctx, objectKey)
		return BinaryResponse{}, fmt.Errorf("failed to record binary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.blobs.Delete(ctx, objectKey); err != nil {
			s.logger.Warn("Failed to drop duplicate binary", "key", objectKey, "error", err)
		}
		return s.findBinary(ctx, userID, idempotencyKey)
	}
	return BinaryResponse{Key: key, Size: int64(len(data)), ContentType: contentType}, nil
}

func (s *PGStore) GetBinary(ctx context.Context, userID, key string) ([]byte, string, error) {
	var contentType string
	err := s.pool.QueryRow(ctx,
		`SELECT content_type FROM fs_binaries WHERE key = $1 AND user_id = $2`, key, userID).Scan(&contentType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to look up binary: %w", err)
	}
	data, err := core.ReadAll(ctx, s.blobs, binaryObjectKey(userID, key))
	if errors.Is(err, core.ErrNotFound) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read binary: %w", err)
	}
	return data, contentType, nil
}

func (s *PGStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
