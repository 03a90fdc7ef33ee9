// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-fieldsync/blobstore/core"
)

var (
	// ErrNotFound is returned for missing or deleted resources and binaries.
	ErrNotFound = errors.New("fieldserver: not found")
	// ErrIdempotencyConflict is returned when an idempotency key is reused for a different resource type.
	ErrIdempotencyConflict = errors.New("fieldserver: idempotency key reused")
)

// filterID matches the resource identifier instead of a payload field.
const filterID = "id"

// Store persists resources per user. Every method is scoped to userID.
type Store interface {
	// CreateResource stores a new resource. A repeated idempotency key returns
	// the resource created the first time and created=false.
	CreateResource(ctx context.Context, userID, resourceType string, payload json.RawMessage, idempotencyKey string) (res Resource, created bool, err error)
	// UpdateResource merges payload's top-level keys into the stored payload.
	UpdateResource(ctx context.Context, userID, resourceType, id string, payload json.RawMessage) (Resource, error)
	// DeleteResource soft-deletes a resource.
	DeleteResource(ctx context.Context, userID, resourceType, id string) error
	// ListResources returns live resources whose payload string fields equal filter.
	ListResources(ctx context.Context, userID, resourceType string, filter map[string]string) ([]Resource, error)
	PutBinary(ctx context.Context, userID string, data []byte, contentType, idempotencyKey string) (BinaryResponse, error)
	GetBinary(ctx context.Context, userID, key string) ([]byte, string, error)
	Ping(ctx context.Context) error
}

func newBinaryKey() string { return "bin_" + uuid.NewString() }

func binaryObjectKey(userID, key string) string { return userID + "/" + key }

// MemoryStore is a Store kept in process memory. Binary bytes still go
// through a core.Store. It backs tests and the local simulator.
type MemoryStore struct {
	blobs core.Store

	mu        sync.Mutex
	nextID    int64
	resources map[int64]*memResource
	byIdem    map[string]int64
	binaries  map[string]memBinary
	binByIdem map[string]string
}

type memResource struct {
	userID  string
	res     Resource
	fields  map[string]json.RawMessage
	deleted bool
}

type memBinary struct {
	userID      string
	contentType string
	size        int64
}

// NewMemoryStore creates an empty store writing bytes to blobs.
func NewMemoryStore(blobs core.Store) *MemoryStore {
	return &MemoryStore{
		blobs:     blobs,
		resources: make(map[int64]*memResource),
		byIdem:    make(map[string]int64),
		binaries:  make(map[string]memBinary),
		binByIdem: make(map[string]string),
	}
}

func (s *MemoryStore) CreateResource(_ context.Context, userID, resourceType string, payload json.RawMessage, idempotencyKey string) (Resource, bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Resource{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idem := userID + "\x00" + idempotencyKey
	if idempotencyKey != "" {
		if id, ok := s.byIdem[idem]; ok {
			r := s.resources[id]
			if r.res.Type != resourceType {
				return Resource{}, false, ErrIdempotencyConflict
			}
			return r.res, false, nil
		}
	}
	s.nextID++
	now := time.Now().UTC()
	r := &memResource{
		userID: userID,
		res: Resource{
			ID:        strconv.FormatInt(s.nextID, 10),
			Type:      resourceType,
			Payload:   slices.Clone(payload),
			CreatedAt: now,
			UpdatedAt: now,
		},
		fields: fields,
	}
	s.resources[s.nextID] = r
	if idempotencyKey != "" {
		s.byIdem[idem] = s.nextID
	}
	return r.res, true, nil
}

func (s *MemoryStore) live(userID, resourceType, id string) (*memResource, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, ErrNotFound
	}
	r, ok := s.resources[n]
	if !ok || r.deleted || r.userID != userID || r.res.Type != resourceType {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) UpdateResource(_ context.Context, userID, resourceType, id string, payload json.RawMessage) (Resource, error) {
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(payload, &patch); err != nil {
		return Resource{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.live(userID, resourceType, id)
	if err != nil {
		return Resource{}, err
	}
	fields := maps.Clone(r.fields)
	if fields == nil {
		fields = make(map[string]json.RawMessage, len(patch))
	}
	maps.Copy(fields, patch)
	merged, err := json.Marshal(fields)
	if err != nil {
		return Resource{}, err
	}
	r.fields = fields
	r.res.Payload = merged
	r.res.UpdatedAt = time.Now().UTC()
	return r.res, nil
}

func (s *MemoryStore) DeleteResource(_ context.Context, userID, resourceType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.live(userID, resourceType, id)
	if err != nil {
		return err
	}
	r.deleted = true
	r.res.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListResources(_ context.Context, userID, resourceType string, filter map[string]string) ([]Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.Sorted(maps.Keys(s.resources))
	out := make([]Resource, 0)
	for _, id := range ids {
		r := s.resources[id]
		if r.deleted || r.userID != userID || r.res.Type != resourceType {
			continue
		}
		if matchesFilter(r, filter) {
			out = append(out, r.res)
		}
	}
	return out, nil
}

func matchesFilter(r *memResource, filter map[string]string) bool {
	for k, want := range filter {
		if k == filterID {
			if r.res.ID != want {
				return false
			}
			continue
		}
		var got string
		raw, ok := r.fields[k]
		if !ok || json.Unmarshal(raw, &got) != nil || got != want {
			return false
		}
	}
	return true
}

func (s *MemoryStore) PutBinary(ctx context.Context, userID string, data []byte, contentType, idempotencyKey string) (BinaryResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idem := userID + "\x00" + idempotencyKey
	if idempotencyKey != "" {
		if key, ok := s.binByIdem[idem]; ok {
			b := s.binaries[key]
			return BinaryResponse{Key: key, Size: b.size, ContentType: b.contentType}, nil
		}
	}
	key := newBinaryKey()
	if _, err := s.blobs.Put(ctx, binaryObjectKey(userID, key), bytes.NewReader(data), core.PutOptions{ContentType: contentType}); err != nil {
		return BinaryResponse{}, err
	}
	s.binaries[key] = memBinary{userID: userID, contentType: contentType, size: int64(len(data))}
	if idempotencyKey != "" {
		s.binByIdem[idem] = key
	}
	return BinaryResponse{Key: key, Size: int64(len(data)), ContentType: contentType}, nil
}

func (s *MemoryStore) GetBinary(ctx context.Context, userID, key string) ([]byte, string, error) {
	s.mu.Lock()
	b, ok := s.binaries[key]
	s.mu.Unlock()
	if !ok || b.userID != userID {
		return nil, "", ErrNotFound
	}
	data, err := core.ReadAll(ctx, s.blobs, binaryObjectKey(userID, key))
	if errors.Is(err, core.ErrNotFound) {
		return nil, "", ErrNotFound
	}
	return data, b.contentType, err
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
