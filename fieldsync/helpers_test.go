package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/blobstore/memory"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeResource struct {
	Type    string
	ID      string
	Payload map[string]any
}

// fakeBackend is an in-memory Backend with a call log and failure injection.
type fakeBackend struct {
	mu         sync.Mutex
	idempotent bool
	next       int
	resources  map[string]*fakeResource // id -> resource
	byIdemKey  map[string]string        // idempotency key -> id or binary key
	binaries   map[string][]byte
	calls      []string

	// failures are consumed in order per call kind ("create:<type>", "update:<type>",
	// "delete:<type>", "upload", "fetch", "read:<type>").
	failures map[string][]error
	// lostResponses makes the next N creates apply remotely and still report a transient error.
	lostResponses int
	onCreate      func(resourceType string)
	onUpload      func()
	// fetchGate, when set, holds every FetchBinary until it is closed or ctx ends.
	fetchGate chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		idempotent: true,
		resources:  make(map[string]*fakeResource),
		byIdemKey:  make(map[string]string),
		binaries:   make(map[string][]byte),
		failures:   make(map[string][]error),
	}
}

func (f *fakeBackend) HonorsIdempotencyKeys() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idempotent
}

func (f *fakeBackend) failNext(kind string, errs ...error) {
	f.mu.Lock()
	f.failures[kind] = append(f.failures[kind], errs...)
	f.mu.Unlock()
}

// popFailure must be called with f.mu held.
func (f *fakeBackend) popFailure(kind string) error {
	errs := f.failures[kind]
	if len(errs) == 0 {
		return nil
	}
	f.failures[kind] = errs[1:]
	return errs[0]
}

func (f *fakeBackend) Create(ctx context.Context, resourceType string, payload json.RawMessage, idempotencyKey string) (Resource, error) {
	f.mu.Lock()
	hook := f.onCreate
	f.mu.Unlock()
	if hook != nil {
		hook(resourceType)
	}
	// An aborted request never reaches the server.
	if err := ctx.Err(); err != nil {
		return Resource{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create:"+resourceType)
	if err := f.popFailure("create:" + resourceType); err != nil {
		return Resource{}, err
	}
	if f.idempotent && idempotencyKey != "" {
		if id, ok := f.byIdemKey[idempotencyKey]; ok {
			return Resource{ID: id, Type: resourceType}, nil
		}
	}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return Resource{}, &BackendError{Op: "create", ResourceType: resourceType, StatusCode: 400, Message: "bad payload"}
	}
	f.next++
	id := fmt.Sprintf("%s-%d", resourceType, f.next)
	f.resources[id] = &fakeResource{Type: resourceType, ID: id, Payload: body}
	if idempotencyKey != "" {
		f.byIdemKey[idempotencyKey] = id
	}
	if f.lostResponses > 0 {
		f.lostResponses--
		return Resource{}, &BackendError{Op: "create", ResourceType: resourceType, Retryable: true, Message: "connection reset"}
	}
	return Resource{ID: id, Type: resourceType, Payload: payload}, nil
}

func (f *fakeBackend) Update(_ context.Context, resourceType, id string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "update:"+resourceType)
	if err := f.popFailure("update:" + resourceType); err != nil {
		return err
	}
	res, ok := f.resources[id]
	if !ok {
		return &BackendError{Op: "update", ResourceType: resourceType, StatusCode: 404}
	}
	var patch map[string]any
	if err := json.Unmarshal(payload, &patch); err != nil {
		return &BackendError{Op: "update", ResourceType: resourceType, StatusCode: 400}
	}
	for k, v := range patch {
		res.Payload[k] = v
	}
	return nil
}

func (f *fakeBackend) Delete(_ context.Context, resourceType, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete:"+resourceType)
	if err := f.popFailure("delete:" + resourceType); err != nil {
		return err
	}
	if _, ok := f.resources[id]; !ok {
		return &BackendError{Op: "delete", ResourceType: resourceType, StatusCode: 404}
	}
	delete(f.resources, id)
	return nil
}

func (f *fakeBackend) Read(_ context.Context, resourceType string, filter map[string]string) ([]Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "read:"+resourceType)
	if err := f.popFailure("read:" + resourceType); err != nil {
		return nil, err
	}
	var out []Resource
	for _, res := range f.resources {
		if res.Type != resourceType || !matches(res, filter) {
			continue
		}
		raw, _ := json.Marshal(res.Payload)
		out = append(out, Resource{ID: res.ID, Type: res.Type, Payload: raw})
	}
	return out, nil
}

func matches(res *fakeResource, filter map[string]string) bool {
	for k, v := range filter {
		if k == "id" {
			if res.ID != v {
				return false
			}
			continue
		}
		if s, _ := res.Payload[k].(string); s != v {
			return false
		}
	}
	return true
}

func (f *fakeBackend) UploadBinary(_ context.Context, upload BinaryUpload) (string, error) {
	f.mu.Lock()
	hook := f.onUpload
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "upload")
	if err := f.popFailure("upload"); err != nil {
		return "", err
	}
	if f.idempotent && upload.IdempotencyKey != "" {
		if key, ok := f.byIdemKey["bin/"+upload.IdempotencyKey]; ok {
			return key, nil
		}
	}
	f.next++
	key := fmt.Sprintf("bin-%d", f.next)
	f.binaries[key] = append([]byte(nil), upload.Data...)
	if upload.IdempotencyKey != "" {
		f.byIdemKey["bin/"+upload.IdempotencyKey] = key
	}
	return key, nil
}

func (f *fakeBackend) FetchBinary(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "fetch")
	gate := f.fetchGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("fetch"); err != nil {
		return nil, err
	}
	data, ok := f.binaries[key]
	if !ok {
		return nil, &BackendError{Op: "fetch", ResourceType: "binary", StatusCode: 404}
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeBackend) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) countCalls(call string) int {
	n := 0
	for _, c := range f.callLog() {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeBackend) ofType(resourceType string) []*fakeResource {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeResource
	for _, r := range f.resources {
		if r.Type == resourceType {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeBackend) resource(id string) (*fakeResource, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resources[id]
	return r, ok
}

type testEnv struct {
	c       *Client
	backend *fakeBackend
	bytes   *memory.Store
	clock   *fakeClock
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Clock = clock.Now
	cfg.BackoffMin = time.Second
	cfg.BackoffMax = 8 * time.Second
	cfg.MaxAttempts = 3
	cfg.RemoteFetchRate = 0
	cfg.ReloadCooldown = 0
	for _, m := range mutate {
		m(cfg)
	}

	backend := newFakeBackend()
	bytes := memory.New()
	c, err := NewClient(db, bytes, backend, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &testEnv{c: c, backend: backend, bytes: bytes, clock: clock}
}

func (e *testEnv) syncOnce(t *testing.T) SyncReport {
	t.Helper()
	report, err := e.c.Orchestrator.SyncOnce(context.Background())
	require.NoError(t, err)
	return report
}

func (e *testEnv) queued(t *testing.T) []*Operation {
	t.Helper()
	ops, err := e.c.Queue.Pending(context.Background())
	require.NoError(t, err)
	return ops
}

// collect records every event published on the client's bus.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func collect(c *Client) (*collector, func()) {
	col := &collector{}
	stop := c.Events.Listen(func(ev Event) {
		col.mu.Lock()
		col.events = append(col.events, ev)
		col.mu.Unlock()
	})
	return col, stop
}

func (c *collector) ofType(t EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func jpeg(seed string) []byte {
	return append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte(seed)...)
}

func (e *testEnv) capture(t *testing.T, entityType, entityID string, data []byte, caption string) *LocalImage {
	t.Helper()
	img, err := e.c.CaptureImage(context.Background(), CaptureRequest{
		Data:        data,
		ContentType: "image/jpeg",
		EntityType:  entityType,
		EntityID:    entityID,
		Caption:     caption,
	})
	require.NoError(t, err)
	return img
}

func (e *testEnv) createRecord(t *testing.T, entityType, parentID string, fields map[string]any) *FieldRecord {
	t.Helper()
	rec, err := e.c.CreateRecord(context.Background(), NewRecord{EntityType: entityType, ParentID: parentID, Fields: fields})
	require.NoError(t, err)
	return rec
}
