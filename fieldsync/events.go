// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a sync-status or completion event.
type EventType string

const (
	EventSyncStarted             EventType = "sync_started"
	EventSyncFinished            EventType = "sync_finished"
	EventPhotoUploadComplete     EventType = "photo_upload_complete"
	EventPhotoVerified           EventType = "photo_verified"
	EventFieldRecordSyncComplete EventType = "field_record_sync_complete"
	EventUpdateSyncComplete      EventType = "update_sync_complete"
	EventDeleteSyncComplete      EventType = "delete_sync_complete"
	EventOperationFailed         EventType = "operation_failed"
	EventOperationCancelled      EventType = "operation_cancelled"
	EventIdentifierResolved      EventType = "identifier_resolved"
	EventDisplayReady            EventType = "display_ready"
)

// Event is published on the client's event bus. Completion events carry both
// the original temp identifier and the resulting real identifier so
// subscribers can re-key in-memory state.
type Event struct {
	Type       EventType   `json:"type"`
	OpID       string      `json:"op_id,omitempty"`
	EntityType string      `json:"entity_type,omitempty"`
	TempID     string      `json:"temp_id,omitempty"`
	RealID     string      `json:"real_id,omitempty"`
	ImageID    string      `json:"image_id,omitempty"`
	Error      string      `json:"error,omitempty"`
	Retryable  bool        `json:"retryable,omitempty"`
	Report     *SyncReport `json:"report,omitempty"`
	At         time.Time   `json:"at"`
}

// EventBus fans events out to subscribers. Channel subscribers never block
// the publisher: an event that does not fit a subscriber's buffer is dropped
// for that subscriber and counted. Listeners run synchronously on the
// publishing goroutine and must return quickly.
type EventBus struct {
	mu        sync.RWMutex
	subs      map[int]chan Event
	listeners map[int]func(Event)
	next      int
	buffer    int
	dropped   atomic.Uint64
	logger    *slog.Logger
}

func newEventBus(buffer int, logger *slog.Logger) *EventBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventBus{
		subs:      make(map[int]chan Event),
		listeners: make(map[int]func(Event)),
		buffer:    buffer,
		logger:    logger,
	}
}

// Subscribe returns a channel receiving future events and a function that
// unsubscribes and closes the channel.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Listen registers fn to be called for every future event.
func (b *EventBus) Listen(fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *EventBus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	listeners := make([]func(Event), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if b.dropped.Add(1)%100 == 1 {
				b.logger.Warn("event subscriber is not keeping up, dropping events", "type", ev.Type)
			}
		}
	}
	b.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Dropped returns the number of events dropped for slow subscribers.
func (b *EventBus) Dropped() uint64 { return b.dropped.Load() }
