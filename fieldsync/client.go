// Package fieldsync is a local-first sync engine for field data capture.
//
// Records and photos are written to a local SQLite database and queued as
// backend operations. Anything created offline gets a temp identifier; a
// background orchestrator replays the queue in dependency order once the
// backend is reachable and maps each temp identifier to the real one it
// receives. Photo bytes are stored once per distinct content, and views can
// preserve displayed state across reloads with a Reconciler.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-fieldsync/blobstore/core"
)

// Client owns the local database and every engine component.
type Client struct {
	DB           *sql.DB
	IDs          *IDs
	Blobs        *Blobs
	Queue        *Queue
	Tombstones   *Tombstones
	Orchestrator *Orchestrator
	Events       *EventBus

	backend Backend
	config  *Config
	logger  *slog.Logger
	st      *store
	display *displayResolver
	stage   stageObserver

	lastMutation atomic.Int64 // unix nanos of the latest local mutation
	unsubscribe  func()

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// NewClient initializes the local database and wires the engine around it.
// bytes stores photo content; backend is the remote resource protocol.
func NewClient(db *sql.DB, bytes core.Store, backend Backend, config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if bytes == nil {
		return nil, fmt.Errorf("byte store cannot be nil")
	}
	if err := initializeDatabase(context.Background(), db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := newStore(db, config.Clock)
	c := &Client{
		DB:      db,
		backend: backend,
		config:  config,
		logger:  logger,
		st:      st,
		stage:   stageObserver{cfg: config, logger: logger},
	}
	c.IDs = newIDs(st, logger.With("component", "ids"))
	c.Blobs = newBlobs(st, bytes, logger.With("component", "blobs"))
	c.Queue = &Queue{st: st, ids: c.IDs, cfg: config, logger: logger.With("component", "queue")}
	c.Tombstones = &Tombstones{st: st, ttl: config.TombstoneTTL}
	c.Events = newEventBus(config.EventBuffer, logger.With("component", "events"))
	c.Orchestrator = newOrchestrator(c)
	c.display = newDisplayResolver(c)

	c.unsubscribe = c.IDs.OnResolved(func(tempID, realID string) {
		c.Events.Publish(Event{Type: EventIdentifierResolved, EntityType: TempEntityType(tempID), TempID: tempID, RealID: realID})
		c.Orchestrator.Kick()
	})
	return c, nil
}

// Config returns the client's configuration.
func (c *Client) Config() *Config { return c.config }

// Start runs the orchestrator loop in the background until Stop or ctx cancellation.
func (c *Client) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.runCancel != nil {
		return errors.New("client already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.runCancel = cancel
	c.runDone = done
	go func() {
		defer close(done)
		if err := c.Orchestrator.Run(runCtx); err != nil {
			c.logger.Error("orchestrator stopped", "error", err)
		}
	}()
	return nil
}

// Stop halts the background loop and waits for the current run to return.
func (c *Client) Stop(ctx context.Context) error {
	c.runMu.Lock()
	cancel, done := c.runCancel, c.runDone
	c.runCancel, c.runDone = nil, nil
	c.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops background work. The database is left open for the caller to close.
func (c *Client) Close() error {
	err := c.Stop(context.Background())
	c.display.close()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	return err
}

// noteMutation starts the reload cooldown window.
func (c *Client) noteMutation() { c.lastMutation.Store(c.st.now().UnixNano()) }

func (c *Client) sinceMutation() time.Duration {
	last := c.lastMutation.Load()
	if last == 0 {
		return time.Duration(1<<63 - 1)
	}
	return c.st.now().Sub(time.Unix(0, last))
}

func (c *Client) publishCancelled(ops []*Operation) {
	for _, op := range ops {
		c.Events.Publish(Event{Type: EventOperationCancelled, OpID: op.ID, EntityType: op.EntityType, TempID: op.TargetID})
	}
}
