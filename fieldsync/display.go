// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// PlaceholderURL is shown while no displayable bytes are available.
	PlaceholderURL = "fieldsync://placeholder"
	localURLPrefix = "fieldsync://blob/"
)

// LocalURL returns the display URL for resident content.
func LocalURL(contentKey string) string { return localURLPrefix + contentKey }

// IsDisplayable reports whether url shows real image content.
func IsDisplayable(url string) bool { return url != "" && url != PlaceholderURL }

// PhotoSource says where a photo's pixels come from. It is one of
// LocalFirst, Pending or SyncedRemote.
type PhotoSource interface {
	photoSource()
}

// LocalFirst is a photo captured on this device; its bytes are local.
type LocalFirst struct {
	ImageID string
}

// Pending is a local photo whose upload is queued or in flight.
type Pending struct {
	ImageID          string
	TempAttachmentID string
}

// SyncedRemote is a photo the backend knows. Keys locate its binaries.
type SyncedRemote struct {
	AttachmentID       string
	BinaryKey          string
	AnnotatedBinaryKey string
}

func (LocalFirst) photoSource()   {}
func (Pending) photoSource()      {}
func (SyncedRemote) photoSource() {}

// Source classifies the image by how far its sync has progressed.
func (img *LocalImage) Source() PhotoSource {
	switch {
	case img.AttachmentID != "" && img.BinaryKey != "":
		return SyncedRemote{AttachmentID: img.AttachmentID, BinaryKey: img.BinaryKey, AnnotatedBinaryKey: img.AnnotatedBinaryKey}
	case img.Status == StatusQueued || img.Status == StatusUploading || img.Status == StatusFailed:
		return Pending{ImageID: img.ImageID, TempAttachmentID: img.TempAttachmentID}
	default:
		return LocalFirst{ImageID: img.ImageID}
	}
}

// GetDisplayURL resolves a display URL for img. It never changes lifecycle state.
func (c *Client) GetDisplayURL(ctx context.Context, img *LocalImage) string {
	if url := c.DisplayURLFor(ctx, img.Source()); IsDisplayable(url) {
		return url
	}
	// A synced image may still hold its captured bytes under the local id.
	if img.AttachmentID != "" {
		if url := c.display.localURL(ctx, img.ImageID+annotatedSuffix, img.ImageID); url != "" {
			return url
		}
	}
	return PlaceholderURL
}

// DisplayURLFor resolves src in order: resident local bytes, cached remote
// bytes under any alias, otherwise PlaceholderURL while a bounded remote
// fetch runs in the background.
func (c *Client) DisplayURLFor(ctx context.Context, src PhotoSource) string {
	d := c.display
	switch s := src.(type) {
	case LocalFirst:
		if url := d.localURL(ctx, s.ImageID+annotatedSuffix, s.ImageID); url != "" {
			return url
		}
		return PlaceholderURL
	case Pending:
		if url := d.localURL(ctx, s.ImageID+annotatedSuffix, s.ImageID); url != "" {
			return url
		}
		if realID, ok, err := c.IDs.Resolve(ctx, s.TempAttachmentID); err == nil && ok {
			if url := d.localURL(ctx, d.remoteAliases(realID)...); url != "" {
				return url
			}
		}
		return PlaceholderURL
	case SyncedRemote:
		if url := d.localURL(ctx, d.remoteAliases(s.AttachmentID)...); url != "" {
			return url
		}
		if key := s.AnnotatedBinaryKey; key != "" {
			d.fetchAsync(s.AttachmentID+annotatedSuffix, key)
		} else if s.BinaryKey != "" {
			d.fetchAsync(s.AttachmentID, s.BinaryKey)
		}
		return PlaceholderURL
	default:
		return PlaceholderURL
	}
}

// displayResolver caches remote bytes for display. Failed fetches are
// remembered for NegativeCacheTTL so a missing binary is not requested on
// every render.
type displayResolver struct {
	c        *Client
	logger   *slog.Logger
	negative *cache.Cache
	limiter  *rate.Limiter
	group    singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDisplayResolver(c *Client) *displayResolver {
	ctx, cancel := context.WithCancel(context.Background())
	limit := rate.Inf
	if c.config.RemoteFetchRate > 0 {
		limit = rate.Limit(c.config.RemoteFetchRate)
	}
	return &displayResolver{
		c:        c,
		logger:   c.logger.With("component", "display"),
		negative: cache.New(c.config.NegativeCacheTTL, 2*c.config.NegativeCacheTTL),
		limiter:  rate.NewLimiter(limit, 2),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// remoteAliases lists logical ids remote bytes for an attachment may be cached under.
func (d *displayResolver) remoteAliases(attachmentID string) []string {
	return []string{
		attachmentID + annotatedSuffix,
		remotePrefix + attachmentID + annotatedSuffix,
		attachmentID,
		remotePrefix + attachmentID,
	}
}

func (d *displayResolver) localURL(ctx context.Context, logicalIDs ...string) string {
	for _, id := range logicalIDs {
		key, resident, err := d.c.Blobs.Resolve(ctx, id)
		if err != nil {
			d.logger.Warn("failed to resolve display bytes", "logical_id", id, "error", err)
			continue
		}
		if resident {
			return LocalURL(key)
		}
	}
	return ""
}

// fetchAsync downloads binaryKey and caches it under remote:<logicalID>.
func (d *displayResolver) fetchAsync(logicalID, binaryKey string) {
	if d.c.backend == nil || d.ctx.Err() != nil {
		return
	}
	if _, failed := d.negative.Get(binaryKey); failed {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.ctx, d.c.config.RemoteFetchTimeout)
		defer cancel()
		_, _, _ = d.group.Do(binaryKey, func() (any, error) {
			err := d.fetch(ctx, logicalID, binaryKey)
			switch {
			case err == nil:
				d.c.Events.Publish(Event{Type: EventDisplayReady, EntityType: EntityAttachment, RealID: strings.TrimSuffix(logicalID, annotatedSuffix)})
			case !errors.Is(err, context.Canceled):
				d.negative.SetDefault(binaryKey, err.Error())
				d.logger.Warn("remote display fetch failed", "binary_key", binaryKey, "error", err)
			}
			return nil, err
		})
	}()
}

func (d *displayResolver) fetch(ctx context.Context, logicalID, binaryKey string) error {
	start := d.c.stage.start()
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	data, err := d.c.backend.FetchBinary(ctx, binaryKey)
	if err == nil {
		// The photo may have been deleted while the fetch was running.
		gone, terr := d.c.Tombstones.Contains(ctx, strings.TrimSuffix(logicalID, annotatedSuffix))
		switch {
		case terr != nil:
			err = terr
		case !gone:
			_, err = d.c.Blobs.Store(ctx, remotePrefix+logicalID, data)
		}
	}
	d.c.stage.observe(ctx, MetricsOpDisplay, MetricsStageRemoteFetch, start, len(data), 0, err != nil)
	return err
}

func (d *displayResolver) close() {
	d.cancel()
	d.wg.Wait()
}
