// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"log/slog"
	"time"
)

// Config holds configuration for the field sync client.
type Config struct {
	Scope string // default service/session scope for captured data

	MaxImageBytes      int64 // e.g. 25 MiB
	MaxCaptionLength   int   // runes
	MaxAnnotationBytes int   // serialized overlay size limit of the backend field
	MaxPayloadBytes    int   // record field payload limit

	MaxAttempts       int           // transient retries before an operation is marked failed
	BackoffMin        time.Duration // 1s
	BackoffMax        time.Duration // 60s
	FailedRetryAfter  time.Duration // failed operations re-queue automatically after this long (0 = manual only)
	SyncInterval      time.Duration // background run interval
	DequeueLimit      int           // operations considered per round
	MaxRoundsPerRun   int
	MaxParallelChains int

	VerifyUploads      bool // read uploaded attachments back and mark them verified
	EvictVerified      bool // drop local bytes of verified images after each run
	RemoteFetchTimeout time.Duration
	RemoteFetchRate    float64 // remote display fetches per second
	NegativeCacheTTL   time.Duration

	TombstoneTTL   time.Duration // lifetime of a tombstone once its delete is acknowledged
	ReloadCooldown time.Duration // reload triggers this soon after a local mutation are suppressed

	EventBuffer int

	Logger          *slog.Logger
	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
	Clock           func() time.Time
}

// DefaultConfig returns a configuration with defaults tuned for a handheld device.
func DefaultConfig() *Config {
	return &Config{
		Scope:              "default",
		MaxImageBytes:      25 << 20,
		MaxCaptionLength:   2000,
		MaxAnnotationBytes: 64 << 10,
		MaxPayloadBytes:    256 << 10,
		MaxAttempts:        5,
		BackoffMin:         1 * time.Second,
		BackoffMax:         60 * time.Second,
		FailedRetryAfter:   10 * time.Minute,
		SyncInterval:       30 * time.Second,
		DequeueLimit:       100,
		MaxRoundsPerRun:    25,
		MaxParallelChains:  4,
		VerifyUploads:      true,
		EvictVerified:      false,
		RemoteFetchTimeout: 10 * time.Second,
		RemoteFetchRate:    4,
		NegativeCacheTTL:   time.Minute,
		TombstoneTTL:       10 * time.Minute,
		ReloadCooldown:     2 * time.Second,
		EventBuffer:        256,
	}
}

// backoff returns the delay before the given (1-based) attempt is retried.
func (c *Config) backoff(attempt int) time.Duration {
	d := c.BackoffMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		d = c.BackoffMax
	}
	return d
}
