// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricsOpSync    = "sync"
	MetricsOpDisplay = "display"

	MetricsStageTotal = "total"

	MetricsStageDequeue        = "dequeue"
	MetricsStageDispatchCreate = "dispatch_create"
	MetricsStageDispatchUpdate = "dispatch_update"
	MetricsStageDispatchDelete = "dispatch_delete"
	MetricsStageUploadBinary   = "upload_binary"
	MetricsStageVerify         = "verify"
	MetricsStageEvict          = "evict"

	MetricsStageRemoteFetch = "remote_fetch"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageObserver forwards stage timings to the configured recorder and, optionally, the log.
type stageObserver struct {
	cfg    *Config
	logger interface {
		Debug(msg string, args ...any)
	}
}

func (o stageObserver) enabled() bool {
	return o.cfg != nil && (o.cfg.StageMetrics != nil || o.cfg.LogStageTimings)
}

func (o stageObserver) start() time.Time {
	if !o.enabled() {
		return time.Time{}
	}
	return time.Now()
}

func (o stageObserver) observe(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() || o.cfg == nil {
		return
	}
	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}
	if o.cfg.StageMetrics != nil {
		o.cfg.StageMetrics.ObserveStage(ctx, timing)
	}
	if o.cfg.LogStageTimings && o.logger != nil {
		o.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}

// PrometheusRecorder exports stage timings as Prometheus metrics.
type PrometheusRecorder struct {
	durations *prometheus.HistogramVec
	items     *prometheus.CounterVec
	errors    *prometheus.CounterVec
}

// NewPrometheusRecorder registers the recorder's collectors with reg.
func NewPrometheusRecorder(reg prometheus.Registerer, namespace string) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "stage_duration_seconds",
			Help:      "Duration of sync engine stages.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"operation", "stage"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "stage_items_total",
			Help:      "Items processed per sync engine stage.",
		}, []string{"operation", "stage"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "stage_errors_total",
			Help:      "Failed sync engine stages by attempt.",
		}, []string{"operation", "stage", "attempt"}),
	}
	var err error
	if r.durations, err = registerOrReuse(reg, r.durations); err != nil {
		return nil, err
	}
	if r.items, err = registerOrReuse(reg, r.items); err != nil {
		return nil, err
	}
	if r.errors, err = registerOrReuse(reg, r.errors); err != nil {
		return nil, err
	}
	return r, nil
}

func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (r *PrometheusRecorder) ObserveStage(_ context.Context, t StageTiming) {
	r.durations.WithLabelValues(t.Operation, t.Stage).Observe(t.Duration.Seconds())
	if t.Count > 0 {
		r.items.WithLabelValues(t.Operation, t.Stage).Add(float64(t.Count))
	}
	if t.Error {
		r.errors.WithLabelValues(t.Operation, t.Stage, strconv.Itoa(t.Attempt)).Inc()
	}
}
