// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldserver

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for the resource server
type Config struct {
	JWTSecret         string
	TokenTTL          time.Duration // lifetime of tokens minted by /dummy-signin
	EnableDummySignin bool          // development only: any password is accepted
	MaxPayloadBytes   int64         // resource JSON body limit (0 = unlimited)
	MaxBinaryBytes    int64         // binary upload limit (0 = unlimited)

	// Registerer receives the HTTP metrics; Gatherer serves /metrics.
	// Both default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

// DefaultConfig returns the configuration used when New is given nil.
func DefaultConfig() *Config {
	return &Config{
		JWTSecret:       "your-secret-key-change-in-production",
		TokenTTL:        time.Hour,
		MaxPayloadBytes: 1 << 20,
		MaxBinaryBytes:  32 << 20,
	}
}

// Server serves the resource protocol the fieldsync client syncs against.
type Server struct {
	store   Store
	auth    *JWTAuth
	config  *Config
	logger  *slog.Logger
	metrics *httpMetrics
	handler http.Handler
}

// New wires the HTTP routes around store.
func New(store Store, config *Config) (*Server, error) {
	if store == nil {
		return nil, errors.New("fieldserver: store is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.JWTSecret == "" {
		config.JWTSecret = DefaultConfig().JWTSecret
		logger.Warn("Using default JWT secret - change in production!")
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = time.Hour
	}
	reg, gatherer := config.Registerer, config.Gatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	metrics, err := newHTTPMetrics(reg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		store:   store,
		auth:    NewJWTAuth(config.JWTSecret, logger),
		config:  config,
		logger:  logger.With("component", "fieldserver"),
		metrics: metrics,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if config.EnableDummySignin {
		mux.Handle("POST /dummy-signin", s.route("signin", http.HandlerFunc(s.handleSignin)))
	}
	mux.Handle("POST /resources/{type}", s.authed("create", s.handleCreate))
	mux.Handle("GET /resources/{type}", s.authed("list", s.handleList))
	mux.Handle("PUT /resources/{type}/{id}", s.authed("update", s.handleUpdate))
	mux.Handle("DELETE /resources/{type}/{id}", s.authed("delete", s.handleDelete))
	mux.Handle("POST /binaries", s.authed("upload_binary", s.handleUploadBinary))
	mux.Handle("GET /binaries/{key}", s.authed("fetch_binary", s.handleFetchBinary))
	s.handler = mux
	return s, nil
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Auth returns the token issuer and validator the server uses.
func (s *Server) Auth() *JWTAuth { return s.auth }

func (s *Server) route(name string, h http.Handler) http.Handler {
	return s.metrics.instrument(name, h)
}

func (s *Server) authed(name string, h http.HandlerFunc) http.Handler {
	return s.route(name, s.auth.Middleware(h))
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) (*httpMetrics, error) {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldserver",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fieldserver",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	var err error
	if m.requests, err = registerOrReuse(reg, m.requests); err != nil {
		return nil, err
	}
	if m.duration, err = registerOrReuse(reg, m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *httpMetrics) instrument(route string, h http.Handler) http.Handler {
	labels := prometheus.Labels{"route": route}
	return promhttp.InstrumentHandlerCounter(m.requests.MustCurryWith(labels),
		promhttp.InstrumentHandlerDuration(m.duration.MustCurryWith(labels), h))
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
