// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package simulator drives an inspector's device through offline capture and
// later sync against a running fieldserver.
package simulator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-fieldsync/blobstore/fs"
	"github.com/mobiletoly/go-fieldsync/fieldserver"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Config configures one simulated device.
type Config struct {
	ServerURL  string
	JWTSecret  string // tokens are minted locally with the server's secret
	User       string
	DeviceID   string
	WorkDir    string // device database and blobs; a temp dir when empty
	PreserveDB bool   // keep a temp WorkDir for inspection
	OutputFile string // JSON report
	Logger     *slog.Logger
}

// Simulator owns one device's engine.
type Simulator struct {
	config   *Config
	logger   *slog.Logger
	dir      string
	tempDir  bool
	db       *sql.DB
	client   *fieldsync.Client
	backend  *fieldsync.HTTPBackend
	reporter *Reporter
}

// NewSimulator opens the device store and wires the engine to the server.
func NewSimulator(cfg *Config) (*Simulator, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.User == "" {
		cfg.User = "inspector"
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "device-" + uuid.NewString()[:8]
	}

	s := &Simulator{config: cfg, logger: logger.With("component", "simulator", "device", cfg.DeviceID)}
	s.dir = cfg.WorkDir
	if s.dir == "" {
		dir, err := os.MkdirTemp("", "fieldsync-sim-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
		s.dir, s.tempDir = dir, true
	}

	token, err := fieldserver.NewJWTAuth(cfg.JWTSecret, logger).GenerateToken(cfg.User, cfg.DeviceID, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to mint token: %w", err)
	}
	s.backend = fieldsync.NewHTTPBackend(cfg.ServerURL, func(context.Context) (string, error) { return token, nil })

	if s.db, err = fieldsync.OpenDatabase(filepath.Join(s.dir, "device.db")); err != nil {
		return nil, err
	}
	bytes, err := fs.New(filepath.Join(s.dir, "blobs"))
	if err != nil {
		_ = s.db.Close()
		return nil, err
	}
	engineCfg := fieldsync.DefaultConfig()
	engineCfg.Logger = logger
	engineCfg.ReloadCooldown = 0
	if s.client, err = fieldsync.NewClient(s.db, bytes, s.backend, engineCfg); err != nil {
		_ = s.db.Close()
		return nil, err
	}
	s.reporter = NewReporter(cfg.OutputFile, s.logger)
	s.logger.Info("Simulator ready", "dir", s.dir, "server", cfg.ServerURL, "user", cfg.User)
	return s, nil
}

// Client returns the device's engine.
func (s *Simulator) Client() *fieldsync.Client { return s.client }

// Reporter returns the scenario reporter.
func (s *Simulator) Reporter() *Reporter { return s.reporter }

// Run executes the named scenarios in order; "all" runs every scenario.
// It stops at the first failure.
func (s *Simulator) Run(ctx context.Context, names ...string) error {
	scenarios, err := resolveScenarios(names)
	if err != nil {
		return err
	}
	for _, sc := range scenarios {
		report := s.reporter.StartScenario(sc.Name(), sc.Description())
		s.logger.Info("Executing scenario", "name", sc.Name())
		err := sc.Execute(ctx, s, report)
		s.reporter.FinishScenario(report, err)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", sc.Name(), err)
		}
	}
	return nil
}

// Close shuts the engine down and writes the report.
func (s *Simulator) Close() error {
	errs := []error{s.client.Close(), s.db.Close(), s.reporter.Close()}
	if s.tempDir && !s.config.PreserveDB {
		errs = append(errs, os.RemoveAll(s.dir))
	} else {
		s.logger.Info("Device files preserved", "dir", s.dir)
	}
	return errors.Join(errs...)
}
