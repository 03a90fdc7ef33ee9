// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package blobstore selects a byte-storage driver for image content.
package blobstore

import (
	"context"
	"fmt"

	"github.com/mobiletoly/go-fieldsync/blobstore/core"
	"github.com/mobiletoly/go-fieldsync/blobstore/fs"
	"github.com/mobiletoly/go-fieldsync/blobstore/memory"
	"github.com/mobiletoly/go-fieldsync/blobstore/s3"
)

// Config selects and parameterizes a driver.
type Config struct {
	Driver core.Driver // fs|s3|memory (default fs)
	FSRoot string      // directory root when Driver=fs
	S3     s3.Config
}

// Open returns the configured core.Store.
func Open(ctx context.Context, cfg Config) (core.Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = core.DriverFilesystem
	}
	switch driver {
	case core.DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case core.DriverS3:
		if cfg.S3.Bucket == "" {
			return s3.OpenFromEnv(ctx)
		}
		return s3.New(ctx, cfg.S3)
	case core.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", driver)
	}
}
