// Package blob opens the configured object store driver. Callers depend on
// core.Store; only this package imports the driver implementations.
package blob

import (
	"context"
	"fmt"

	"coopledger/internal/blob/core"
	"coopledger/internal/infra/blob/fs"
	"coopledger/internal/infra/blob/memory"
	"coopledger/internal/infra/blob/s3"
)

// Store is the object store contract shared by every driver.
type Store = core.Store

// S3Config locates an S3-compatible bucket.
type S3Config = s3.Config

// Config selects and locates a blob driver.
type Config struct {
	Driver core.Driver
	FSRoot string
	S3     S3Config
}

// Open returns the configured driver. An empty driver selects the filesystem.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = core.DriverFilesystem
	}
	switch driver {
	case core.DriverFilesystem:
		store, err := fs.New(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return store, nil
	case core.DriverS3:
		store, err := s3.New(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return store, nil
	case core.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
