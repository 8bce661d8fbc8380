// Package store selects a domain.TableProvider implementation. It is the only
// package that imports the infra store drivers.
package store

import (
	"context"
	"fmt"
	"io"

	"datacontext/internal/config"
	"datacontext/internal/infra/store/memory"
	"datacontext/internal/infra/store/postgres"
	"datacontext/internal/infra/store/s3"
	"datacontext/internal/infra/store/sqlite"
	"datacontext/pkg/domain"
)

// Provider is a table provider that owns releasable resources.
type Provider interface {
	domain.TableProvider
	io.Closer
}

type nopCloser struct{ domain.TableProvider }

func (nopCloser) Close() error { return nil }

// Open builds the provider named by cfg.Driver.
//
//	memory:   process-local tables, lost on exit
//	sqlite:   cfg.SQLitePath (default datacontext.db)
//	postgres: cfg.PostgresDSN
//	s3:       cfg.S3 (bucket required)
func Open(ctx context.Context, cfg config.StoreConfig) (Provider, error) {
	switch cfg.Driver {
	case "", config.StoreMemory:
		return nopCloser{memory.NewStore()}, nil
	case config.StoreSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath)
	case config.StorePostgres:
		return postgres.Open(ctx, cfg.PostgresDSN)
	case config.StoreS3:
		p, err := s3.New(ctx, s3.Config{
			Bucket:      cfg.S3.Bucket,
			Region:      cfg.S3.Region,
			Endpoint:    cfg.S3.Endpoint,
			Prefix:      cfg.S3.Prefix,
			PathStyle:   cfg.S3.PathStyle,
			Concurrency: cfg.S3.Concurrency,
		})
		if err != nil {
			return nil, err
		}
		return nopCloser{p}, nil
	default:
		return nil, fmt.Errorf("%w: store driver %s", domain.ErrUnknownDriver, cfg.Driver)
	}
}
