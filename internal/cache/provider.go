package cache

import (
	"fmt"
	"log/slog"
	"time"

	"datacontext/internal/config"
	"datacontext/internal/infra/cache/badger"
	"datacontext/internal/infra/cache/memory"
	"datacontext/pkg/domain"
)

// Provider hands out TableCaches sharing one backend.
type Provider struct {
	backend Backend
	ttl     time.Duration
	logger  *slog.Logger
}

var _ domain.CacheProvider = (*Provider)(nil)

// NewProvider wraps backend. A nil backend disables caching; a non-positive
// ttl falls back to domain.DefaultCacheTTL.
func NewProvider(backend Backend, ttl time.Duration, logger *slog.Logger) *Provider {
	if ttl <= 0 {
		ttl = domain.DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provider{backend: backend, ttl: ttl, logger: logger}
}

// ForTable returns the cache of entityType, or domain.NoCache when disabled.
func (p *Provider) ForTable(entityType string, _ domain.KeySchema) domain.SideCache {
	if p == nil || p.backend == nil {
		return domain.NoCache{}
	}
	return &TableCache{
		backend:    p.backend,
		entityType: entityType,
		ttl:        p.ttl,
		logger:     p.logger.With("component", "cache"),
	}
}

// Close releases the backend.
func (p *Provider) Close() error {
	if p == nil || p.backend == nil {
		return nil
	}
	return p.backend.Close()
}

// Open builds the provider named by cfg.Driver.
//
//	none:   caching disabled
//	memory: expirable LRU, bounded by cfg.Size when positive
//	badger: cfg.Path on disk, or in memory when empty
func Open(cfg config.CacheConfig, logger *slog.Logger) (*Provider, error) {
	switch cfg.Driver {
	case config.CacheNone:
		return NewProvider(nil, cfg.TTL, logger), nil
	case "", config.CacheMemory:
		ttl := cfg.TTL
		if ttl <= 0 {
			ttl = domain.DefaultCacheTTL
		}
		return NewProvider(memory.New(cfg.Size, ttl), ttl, logger), nil
	case config.CacheBadger:
		var badgerLog *slog.Logger
		if logger != nil {
			badgerLog = logger.With("component", "badger")
		}
		b, err := badger.Open(badger.Config{Path: cfg.Path, Logger: badgerLog})
		if err != nil {
			return nil, err
		}
		return NewProvider(b, cfg.TTL, logger), nil
	default:
		return nil, fmt.Errorf("%w: cache driver %s", domain.ErrUnknownDriver, cfg.Driver)
	}
}
