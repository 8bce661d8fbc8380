package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// submitter is the type-erased view of a UnitOfWork held by DataContext.
type submitter interface {
	Name() string
	SubmitChanges(ctx context.Context) error
}

// DataContext groups the units of work of one session. Each table gets one
// UnitOfWork, created on first use.
type DataContext struct {
	settings
	opts   []Option
	tables TableProvider
	caches CacheProvider

	mu    sync.Mutex
	units map[string]submitter
	order []string
}

// NewDataContext builds a data context over tables. caches may be nil, in which
// case tables are used without a side cache.
func NewDataContext(tables TableProvider, caches CacheProvider, opts ...Option) *DataContext {
	return &DataContext{
		settings: applyOptions(opts),
		opts:     opts,
		tables:   tables,
		caches:   caches,
		units:    make(map[string]submitter),
	}
}

// GetTable returns the unit of work for table name, opening the table on first
// use. Requesting the same name with a different entity type fails.
func GetTable[T any](ctx context.Context, dc *DataContext, name string, schema KeySchema, cfg TableConfig[T]) (*UnitOfWork[T], error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if existing, ok := dc.units[name]; ok {
		uow, ok := existing.(*UnitOfWork[T])
		if !ok {
			return nil, fmt.Errorf("table %s already bound to %T", name, existing)
		}
		return uow, nil
	}
	if dc.tables == nil {
		return nil, errors.New("data context has no table provider")
	}
	table, err := dc.tables.OpenTable(ctx, name, schema)
	if err != nil {
		return nil, fmt.Errorf("open table %s: %w", name, err)
	}
	if cfg.EntityType == "" {
		cfg.EntityType = name
	}
	if cfg.Cache == nil && dc.caches != nil {
		cfg.Cache = dc.caches.ForTable(cfg.EntityType, table.Schema())
	}
	uow, err := NewUnitOfWork(table, cfg, dc.opts...)
	if err != nil {
		return nil, err
	}
	dc.units[name] = uow
	dc.order = append(dc.order, name)
	dc.logger.Debug("table attached", "table", name, "entity_type", cfg.EntityType)
	return uow, nil
}

// Tables lists attached table names in attach order.
func (dc *DataContext) Tables() []string {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return append([]string(nil), dc.order...)
}

// SubmitChanges submits every attached table concurrently. Tables are
// independent: a failure in one does not roll back the others. All failures
// are joined into the returned error.
func (dc *DataContext) SubmitChanges(ctx context.Context) error {
	dc.mu.Lock()
	units := make([]submitter, 0, len(dc.order))
	for _, name := range dc.order {
		units = append(units, dc.units[name])
	}
	dc.mu.Unlock()

	// Wait reports only the first failure; errs keeps every table's outcome.
	// The group has no shared context so one failure does not cancel the rest.
	errs := make([]error, len(units))
	var g errgroup.Group
	for i, unit := range units {
		g.Go(func() error {
			errs[i] = unit.SubmitChanges(ctx)
			return errs[i]
		})
	}
	if g.Wait() == nil {
		return nil
	}
	err := errors.Join(errs...)
	dc.logger.Warn("data context submit finished with errors", "tables", len(units), "error", err)
	return err
}
