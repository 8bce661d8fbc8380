package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"datacontext/internal/cache"
	"datacontext/internal/config"
	"datacontext/internal/core"
	"datacontext/internal/logging"
	"datacontext/internal/store"
	"datacontext/internal/telemetry"
	"datacontext/pkg/domain"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Table      string
	HashKey    string
	RangeKey   string
	Format     string // "json" | "text"
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "datactl",
		Short:         "Read and write documents through a DataContext",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			if opts.Table == "" {
				return errors.New("--table is required")
			}
			if opts.HashKey == "" {
				return errors.New("--hash-key must not be empty")
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.Table, "table", "", "table name")
	cmd.PersistentFlags().StringVar(&opts.HashKey, "hash-key", "id", "hash key attribute")
	cmd.PersistentFlags().StringVar(&opts.RangeKey, "range-key", "", "range key attribute (optional)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newPutCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newQueryCommand(opts))
	return cmd
}

// session is one DataContext over the configured backends.
type session struct {
	dc     *core.DataContext
	table  *core.UnitOfWork[domain.Document]
	tables store.Provider
	caches *cache.Provider
	tel    *telemetry.Telemetry
}

func openSession(ctx context.Context, cmd *cobra.Command, flags *rootOptions) (*session, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return nil, err
	}
	tables, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	caches, err := cache.Open(cfg.Cache, logger)
	if err != nil {
		_ = tables.Close()
		return nil, err
	}
	tel, err := telemetry.Setup(cfg.Metrics, cfg.Tracing, cmd.ErrOrStderr())
	if err != nil {
		_ = caches.Close()
		_ = tables.Close()
		return nil, err
	}
	s := &session{tables: tables, caches: caches, tel: tel}
	opts := append([]core.Option{core.WithLogger(logger)}, tel.Options()...)
	s.dc = core.NewDataContext(tables, caches, opts...)
	schema := domain.KeySchema{HashKey: flags.HashKey, RangeKey: flags.RangeKey}
	s.table, err = core.GetTable(ctx, s.dc, flags.Table, schema, core.TableConfig[domain.Document]{})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) Close() error {
	return errors.Join(s.tel.Shutdown(context.Background()), s.caches.Close(), s.tables.Close())
}
