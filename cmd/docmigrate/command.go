package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/docmigrate"
	"github.com/influxdata/docmigrate/bolt"
	"github.com/influxdata/docmigrate/kit/cli"
	"github.com/influxdata/docmigrate/kv"
	"github.com/influxdata/docmigrate/logger"
	"github.com/influxdata/docmigrate/migration"
	"github.com/influxdata/docmigrate/mongo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	storeBolt  = "bolt"
	storeMongo = "mongo"
)

// options are shared by every subcommand.
type options struct {
	store        string
	boltPath     string
	mongoURL     string
	mongoTimeout time.Duration
	collection   string
	ledger       string
	definitions  string
	workers      int
	batchSize    int
	staleAfter   time.Duration
	logLevel     zapcore.Level
	logFormat    string

	clock clock.Clock
}

func (o *options) opts() []cli.Opt {
	return []cli.Opt{
		{
			DestP:      &o.store,
			Flag:       "store",
			Default:    storeBolt,
			Desc:       "document store holding the collection and the ledger, bolt or mongo",
			Persistent: true,
		},
		{
			DestP:      &o.boltPath,
			Flag:       "bolt-path",
			Default:    filepath.Join(".", "docmigrate.bolt"),
			Desc:       "path of the boltdb file when --store=bolt",
			Persistent: true,
		},
		{
			DestP:      &o.mongoURL,
			Flag:       "mongo-url",
			Default:    "mongodb://localhost:27017/docmigrate",
			Desc:       "MongoDB connection string when --store=mongo",
			Persistent: true,
		},
		{
			DestP:      &o.mongoTimeout,
			Flag:       "mongo-timeout",
			Default:    10 * time.Second,
			Desc:       "timeout for connecting to MongoDB",
			Persistent: true,
		},
		{
			DestP:      &o.collection,
			Flag:       "collection",
			Short:      'c',
			Desc:       "collection to migrate",
			Required:   true,
			Persistent: true,
		},
		{
			DestP:      &o.ledger,
			Flag:       "ledger",
			Default:    migration.DefaultLedger,
			Desc:       "collection recording applied migration versions",
			Persistent: true,
		},
		{
			DestP:      &o.definitions,
			Flag:       "definitions",
			Short:      'd',
			Desc:       "YAML file of migration definitions",
			Persistent: true,
		},
		{
			DestP:      &o.workers,
			Flag:       "workers",
			Default:    migration.DefaultWorkers,
			Desc:       "number of documents migrated concurrently",
			Persistent: true,
		},
		{
			DestP:      &o.batchSize,
			Flag:       "batch-size",
			Default:    migration.DefaultBatchSize,
			Desc:       "documents processed between two cancellation checks and heartbeats",
			Persistent: true,
		},
		{
			DestP:      &o.staleAfter,
			Flag:       "stale-after",
			Default:    migration.DefaultStaleAfter,
			Desc:       "age of the last heartbeat after which an in progress migration is reclaimed",
			Persistent: true,
		},
		{
			DestP:      &o.logLevel,
			Flag:       "log-level",
			Default:    zapcore.InfoLevel,
			Desc:       "supported log levels are debug, info, warn and error",
			Persistent: true,
		},
		{
			DestP:      &o.logFormat,
			Flag:       "log-format",
			Default:    logger.FormatAuto,
			Desc:       "log output format, auto, console, json or logfmt",
			Persistent: true,
		},
	}
}

// NewCommand returns the docmigrate root command.
func NewCommand(ctx context.Context, v *viper.Viper) (*cobra.Command, error) {
	o := &options{clock: clock.New()}
	cmd, err := cli.NewCommand(v, &cli.Program{
		Name: "docmigrate",
		Opts: o.opts(),
	})
	if err != nil {
		return nil, err
	}
	cmd.Short = "Apply versioned migrations to the documents of a collection"
	cmd.Long = `docmigrate applies migration definitions to every document of a collection.

Each migration version is applied at most once per collection. Applied
versions are recorded in a ledger collection kept in the same store, so
several processes may run the same definitions concurrently.`

	run, err := newRunCommand(ctx, v, o)
	if err != nil {
		return nil, err
	}
	cmd.AddCommand(
		run,
		newStatusCommand(ctx, o),
		newPendingCommand(ctx, o),
		newReclaimCommand(ctx, o),
	)
	return cmd, nil
}

// env is what a subcommand works with once the options are resolved. Its
// context carries the logger.
type env struct {
	ctx      context.Context
	migrator *migration.Migrator
	clock    clock.Clock
	close    func() error
}

func (o *options) open(ctx context.Context, cmd *cobra.Command) (*env, error) {
	logconf := &logger.Config{
		Format: o.logFormat,
		Level:  o.logLevel,
	}
	log, err := logconf.New(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	store, closeFn, err := o.openStore(ctx, log)
	if err != nil {
		return nil, err
	}

	m, err := migration.NewMigrator(log.With(zap.String("service", "migrator")), store, migration.Config{
		Collection: o.collection,
		Ledger:     o.ledger,
		BatchSize:  o.batchSize,
		Workers:    o.workers,
		StaleAfter: o.staleAfter,
	}, migration.WithClock(o.clock))
	if err != nil {
		_ = closeFn()
		return nil, err
	}

	if o.definitions != "" {
		if err := loadDefinitions(m, o.definitions); err != nil {
			_ = closeFn()
			return nil, err
		}
	}

	return &env{
		ctx:      logger.NewContextWithLogger(ctx, log),
		migrator: m,
		clock:    o.clock,
		close:    closeFn,
	}, nil
}

func (o *options) openStore(ctx context.Context, log *zap.Logger) (docmigrate.Store, func() error, error) {
	switch o.store {
	case storeBolt:
		kvStore := bolt.NewKVStore(log.With(zap.String("service", "kvstore-bolt")), o.boltPath)
		if err := kvStore.Open(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to open bolt DB: %w", err)
		}
		return kv.NewService(log.With(zap.String("service", "kv")), kvStore), kvStore.Close, nil
	case storeMongo:
		s, err := mongo.Dial(log.With(zap.String("service", "mongo")), o.mongoURL, o.mongoTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q, expected %s or %s", o.store, storeBolt, storeMongo)
	}
}

func loadDefinitions(m *migration.Migrator, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open definitions: %w", err)
	}
	defer f.Close()

	if err := m.LoadDefinitions(f); err != nil {
		return fmt.Errorf("failed to load definitions %s: %w", path, err)
	}
	return nil
}
