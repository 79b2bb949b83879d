package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/docmigrate"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultStaleAfter is how long an in progress entry may go without a
// heartbeat before ReclaimStale fails it.
const DefaultStaleAfter = 10 * time.Minute

// Config configures a Migrator.
type Config struct {
	// Collection is the document collection migrated.
	Collection string
	// Ledger is the name of the ledger collection. Defaults to DefaultLedger.
	Ledger     string
	BatchSize  int
	Workers    int
	StaleAfter time.Duration
}

// Migration describes a registered step and its ledger state.
type Migration struct {
	Version     string
	Description string
	Operations  int
	Status      docmigrate.Status
	// Entry is nil when the ledger has no record of the version.
	Entry *docmigrate.LedgerEntry
}

// Migrator holds the registered migration steps of a collection and runs
// them through an Engine.
type Migrator struct {
	logger *zap.Logger
	config Config

	ledger *Ledger
	engine *Engine

	mu    sync.RWMutex
	steps []*docmigrate.MigrationStep
	index map[string]*docmigrate.MigrationStep

	builder *Builder
}

// Option configures optional Migrator collaborators.
type Option func(*Migrator)

// WithClock sets the clock used for ledger timestamps and staleness.
func WithClock(c clock.Clock) Option {
	return func(m *Migrator) {
		m.ledger.clock = c
	}
}

// NewMigrator constructs a Migrator over store.
func NewMigrator(logger *zap.Logger, store docmigrate.Store, config Config, opts ...Option) (*Migrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Collection == "" {
		return nil, &docmigrate.Error{
			Code: docmigrate.EInvalid,
			Op:   "migration/NewMigrator",
			Msg:  "collection is required",
		}
	}
	if config.Ledger == "" {
		config.Ledger = DefaultLedger
	}
	if config.Ledger == config.Collection {
		return nil, &docmigrate.Error{
			Code: docmigrate.EInvalid,
			Op:   "migration/NewMigrator",
			Msg:  fmt.Sprintf("ledger %q must differ from the migrated collection", config.Ledger),
		}
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}

	ledger := NewLedger(logger.With(zap.String("ledger", config.Ledger)), store, config.Ledger)
	m := &Migrator{
		logger: logger,
		config: config,
		ledger: ledger,
		engine: NewEngine(logger, store, ledger, EngineConfig{
			BatchSize: config.BatchSize,
			Workers:   config.Workers,
		}),
		index: map[string]*docmigrate.MigrationStep{},
	}
	m.builder = NewBuilder(m)

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Register appends step to the migrations run by RunAll. Versions are unique.
func (m *Migrator) Register(step *docmigrate.MigrationStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.index[step.Version()]; ok {
		return &docmigrate.Error{
			Code: docmigrate.EConflict,
			Op:   "migration/Register",
			Msg:  fmt.Sprintf("migration %q is already registered", step.Version()),
		}
	}
	m.steps = append(m.steps, step)
	m.index[step.Version()] = step
	return nil
}

// Builder returns the builder registering its saved steps on m.
func (m *Migrator) Builder() *Builder {
	return m.builder
}

// DefineMigration opens a new step on the migrator's builder.
func (m *Migrator) DefineMigration(version, description string) (*StepBuilder, error) {
	return m.builder.CreateMigration(version, description)
}

// Steps returns the registered steps in registration order.
func (m *Migrator) Steps() []*docmigrate.MigrationStep {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps := make([]*docmigrate.MigrationStep, len(m.steps))
	copy(steps, m.steps)
	return steps
}

// Ledger returns the ledger recording the migrator's versions.
func (m *Migrator) Ledger() *Ledger {
	return m.ledger
}

func (m *Migrator) versions() []string {
	steps := m.Steps()
	versions := make([]string, 0, len(steps))
	for _, s := range steps {
		versions = append(versions, s.Version())
	}
	return versions
}

// ListPending returns the registered versions that have not completed, in
// registration order.
func (m *Migrator) ListPending(ctx context.Context) ([]string, error) {
	return m.ledger.Pending(ctx, m.versions())
}

// List returns every registered migration with its ledger state, followed
// by ledger entries of versions that are no longer registered.
func (m *Migrator) List(ctx context.Context) ([]Migration, error) {
	entries, err := m.ledger.Entries(ctx)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[string]*docmigrate.LedgerEntry, len(entries))
	for _, e := range entries {
		byVersion[e.Version] = e
	}

	var migrations []Migration
	for _, s := range m.Steps() {
		mig := Migration{
			Version:     s.Version(),
			Description: s.Description(),
			Operations:  len(s.Operations()),
			Status:      docmigrate.StatusNotApplied,
		}
		if e, ok := byVersion[s.Version()]; ok {
			mig.Status = e.Status
			mig.Entry = e
			delete(byVersion, s.Version())
		}
		migrations = append(migrations, mig)
	}

	for _, e := range entries {
		if _, ok := byVersion[e.Version]; !ok {
			continue
		}
		migrations = append(migrations, Migration{
			Version:     e.Version,
			Description: e.Description,
			Status:      e.Status,
			Entry:       e,
		})
	}
	return migrations, nil
}

// Status returns the ledger status of version.
func (m *Migrator) Status(ctx context.Context, version string) (docmigrate.Status, error) {
	return m.ledger.Status(ctx, version)
}

// Run executes the registered step version.
func (m *Migrator) Run(ctx context.Context, version string) (*Summary, error) {
	m.mu.RLock()
	step, ok := m.index[version]
	m.mu.RUnlock()
	if !ok {
		return nil, &docmigrate.Error{
			Code: docmigrate.ENotFound,
			Op:   "migration/Run",
			Msg:  fmt.Sprintf("migration %q is not registered", version),
		}
	}
	return m.engine.Execute(ctx, step, m.config.Collection)
}

// RunAll executes every registered step in registration order. Completed
// versions are skipped. It stops at the first error and returns the
// summaries of the steps executed so far.
func (m *Migrator) RunAll(ctx context.Context) ([]*Summary, error) {
	steps := m.Steps()

	pending, err := m.ledger.Pending(ctx, m.versions())
	if err != nil {
		return nil, fmt.Errorf("run all: %w", err)
	}
	if len(pending) > 0 {
		m.logger.Info("Bringing up document migrations",
			zap.String("collection", m.config.Collection),
			zap.Int("migration_count", len(pending)))
	}

	summaries := make([]*Summary, 0, len(steps))
	for _, step := range steps {
		summary, err := m.engine.Execute(ctx, step, m.config.Collection)
		if summary != nil {
			summaries = append(summaries, summary)
		}
		if err != nil {
			return summaries, fmt.Errorf("run all: %w", err)
		}
	}
	return summaries, nil
}

// ReclaimStale fails in progress versions whose last heartbeat is older
// than the configured StaleAfter.
func (m *Migrator) ReclaimStale(ctx context.Context) ([]string, error) {
	return m.ledger.ReclaimStale(ctx, m.config.StaleAfter)
}

// PrometheusCollectors returns the migrator's engine metrics.
func (m *Migrator) PrometheusCollectors() []prometheus.Collector {
	return m.engine.Metrics().PrometheusCollectors()
}
