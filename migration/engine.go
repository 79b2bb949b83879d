package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/influxdata/docmigrate"
	"github.com/influxdata/docmigrate/kit/tracing"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize is the number of documents processed between two
	// cancellation checks and ledger heartbeats.
	DefaultBatchSize = 100
	// DefaultWorkers processes documents sequentially.
	DefaultWorkers = 1
)

// Summary describes the outcome of one execution of a migration step.
type Summary struct {
	Version string
	// Skipped is set when the version had already completed and nothing was done.
	Skipped bool
	// Result is one of the Label* run results.
	Result    string
	Processed int
	Changed   int
	Failures  []docmigrate.DocumentFailure
	Duration  time.Duration
}

// PartialFailureError is returned when some documents of a collection could
// not be migrated. The version is recorded as failed; running it again
// processes the whole collection, including the documents listed here.
type PartialFailureError struct {
	Version  string
	Failures []docmigrate.DocumentFailure

	err error
}

func (e *PartialFailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed for %d document(s)", e.Version, len(e.Failures))
	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s (%s)", f.ID, f.Reason)
	}
	return b.String()
}

// Unwrap returns the per-document errors combined with multierr.
func (e *PartialFailureError) Unwrap() error {
	return e.err
}

// Errors returns the individual per-document errors.
func (e *PartialFailureError) Errors() []error {
	return multierr.Errors(e.err)
}

// EngineConfig tunes how an Engine walks a collection.
type EngineConfig struct {
	// BatchSize is the number of documents between two cancellation checks
	// and ledger heartbeats.
	BatchSize int
	// Workers is the number of goroutines applying the step. Operations are
	// idempotent per document, so documents may be processed in any order.
	Workers int
}

// Engine executes migration steps against a collection.
type Engine struct {
	log     *zap.Logger
	docs    docmigrate.DocumentStore
	ledger  *Ledger
	metrics *EngineMetrics
	config  EngineConfig
}

// NewEngine returns an engine reading and writing documents through docs and
// recording versions in ledger.
func NewEngine(log *zap.Logger, docs docmigrate.DocumentStore, ledger *Ledger, config EngineConfig) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	return &Engine{
		log:     log,
		docs:    docs,
		ledger:  ledger,
		metrics: NewEngineMetrics(),
		config:  config,
	}
}

// Metrics returns the engine's prometheus metrics.
func (e *Engine) Metrics() *EngineMetrics {
	return e.metrics
}

// Execute applies step to every document of collection, at most once per
// version across all processes sharing the ledger.
//
// A version that already completed returns a skipped summary and no error.
// A version owned by another execution returns an in progress error, which
// is retryable. Per-document failures do not stop the scan: every document
// is attempted, then the version is recorded as failed and a
// *PartialFailureError lists the documents. Cancelling ctx stops between
// batches and leaves the version in progress until it is reclaimed.
func (e *Engine) Execute(ctx context.Context, step *docmigrate.MigrationStep, collection string) (*Summary, error) {
	span, ctx := tracing.StartSpanFromContext(ctx)
	defer span.Finish()
	span.SetTag("migration_version", step.Version())
	span.SetTag("collection", collection)

	summary, err := e.execute(ctx, step, collection)
	span.SetTag("processed", summary.Processed)
	return summary, tracing.LogError(span, err)
}

func (e *Engine) execute(ctx context.Context, step *docmigrate.MigrationStep, collection string) (*Summary, error) {
	const op = "migration/Execute"
	version := step.Version()
	log := e.log.With(zap.String("migration_version", version), zap.String("collection", collection))
	start := e.ledger.clock.Now()
	summary := &Summary{Version: version}

	token, err := e.ledger.Begin(ctx, version, step.Description())
	switch {
	case docmigrate.IsAlreadyApplied(err):
		log.Debug("Migration already applied")
		summary.Skipped = true
		e.observe(summary, LabelSkipped, start)
		return summary, nil
	case docmigrate.IsInProgress(err):
		log.Info("Migration is in progress elsewhere", zap.Error(err))
		e.observe(summary, LabelInProgress, start)
		return summary, err
	case err != nil:
		e.observe(summary, LabelError, start)
		return summary, err
	}

	log.Info("Executing migration",
		zap.String("description", step.Description()),
		zap.Int("operation_count", len(step.Operations())))

	x := &execution{}
	aborted, scanErr := e.scan(ctx, log, step, collection, token, x)
	x.fill(summary)

	switch {
	case scanErr != nil && ctx.Err() != nil && errors.Is(scanErr, ctx.Err()):
		log.Warn("Migration interrupted, ledger entry left in progress",
			zap.Int("processed", summary.Processed), zap.Error(scanErr))
		e.observe(summary, LabelInterrupted, start)
		return summary, scanErr
	case aborted != nil:
		log.Error("Migration aborted", zap.Int("processed", summary.Processed), zap.Error(aborted))
		e.observe(summary, LabelError, start)
		return summary, aborted
	case scanErr != nil:
		reason := fmt.Sprintf("scanning collection %q: %v", collection, scanErr)
		log.Error("Migration failed", zap.Int("processed", summary.Processed), zap.Error(scanErr))
		e.observe(summary, LabelFailed, start)
		if err := e.ledger.Fail(ctx, token, summary.Processed, reason, summary.Failures); err != nil {
			return summary, err
		}
		return summary, docmigrate.NewStorageError(op, scanErr)
	}

	if len(summary.Failures) > 0 {
		reason := fmt.Sprintf("%d of %d documents failed", len(summary.Failures), summary.Processed)
		log.Error("Migration failed",
			zap.Int("processed", summary.Processed),
			zap.Int("failed", len(summary.Failures)))
		e.observe(summary, LabelFailed, start)
		if err := e.ledger.Fail(ctx, token, summary.Processed, reason, summary.Failures); err != nil {
			return summary, err
		}
		return summary, &PartialFailureError{
			Version:  version,
			Failures: summary.Failures,
			err:      x.errs,
		}
	}

	if err := e.ledger.Complete(ctx, token, summary.Processed); err != nil {
		log.Error("Unable to record completed migration", zap.Error(err))
		e.observe(summary, LabelError, start)
		return summary, err
	}

	e.observe(summary, LabelCompleted, start)
	log.Info("Migration completed",
		zap.Int("processed", summary.Processed),
		zap.Int("changed", summary.Changed),
		zap.Duration("took", summary.Duration))
	return summary, nil
}

func (e *Engine) observe(s *Summary, result string, start time.Time) {
	s.Duration = e.ledger.clock.Since(start)
	s.Result = result
	e.metrics.Runs.WithLabelValues(s.Version, result).Inc()
	e.metrics.Duration.WithLabelValues(s.Version, result).Observe(s.Duration.Seconds())
}

type scanned struct {
	id  string
	doc docmigrate.Document
	err error
}

// scan walks the collection. aborted is set when a batch boundary stopped
// the scan because the ledger entry could not be refreshed; err is the
// error returned by the scan itself.
func (e *Engine) scan(ctx context.Context, log *zap.Logger, step *docmigrate.MigrationStep, collection string, token Token, x *execution) (aborted error, err error) {
	var dispatched int
	boundary := func() error {
		dispatched++
		if dispatched%e.config.BatchSize != 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.ledger.Heartbeat(ctx, token, x.count()); err != nil {
			aborted = err
			return err
		}
		return nil
	}

	if e.config.Workers <= 1 {
		err = e.docs.Scan(ctx, collection, func(id string, doc docmigrate.Document, err error) error {
			e.process(ctx, log, step, collection, x, scanned{id: id, doc: doc, err: err})
			return boundary()
		})
		return aborted, err
	}

	g, gctx := errgroup.WithContext(ctx)
	items := make(chan scanned, e.config.BatchSize)

	for i := 0; i < e.config.Workers; i++ {
		g.Go(func() error {
			for it := range items {
				e.process(gctx, log, step, collection, x, it)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(items)
		return e.docs.Scan(gctx, collection, func(id string, doc docmigrate.Document, err error) error {
			select {
			case items <- scanned{id: id, doc: doc, err: err}:
			case <-gctx.Done():
				return gctx.Err()
			}
			return boundary()
		})
	})

	err = g.Wait()
	return aborted, err
}

// process applies step to a single document and writes it back when it
// changed. Failures are recorded on x and never returned.
func (e *Engine) process(ctx context.Context, log *zap.Logger, step *docmigrate.MigrationStep, collection string, x *execution, it scanned) {
	version := step.Version()
	fail := func(err error) {
		log.Warn("Unable to migrate document", zap.String("document_id", it.id), zap.Error(err))
		e.metrics.Documents.WithLabelValues(version, LabelFailed).Inc()
		x.fail(it.id, err)
	}

	if it.err != nil {
		fail(it.err)
		return
	}

	out, changed, err := step.Apply(it.doc)
	if err != nil {
		fail(err)
		return
	}

	if changed {
		if err := e.docs.Put(ctx, collection, it.id, out); err != nil {
			fail(docmigrate.NewStorageError("migration/Put", err))
			return
		}
		e.metrics.Documents.WithLabelValues(version, LabelChanged).Inc()
	} else {
		e.metrics.Documents.WithLabelValues(version, LabelUnchanged).Inc()
	}
	x.done(changed)
}

// execution accumulates the progress of one Execute call.
type execution struct {
	mu        sync.Mutex
	processed int
	changed   int
	failures  []docmigrate.DocumentFailure
	errs      error
}

func (x *execution) done(changed bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.processed++
	if changed {
		x.changed++
	}
}

func (x *execution) fail(id string, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.processed++
	x.failures = append(x.failures, docmigrate.DocumentFailure{ID: id, Reason: err.Error()})
	x.errs = multierr.Append(x.errs, fmt.Errorf("document %q: %w", id, err))
}

func (x *execution) count() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.processed
}

func (x *execution) fill(s *Summary) {
	x.mu.Lock()
	defer x.mu.Unlock()
	s.Processed = x.processed
	s.Changed = x.changed
	if len(x.failures) > 0 {
		s.Failures = make([]docmigrate.DocumentFailure, len(x.failures))
		copy(s.Failures, x.failures)
	}
}
