package migration_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/influxdata/docmigrate"
	"github.com/influxdata/docmigrate/inmem"
	tracetest "github.com/influxdata/docmigrate/kit/tracing/testing"
	"github.com/influxdata/docmigrate/kv"
	"github.com/influxdata/docmigrate/migration"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber/jaeger-client-go"
	"go.uber.org/zap/zaptest"
)

const collection = "people"

// sliceStore serves a fixed list of documents and records writes.
type sliceStore struct {
	ids  []string
	docs map[string]docmigrate.Document

	scanErr error
	putErr  map[string]error
	// onScanned is called after the document at index i was handed over.
	onScanned func(i int)
}

func newSliceStore(docs map[string]docmigrate.Document, ids ...string) *sliceStore {
	return &sliceStore{ids: ids, docs: docs, putErr: map[string]error{}}
}

func (s *sliceStore) Scan(ctx context.Context, _ string, fn docmigrate.ScanFunc) error {
	for i, id := range s.ids {
		if err := fn(id, s.docs[id].Clone(), nil); err != nil {
			return err
		}
		if s.onScanned != nil {
			s.onScanned(i)
		}
	}
	return s.scanErr
}

func (s *sliceStore) Put(_ context.Context, _ string, id string, doc docmigrate.Document) error {
	if err := s.putErr[id]; err != nil {
		return err
	}
	s.docs[id] = doc
	return nil
}

type engineFixture struct {
	clock  *clock.Mock
	ledger *migration.Ledger
	engine *migration.Engine
}

func newEngineFixture(t *testing.T, docs docmigrate.DocumentStore, config migration.EngineConfig) *engineFixture {
	t.Helper()
	svc := kv.NewService(zaptest.NewLogger(t), inmem.NewKVStore())
	ledger := migration.NewLedger(zaptest.NewLogger(t), svc, "")

	clk := clock.NewMock()
	clk.Set(epoch)
	migration.LedgerSetClock(ledger, clk)

	return &engineFixture{
		clock:  clk,
		ledger: ledger,
		engine: migration.NewEngine(zaptest.NewLogger(t), docs, ledger, config),
	}
}

func mustStep(t *testing.T, version string, ops ...docmigrate.Operation) *docmigrate.MigrationStep {
	t.Helper()
	step, err := docmigrate.NewMigrationStep(version, "migration "+version, ops...)
	require.NoError(t, err)
	return step
}

func TestEngine_Execute(t *testing.T) {
	ctx := context.Background()
	store := newSliceStore(map[string]docmigrate.Document{
		"1": {"OldName": "x"},
		"2": {"NewName": "y"},
	}, "1", "2")
	f := newEngineFixture(t, store, migration.EngineConfig{})
	step := mustStep(t, "v1", docmigrate.RenameProperty{OldName: "OldName", NewName: "NewName"})

	summary, err := f.engine.Execute(ctx, step, collection)
	require.NoError(t, err)
	assert.Equal(t, &migration.Summary{Version: "v1", Result: migration.LabelCompleted, Processed: 2, Changed: 1}, summary)

	want := map[string]docmigrate.Document{
		"1": {"NewName": "x"},
		"2": {"NewName": "y"},
	}
	if diff := cmp.Diff(want, store.docs); diff != "" {
		t.Errorf("documents mismatch (-want +got):\n%s", diff)
	}

	summary, err = f.engine.Execute(ctx, step, collection)
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Equal(t, migration.LabelSkipped, summary.Result)

	m := f.engine.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("v1", migration.LabelCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("v1", migration.LabelSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Documents.WithLabelValues("v1", migration.LabelChanged)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Documents.WithLabelValues("v1", migration.LabelUnchanged)))
}

func TestEngine_PartialFailure(t *testing.T) {
	ctx := context.Background()
	putErr := errors.New("disk full")
	store := newSliceStore(map[string]docmigrate.Document{
		"1": {"OldName": "a", "NewName": "b"},
		"2": {"OldName": "c"},
		"3": {"OldName": "d"},
		"4": {"NewName": "e"},
	}, "1", "2", "3", "4")
	store.putErr["3"] = putErr
	f := newEngineFixture(t, store, migration.EngineConfig{})
	step := mustStep(t, "v1", docmigrate.RenameProperty{OldName: "OldName", NewName: "NewName"})

	summary, err := f.engine.Execute(ctx, step, collection)
	require.Error(t, err)
	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 1, summary.Changed)
	assert.Equal(t, migration.LabelFailed, summary.Result)

	var partial *migration.PartialFailureError
	require.True(t, errors.As(err, &partial))
	require.Len(t, partial.Failures, 2)
	assert.Equal(t, "1", partial.Failures[0].ID)
	assert.Equal(t, "3", partial.Failures[1].ID)
	assert.Len(t, partial.Errors(), 2)
	assert.True(t, docmigrate.IsConflict(partial.Errors()[0]))
	assert.True(t, docmigrate.IsStorage(partial.Errors()[1]))
	assert.ErrorIs(t, err, putErr)

	assert.Equal(t, docmigrate.Document{"OldName": "a", "NewName": "b"}, store.docs["1"])
	assert.Equal(t, docmigrate.Document{"NewName": "c"}, store.docs["2"])

	entry, err := f.ledger.Entry(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, docmigrate.StatusFailed, entry.Status)
	assert.Equal(t, 4, entry.Processed)
	assert.Equal(t, partial.Failures, entry.FailedDocuments)
}

func TestEngine_ScanError(t *testing.T) {
	ctx := context.Background()
	store := newSliceStore(map[string]docmigrate.Document{"1": {"OldName": "x"}}, "1")
	store.scanErr = errors.New("connection reset")
	f := newEngineFixture(t, store, migration.EngineConfig{})

	summary, err := f.engine.Execute(ctx, mustStep(t, "v1", docmigrate.AddProperty{Name: "Name", Value: "n"}), collection)
	require.Error(t, err)
	assert.True(t, docmigrate.IsStorage(err), "got %v", err)
	assert.Equal(t, migration.LabelFailed, summary.Result)

	status, err := f.ledger.Status(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, docmigrate.StatusFailed, status)
}

func TestEngine_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docs := map[string]docmigrate.Document{}
	ids := []string{"1", "2", "3", "4", "5", "6"}
	for _, id := range ids {
		docs[id] = docmigrate.Document{"OldName": id}
	}
	store := newSliceStore(docs, ids...)
	store.onScanned = func(i int) {
		if i == 0 {
			cancel()
		}
	}
	f := newEngineFixture(t, store, migration.EngineConfig{BatchSize: 2})

	summary, err := f.engine.Execute(ctx, mustStep(t, "v1", docmigrate.RenameProperty{OldName: "OldName", NewName: "NewName"}), collection)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, migration.LabelInterrupted, summary.Result)

	status, err := f.ledger.Status(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, docmigrate.StatusInProgress, status)

	assert.Equal(t, docmigrate.Document{"OldName": "3"}, docs["3"])
}

func TestEngine_LostOwnership(t *testing.T) {
	ctx := context.Background()
	docs := map[string]docmigrate.Document{
		"1": {"OldName": "a"},
		"2": {"OldName": "b"},
		"3": {"OldName": "c"},
	}
	store := newSliceStore(docs, "1", "2", "3")
	f := newEngineFixture(t, store, migration.EngineConfig{BatchSize: 2})
	store.onScanned = func(i int) {
		if i == 0 {
			f.clock.Add(time.Hour)
			_, err := f.ledger.ReclaimStale(ctx, time.Minute)
			require.NoError(t, err)
		}
	}

	summary, err := f.engine.Execute(ctx, mustStep(t, "v1", docmigrate.RenameProperty{OldName: "OldName", NewName: "NewName"}), collection)
	require.Error(t, err)
	assert.True(t, docmigrate.IsConflict(err), "got %v", err)
	assert.Equal(t, migration.LabelError, summary.Result)

	entry, err := f.ledger.Entry(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, docmigrate.StatusFailed, entry.Status)
	assert.Contains(t, entry.Reason, "abandoned")
	assert.Equal(t, docmigrate.Document{"OldName": "c"}, docs["3"])
}

func TestEngine_InProgressElsewhere(t *testing.T) {
	ctx := context.Background()
	store := newSliceStore(map[string]docmigrate.Document{"1": {"OldName": "a"}}, "1")
	f := newEngineFixture(t, store, migration.EngineConfig{})

	_, err := f.ledger.Begin(ctx, "v1", "other process")
	require.NoError(t, err)

	summary, err := f.engine.Execute(ctx, mustStep(t, "v1", docmigrate.AddProperty{Name: "Name", Value: "x"}), collection)
	assert.True(t, docmigrate.IsInProgress(err), "got %v", err)
	assert.Zero(t, summary.Processed)
	assert.Equal(t, migration.LabelInProgress, summary.Result)
	assert.Equal(t, docmigrate.Document{"OldName": "a"}, store.docs["1"])
}

func TestEngine_MalformedDocument(t *testing.T) {
	ctx := context.Background()
	kvStore := inmem.NewKVStore()
	svc := kv.NewService(zaptest.NewLogger(t), kvStore)

	require.NoError(t, svc.Put(ctx, collection, "1", docmigrate.Document{"OldName": "a"}))
	require.NoError(t, kvStore.Update(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket([]byte(collection))
		if err != nil {
			return err
		}
		return b.Put([]byte("2"), []byte("{not json"))
	}))

	f := newEngineFixture(t, svc, migration.EngineConfig{})
	_, err := f.engine.Execute(ctx, mustStep(t, "v1", docmigrate.RenameProperty{OldName: "OldName", NewName: "NewName"}), collection)

	var partial *migration.PartialFailureError
	require.True(t, errors.As(err, &partial), "got %v", err)
	require.Len(t, partial.Failures, 1)
	assert.Equal(t, "2", partial.Failures[0].ID)

	doc, err := svc.Get(ctx, collection, "1")
	require.NoError(t, err)
	assert.Equal(t, docmigrate.Document{"NewName": "a"}, doc)
}

func TestEngine_Tracing(t *testing.T) {
	reporter, teardown := tracetest.SetupInMemoryTracing(t.Name())
	defer teardown()

	store := newSliceStore(map[string]docmigrate.Document{"1": {"OldName": "a", "NewName": "b"}}, "1")
	f := newEngineFixture(t, store, migration.EngineConfig{})

	_, err := f.engine.Execute(context.Background(), mustStep(t, "v1", docmigrate.RenameProperty{OldName: "OldName", NewName: "NewName"}), collection)
	require.Error(t, err)

	spans := reporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0].(*jaeger.Span)
	assert.True(t, strings.HasSuffix(span.OperationName(), "(*Engine).Execute"), span.OperationName())
	assert.Equal(t, "v1", span.Tags()["migration_version"])
	assert.Equal(t, 1, span.Tags()["processed"])
	assert.Equal(t, true, span.Tags()["error"])
}
