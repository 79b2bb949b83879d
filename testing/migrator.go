package testing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/influxdata/docmigrate"
	"github.com/influxdata/docmigrate/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testCollection = "people"
	testStaleAfter = 10 * time.Minute
)

type migratorFixture struct {
	store    docmigrate.Store
	clock    *clock.Mock
	migrator *migration.Migrator
}

func newMigratorFixture(t *testing.T, store docmigrate.Store, config migration.Config) *migratorFixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	config.Collection = testCollection
	if config.StaleAfter == 0 {
		config.StaleAfter = testStaleAfter
	}
	m, err := migration.NewMigrator(zaptest.NewLogger(t), store, config, migration.WithClock(clk))
	require.NoError(t, err)

	return &migratorFixture{store: store, clock: clk, migrator: m}
}

func (f *migratorFixture) define(t *testing.T, version string, build func(*migration.StepBuilder) *migration.StepBuilder) {
	t.Helper()
	step, err := f.migrator.DefineMigration(version, "migration "+version)
	require.NoError(t, err)
	_, err = build(step).SaveChanges()
	require.NoError(t, err)
}

// Migrator tests the migration workflow against a docmigrate.Store
// implementation.
func Migrator(t *testing.T, init StoreInitFunc) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s docmigrate.Store)
	}{
		{name: "rename runs once", fn: migratorRenameRunsOnce},
		{name: "add property keeps existing values", fn: migratorAddPropertyDefault},
		{name: "rename conflict fails only the conflicting document", fn: migratorRenameConflict},
		{name: "pending follows registration order", fn: migratorPending},
		{name: "concurrent begin has a single owner", fn: migratorExclusiveBegin},
		{name: "stale entries are reclaimed", fn: migratorReclaimStale},
		{name: "workers migrate every document", fn: migratorWorkers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, done := init(t)
			defer done()
			tt.fn(t, s)
		})
	}
}

func migratorRenameRunsOnce(t *testing.T, s docmigrate.Store) {
	ctx := context.Background()
	f := newMigratorFixture(t, s, migration.Config{})
	mustPut(t, s, testCollection, map[string]docmigrate.Document{
		"1": {"OldName": "x"},
		"2": {"NewName": "y"},
	})
	f.define(t, "v1", func(b *migration.StepBuilder) *migration.StepBuilder {
		return b.UpdatePropertyName("OldName", "NewName")
	})

	summaries, err := f.migrator.RunAll(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.False(t, summaries[0].Skipped)
	assert.Equal(t, 2, summaries[0].Processed)
	assert.Equal(t, 1, summaries[0].Changed)

	want := map[string]docmigrate.Document{
		"1": {"NewName": "x"},
		"2": {"NewName": "y"},
	}
	if diff := cmp.Diff(want, collect(t, s, testCollection)); diff != "" {
		t.Fatalf("documents mismatch (-want +got):\n%s", diff)
	}

	status, err := f.migrator.Status(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, docmigrate.StatusCompleted, status)

	before, err := f.migrator.Ledger().Entry(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 2, before.Processed)
	require.NotNil(t, before.AppliedAt)

	f.clock.Add(time.Hour)
	summary, err := f.migrator.Run(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Zero(t, summary.Processed)

	after, err := f.migrator.Ledger().Entry(ctx, "v1")
	require.NoError(t, err)
	if diff := cmp.Diff(before, after, timeComparer); diff != "" {
		t.Errorf("ledger entry changed on re-run (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(want, collect(t, s, testCollection)); diff != "" {
		t.Errorf("documents changed on re-run (-want +got):\n%s", diff)
	}
}

func migratorAddPropertyDefault(t *testing.T, s docmigrate.Store) {
	ctx := context.Background()
	f := newMigratorFixture(t, s, migration.Config{})
	mustPut(t, s, testCollection, map[string]docmigrate.Document{
		"3": {"Active": true},
		"4": {"Name": "Existing"},
	})
	f.define(t, "v1", func(b *migration.StepBuilder) *migration.StepBuilder {
		return b.AddProperty("Name", "John Doe")
	})

	summary, err := f.migrator.Run(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Changed)

	want := map[string]docmigrate.Document{
		"3": {"Active": true, "Name": "John Doe"},
		"4": {"Name": "Existing"},
	}
	if diff := cmp.Diff(want, collect(t, s, testCollection)); diff != "" {
		t.Errorf("documents mismatch (-want +got):\n%s", diff)
	}
}

func migratorRenameConflict(t *testing.T, s docmigrate.Store) {
	ctx := context.Background()
	f := newMigratorFixture(t, s, migration.Config{})
	mustPut(t, s, testCollection, map[string]docmigrate.Document{
		"5": {"OldName": "a", "NewName": "b"},
		"6": {"OldName": "c"},
	})
	f.define(t, "v1", func(b *migration.StepBuilder) *migration.StepBuilder {
		return b.UpdatePropertyName("OldName", "NewName")
	})

	summary, err := f.migrator.Run(ctx, "v1")
	require.Error(t, err)

	var partial *migration.PartialFailureError
	require.True(t, errors.As(err, &partial), "expected partial failure, got %v", err)
	require.Len(t, partial.Failures, 1)
	assert.Equal(t, "5", partial.Failures[0].ID)
	assert.True(t, docmigrate.IsConflict(err))
	assert.Equal(t, 2, summary.Processed)

	want := map[string]docmigrate.Document{
		"5": {"OldName": "a", "NewName": "b"},
		"6": {"NewName": "c"},
	}
	if diff := cmp.Diff(want, collect(t, s, testCollection)); diff != "" {
		t.Fatalf("documents mismatch (-want +got):\n%s", diff)
	}

	entry, err := f.migrator.Ledger().Entry(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, docmigrate.StatusFailed, entry.Status)
	require.Len(t, entry.FailedDocuments, 1)
	assert.Equal(t, "5", entry.FailedDocuments[0].ID)

	// resolve the conflict by hand, then retry the failed version
	require.NoError(t, s.Put(ctx, testCollection, "5", docmigrate.Document{"OldName": "a"}))

	summary, err = f.migrator.Run(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Changed)

	status, err := f.migrator.Status(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, docmigrate.StatusCompleted, status)
}

func migratorPending(t *testing.T, s docmigrate.Store) {
	ctx := context.Background()
	f := newMigratorFixture(t, s, migration.Config{})
	mustPut(t, s, testCollection, map[string]docmigrate.Document{"1": {"OldName": "x"}})

	f.define(t, "v2", func(b *migration.StepBuilder) *migration.StepBuilder {
		return b.AddProperty("Active", true)
	})
	f.define(t, "v1", func(b *migration.StepBuilder) *migration.StepBuilder {
		return b.UpdatePropertyName("OldName", "NewName")
	})

	pending, err := f.migrator.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2", "v1"}, pending)

	_, err = f.migrator.Run(ctx, "v2")
	require.NoError(t, err)

	pending, err = f.migrator.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, pending)

	_, err = f.migrator.RunAll(ctx)
	require.NoError(t, err)

	pending, err = f.migrator.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func migratorExclusiveBegin(t *testing.T, s docmigrate.Store) {
	ctx := context.Background()
	f := newMigratorFixture(t, s, migration.Config{})
	ledger := f.migrator.Ledger()

	const n = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		owners int
		errs   []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Begin(ctx, "v1", "concurrent")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				owners++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, owners)
	for _, err := range errs {
		assert.True(t, docmigrate.IsInProgress(err) || docmigrate.IsAlreadyApplied(err),
			"unexpected error %v", err)
	}
}

func migratorReclaimStale(t *testing.T, s docmigrate.Store) {
	ctx := context.Background()
	f := newMigratorFixture(t, s, migration.Config{})
	mustPut(t, s, testCollection, map[string]docmigrate.Document{"1": {"OldName": "x"}})
	f.define(t, "v1", func(b *migration.StepBuilder) *migration.StepBuilder {
		return b.UpdatePropertyName("OldName", "NewName")
	})

	// an execution that never finishes
	_, err := f.migrator.Ledger().Begin(ctx, "v1", "crashed")
	require.NoError(t, err)

	_, err = f.migrator.Run(ctx, "v1")
	require.Error(t, err)
	assert.True(t, docmigrate.IsInProgress(err))

	f.clock.Add(testStaleAfter / 2)
	reclaimed, err := f.migrator.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	f.clock.Add(testStaleAfter)
	reclaimed, err = f.migrator.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, reclaimed)

	status, err := f.migrator.Status(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, docmigrate.StatusFailed, status)

	_, err = f.migrator.Run(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, map[string]docmigrate.Document{"1": {"NewName": "x"}}, collect(t, s, testCollection))
}

func migratorWorkers(t *testing.T, s docmigrate.Store) {
	ctx := context.Background()
	f := newMigratorFixture(t, s, migration.Config{Workers: 4, BatchSize: 3})

	docs := map[string]docmigrate.Document{}
	want := map[string]docmigrate.Document{}
	for _, id := range []string{"01", "02", "03", "04", "05", "06", "07", "08", "09", "10", "11"} {
		docs[id] = docmigrate.Document{"OldName": id}
		want[id] = docmigrate.Document{"NewName": id, "Active": true}
	}
	mustPut(t, s, testCollection, docs)

	f.define(t, "v1", func(b *migration.StepBuilder) *migration.StepBuilder {
		return b.UpdatePropertyName("OldName", "NewName").AddProperty("Active", true)
	})

	summary, err := f.migrator.Run(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, len(docs), summary.Processed)
	assert.Equal(t, len(docs), summary.Changed)

	if diff := cmp.Diff(want, collect(t, s, testCollection)); diff != "" {
		t.Errorf("documents mismatch (-want +got):\n%s", diff)
	}

	entry, err := f.migrator.Ledger().Entry(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, len(docs), entry.Processed)
}
