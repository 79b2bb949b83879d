package testing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/influxdata/docmigrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreInitFunc returns a fresh, empty store and a function releasing it.
type StoreInitFunc func(t *testing.T) (docmigrate.Store, func())

var timeComparer = cmp.Comparer(func(a, b time.Time) bool {
	return a.Equal(b)
})

// DocumentStore tests a docmigrate.DocumentStore implementation.
func DocumentStore(t *testing.T, init StoreInitFunc) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s docmigrate.DocumentStore)
	}{
		{name: "scan of a missing collection yields nothing", fn: scanMissingCollection},
		{name: "scan yields every document once", fn: scanEveryDocument},
		{name: "put replaces a document", fn: putReplaces},
		{name: "scan stops on callback error", fn: scanStops},
		{name: "collections are isolated", fn: collectionsIsolated},
		{name: "put during scan", fn: putDuringScan},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, done := init(t)
			defer done()
			tt.fn(t, s)
		})
	}
}

func collect(t *testing.T, s docmigrate.DocumentStore, collection string) map[string]docmigrate.Document {
	t.Helper()
	docs := map[string]docmigrate.Document{}
	err := s.Scan(context.Background(), collection, func(id string, doc docmigrate.Document, err error) error {
		require.NoError(t, err)
		_, dup := docs[id]
		require.False(t, dup, "document %q scanned twice", id)
		docs[id] = doc
		return nil
	})
	require.NoError(t, err)
	return docs
}

func mustPut(t *testing.T, s docmigrate.DocumentStore, collection string, docs map[string]docmigrate.Document) {
	t.Helper()
	for id, doc := range docs {
		require.NoError(t, s.Put(context.Background(), collection, id, doc))
	}
}

func scanMissingCollection(t *testing.T, s docmigrate.DocumentStore) {
	assert.Empty(t, collect(t, s, "missing"))
}

func scanEveryDocument(t *testing.T, s docmigrate.DocumentStore) {
	want := map[string]docmigrate.Document{}
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		want[id] = docmigrate.Document{"Key": id, "Active": true}
	}
	mustPut(t, s, "people", want)

	got := collect(t, s, "people")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("scanned documents mismatch (-want +got):\n%s", diff)
	}
}

func putReplaces(t *testing.T, s docmigrate.DocumentStore) {
	mustPut(t, s, "people", map[string]docmigrate.Document{
		"1": {"OldName": "Jane"},
	})
	mustPut(t, s, "people", map[string]docmigrate.Document{
		"1": {"NewName": "Jane"},
	})

	want := map[string]docmigrate.Document{
		"1": {"NewName": "Jane"},
	}
	if diff := cmp.Diff(want, collect(t, s, "people")); diff != "" {
		t.Errorf("documents mismatch (-want +got):\n%s", diff)
	}
}

func scanStops(t *testing.T, s docmigrate.DocumentStore) {
	mustPut(t, s, "people", map[string]docmigrate.Document{
		"1": {"Name": "a"},
		"2": {"Name": "b"},
		"3": {"Name": "c"},
	})

	stop := errors.New("stop")
	var calls int
	err := s.Scan(context.Background(), "people", func(id string, doc docmigrate.Document, err error) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func collectionsIsolated(t *testing.T, s docmigrate.DocumentStore) {
	mustPut(t, s, "people", map[string]docmigrate.Document{"1": {"Name": "a"}})
	mustPut(t, s, "pets", map[string]docmigrate.Document{"1": {"Name": "rex"}, "2": {"Name": "tom"}})

	assert.Len(t, collect(t, s, "people"), 1)
	assert.Len(t, collect(t, s, "pets"), 2)
}

func putDuringScan(t *testing.T, s docmigrate.DocumentStore) {
	docs := map[string]docmigrate.Document{}
	for _, id := range []string{"1", "2", "3", "4"} {
		docs[id] = docmigrate.Document{"OldName": "x" + id}
	}
	mustPut(t, s, "people", docs)

	ctx := context.Background()
	err := s.Scan(ctx, "people", func(id string, doc docmigrate.Document, err error) error {
		require.NoError(t, err)
		return s.Put(ctx, "people", id, docmigrate.Document{"NewName": doc["OldName"]})
	})
	require.NoError(t, err)

	for id, doc := range collect(t, s, "people") {
		assert.Equal(t, docmigrate.Document{"NewName": "x" + id}, doc)
	}
}

// LedgerStore tests a docmigrate.LedgerStore implementation.
func LedgerStore(t *testing.T, init StoreInitFunc) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s docmigrate.LedgerStore)
	}{
		{name: "get of a missing entry is not found", fn: getMissingEntry},
		{name: "insert is insert-if-absent", fn: insertIfAbsent},
		{name: "update is conditional", fn: updateConditional},
		{name: "list returns every entry", fn: listEntries},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, done := init(t)
			defer done()
			tt.fn(t, s)
		})
	}
}

const testLedger = "ledger"

func entry(version string, status docmigrate.Status, token string) *docmigrate.LedgerEntry {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &docmigrate.LedgerEntry{
		Version:     version,
		Description: "migration " + version,
		Status:      status,
		Token:       token,
		StartedAt:   at,
		HeartbeatAt: at,
	}
}

func getMissingEntry(t *testing.T, s docmigrate.LedgerStore) {
	_, err := s.GetEntry(context.Background(), testLedger, "v1")
	require.Error(t, err)
	assert.True(t, docmigrate.IsNotFound(err), "expected not found, got %v", err)
}

func insertIfAbsent(t *testing.T, s docmigrate.LedgerStore) {
	ctx := context.Background()
	first := entry("v1", docmigrate.StatusInProgress, "t1")

	ok, err := s.InsertEntry(ctx, testLedger, first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertEntry(ctx, testLedger, entry("v1", docmigrate.StatusInProgress, "t2"))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetEntry(ctx, testLedger, "v1")
	require.NoError(t, err)
	if diff := cmp.Diff(first, got, timeComparer); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
}

func updateConditional(t *testing.T, s docmigrate.LedgerStore) {
	ctx := context.Background()
	_, err := s.InsertEntry(ctx, testLedger, entry("v1", docmigrate.StatusInProgress, "t1"))
	require.NoError(t, err)

	applied := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	done := entry("v1", docmigrate.StatusCompleted, "t1")
	done.AppliedAt = &applied
	done.Processed = 2

	ok, err := s.UpdateEntry(ctx, testLedger, done, docmigrate.Precondition{
		Status: docmigrate.StatusInProgress,
		Token:  "other",
	})
	require.NoError(t, err)
	assert.False(t, ok, "token mismatch must not update")

	ok, err = s.UpdateEntry(ctx, testLedger, done, docmigrate.Precondition{
		Status: docmigrate.StatusFailed,
		Token:  "t1",
	})
	require.NoError(t, err)
	assert.False(t, ok, "status mismatch must not update")

	ok, err = s.UpdateEntry(ctx, testLedger, done, docmigrate.Precondition{
		Status: docmigrate.StatusInProgress,
		Token:  "t1",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetEntry(ctx, testLedger, "v1")
	require.NoError(t, err)
	if diff := cmp.Diff(done, got, timeComparer); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}

	ok, err = s.UpdateEntry(ctx, testLedger, entry("v2", docmigrate.StatusFailed, "t9"), docmigrate.Precondition{
		Status: docmigrate.StatusInProgress,
		Token:  "t9",
	})
	require.NoError(t, err)
	assert.False(t, ok, "missing entry must not be created")
}

func listEntries(t *testing.T, s docmigrate.LedgerStore) {
	ctx := context.Background()
	entries, err := s.ListEntries(ctx, testLedger)
	require.NoError(t, err)
	assert.Empty(t, entries)

	failed := entry("v2", docmigrate.StatusFailed, "t2")
	failed.Reason = "1 of 2 documents failed"
	failed.FailedDocuments = []docmigrate.DocumentFailure{{ID: "7", Reason: "conflict"}}
	want := []*docmigrate.LedgerEntry{
		entry("v1", docmigrate.StatusInProgress, "t1"),
		failed,
	}
	for _, e := range want {
		ok, err := s.InsertEntry(ctx, testLedger, e)
		require.NoError(t, err)
		require.True(t, ok)
	}

	entries, err = s.ListEntries(ctx, testLedger)
	require.NoError(t, err)
	if diff := cmp.Diff(want, entries, timeComparer); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}
