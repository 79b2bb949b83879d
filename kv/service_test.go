package kv_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/influxdata/docmigrate"
	"github.com/influxdata/docmigrate/inmem"
	"github.com/influxdata/docmigrate/kv"
	docmigratetesting "github.com/influxdata/docmigrate/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockStore struct {
	err error
}

func (s mockStore) View(context.Context, func(kv.Tx) error) error {
	return s.err
}

func (s mockStore) Update(context.Context, func(kv.Tx) error) error {
	return s.err
}

func TestNewService(t *testing.T) {
	s := kv.NewService(zaptest.NewLogger(t), mockStore{})

	if s.Config.PageSize != kv.DefaultPageSize {
		t.Errorf("Service page size should use default size when not set")
	}

	config := kv.ServiceConfig{
		PageSize: 10,
	}

	s = kv.NewService(zaptest.NewLogger(t), mockStore{}, config)

	if s.Config != config {
		t.Errorf("Service config not set by constructor")
	}
}

func initInmemService(t *testing.T) (docmigrate.Store, func()) {
	return kv.NewService(zaptest.NewLogger(t), inmem.NewKVStore(), kv.ServiceConfig{PageSize: 3}), func() {}
}

func TestService_DocumentStore(t *testing.T) {
	docmigratetesting.DocumentStore(t, initInmemService)
}

func TestService_LedgerStore(t *testing.T) {
	docmigratetesting.LedgerStore(t, initInmemService)
}

func TestService_StorageErrors(t *testing.T) {
	ctx := context.Background()
	s := kv.NewService(zaptest.NewLogger(t), mockStore{err: errors.New("io error")})

	err := s.Scan(ctx, "people", func(string, docmigrate.Document, error) error { return nil })
	assert.True(t, docmigrate.IsStorage(err), "scan: %v", err)

	err = s.Put(ctx, "people", "1", docmigrate.Document{"Name": "x"})
	assert.True(t, docmigrate.IsStorage(err), "put: %v", err)

	_, err = s.InsertEntry(ctx, "ledger", &docmigrate.LedgerEntry{Version: "v1"})
	assert.True(t, docmigrate.IsStorage(err), "insert: %v", err)

	_, err = s.GetEntry(ctx, "ledger", "v1")
	assert.True(t, docmigrate.IsStorage(err), "get: %v", err)
}

func TestService_ScanCanceled(t *testing.T) {
	s := kv.NewService(zaptest.NewLogger(t), inmem.NewKVStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Scan(ctx, "people", func(string, docmigrate.Document, error) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestService_ScanMalformed(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewKVStore()
	s := kv.NewService(zaptest.NewLogger(t), store)

	require.NoError(t, store.Update(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket([]byte("people"))
		if err != nil {
			return err
		}
		if err := b.Put([]byte("1"), []byte(`{"Age":42}`)); err != nil {
			return err
		}
		return b.Put([]byte("2"), []byte(`[1,2`))
	}))

	var (
		docs = map[string]docmigrate.Document{}
		errs = map[string]error{}
	)
	require.NoError(t, s.Scan(ctx, "people", func(id string, doc docmigrate.Document, err error) error {
		if err != nil {
			errs[id] = err
			return nil
		}
		docs[id] = doc
		return nil
	}))

	assert.Equal(t, map[string]docmigrate.Document{"1": {"Age": json.Number("42")}}, docs)
	require.Contains(t, errs, "2")
	assert.Equal(t, docmigrate.EInvalid, docmigrate.ErrorCode(errs["2"]))

	// numbers are written back unchanged
	require.NoError(t, s.Put(ctx, "people", "1", docs["1"]))
	require.NoError(t, store.View(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket([]byte("people"))
		if err != nil {
			return err
		}
		v, err := b.Get([]byte("1"))
		if err != nil {
			return err
		}
		assert.JSONEq(t, `{"Age":42}`, string(v))
		return nil
	}))
}

func TestService_GetNotFound(t *testing.T) {
	s := kv.NewService(zaptest.NewLogger(t), inmem.NewKVStore())
	_, err := s.Get(context.Background(), "people", "1")
	assert.True(t, docmigrate.IsNotFound(err))
}
