package migration_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/influxdata/docmigrate"
	"github.com/influxdata/docmigrate/bolt"
	"github.com/influxdata/docmigrate/inmem"
	"github.com/influxdata/docmigrate/kv"
	docmigratetesting "github.com/influxdata/docmigrate/testing"
	"go.uber.org/zap/zaptest"
)

func initInmemStore(t *testing.T) (docmigrate.Store, func()) {
	return kv.NewService(zaptest.NewLogger(t), inmem.NewKVStore(), kv.ServiceConfig{PageSize: 2}), func() {}
}

func initBoltStore(t *testing.T) (docmigrate.Store, func()) {
	path := filepath.Join(t.TempDir(), "docmigrate.bolt")
	s := bolt.NewKVStore(zaptest.NewLogger(t), path, bolt.WithNoSync)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("failed to open bolt store: %v", err)
	}

	return kv.NewService(zaptest.NewLogger(t), s, kv.ServiceConfig{PageSize: 2}), func() {
		s.Close()
		os.Remove(path)
	}
}

func Test_Inmem_Migrator(t *testing.T) {
	docmigratetesting.Migrator(t, initInmemStore)
}

func Test_Bolt_Migrator(t *testing.T) {
	docmigratetesting.Migrator(t, initBoltStore)
}
