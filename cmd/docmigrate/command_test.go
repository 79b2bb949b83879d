package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/influxdata/docmigrate"
	"github.com/influxdata/docmigrate/bolt"
	"github.com/influxdata/docmigrate/kv"
	"github.com/influxdata/docmigrate/migration"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const definitions = `version: v1.0
description: Initial migration
operations:
  - add_property: {name: Name, value: John Doe}
---
version: v1.1
description: Rename OldName
operations:
  - rename_property: {from: OldName, to: NewName}
`

type cliFixture struct {
	dir      string
	boltPath string
	defsPath string
}

func newCLIFixture(t *testing.T, docs map[string]docmigrate.Document) *cliFixture {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DOCMIGRATE_CONFIG_PATH", dir)

	f := &cliFixture{
		dir:      dir,
		boltPath: filepath.Join(dir, "docs.bolt"),
		defsPath: filepath.Join(dir, "migrations.yaml"),
	}
	require.NoError(t, os.WriteFile(f.defsPath, []byte(definitions), 0o600))

	ctx := context.Background()
	store := bolt.NewKVStore(zaptest.NewLogger(t), f.boltPath, bolt.WithNoSync)
	require.NoError(t, store.Open(ctx))
	svc := kv.NewService(zaptest.NewLogger(t), store)
	for id, doc := range docs {
		require.NoError(t, svc.Put(ctx, "people", id, doc))
	}
	require.NoError(t, store.Close())
	return f
}

func (f *cliFixture) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd, err := NewCommand(context.Background(), viper.New())
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args,
		"--bolt-path", f.boltPath,
		"--collection", "people",
		"--definitions", f.defsPath,
		"--log-format", "logfmt",
	))
	err = cmd.Execute()
	return stdout.String(), err
}

// claim records version as in progress, the way another process running
// it would.
func (f *cliFixture) claim(t *testing.T, version string) {
	t.Helper()
	ctx := context.Background()
	store := bolt.NewKVStore(zaptest.NewLogger(t), f.boltPath, bolt.WithNoSync)
	require.NoError(t, store.Open(ctx))
	defer store.Close()

	ledger := migration.NewLedger(zaptest.NewLogger(t), kv.NewService(zaptest.NewLogger(t), store), migration.DefaultLedger)
	_, err := ledger.Begin(ctx, version, "other process")
	require.NoError(t, err)
}

func (f *cliFixture) documents(t *testing.T) map[string]docmigrate.Document {
	t.Helper()
	ctx := context.Background()
	store := bolt.NewKVStore(zaptest.NewLogger(t), f.boltPath)
	require.NoError(t, store.Open(ctx))
	defer store.Close()

	got := map[string]docmigrate.Document{}
	err := kv.NewService(zaptest.NewLogger(t), store).Scan(ctx, "people", func(id string, doc docmigrate.Document, err error) error {
		require.NoError(t, err)
		got[id] = doc
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestCommand_Run(t *testing.T) {
	f := newCLIFixture(t, map[string]docmigrate.Document{
		"1": {"OldName": "a"},
		"2": {"NewName": "b", "Name": "Jane"},
	})

	out, err := f.execute(t, "pending")
	require.NoError(t, err)
	assert.Equal(t, "v1.0\nv1.1\n", out)

	out, err = f.execute(t, "run")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"v1.0", "completed", "2", "1", "0"}, strings.Fields(lines[1])[:5])
	assert.Equal(t, []string{"v1.1", "completed", "2", "1", "0"}, strings.Fields(lines[2])[:5])

	assert.Equal(t, map[string]docmigrate.Document{
		"1": {"NewName": "a", "Name": "John Doe"},
		"2": {"NewName": "b", "Name": "Jane"},
	}, f.documents(t))

	out, err = f.execute(t, "run", "v1.1")
	require.NoError(t, err)
	assert.Contains(t, out, "skipped")

	out, err = f.execute(t, "pending")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = f.execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "Rename OldName")
}

func TestCommand_RunFailure(t *testing.T) {
	f := newCLIFixture(t, map[string]docmigrate.Document{
		"1": {"OldName": "a", "NewName": "b"},
		"2": {"OldName": "c"},
	})

	out, err := f.execute(t, "run", "v1.1")
	require.Error(t, err)
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "v1.1: document 1:")

	out, err = f.execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "v1.1 failed: 1 of 2 documents failed")
	assert.Contains(t, out, "  document 1:")
}

func TestCommand_Errors(t *testing.T) {
	f := newCLIFixture(t, nil)

	_, err := f.execute(t, "run", "v9")
	require.Error(t, err)
	assert.Equal(t, docmigrate.ENotFound, docmigrate.ErrorCode(err))

	_, err = f.execute(t, "run", "v9", "--retry-attempts", "1")
	require.Error(t, err)
	assert.Equal(t, docmigrate.ENotFound, docmigrate.ErrorCode(err))

	_, err = f.execute(t, "status", "--store", "sqlite")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store "sqlite"`)
}

func TestCommand_RunInProgressElsewhere(t *testing.T) {
	f := newCLIFixture(t, map[string]docmigrate.Document{"1": {"OldName": "a"}})
	f.claim(t, "v1.1")

	for _, attempts := range []string{"1", "2"} {
		t.Run("attempts "+attempts, func(t *testing.T) {
			out, err := f.execute(t, "run", "v1.1", "--retry-attempts", attempts, "--retry-delay", "1ms")
			require.Error(t, err)
			assert.True(t, docmigrate.IsInProgress(err), "got %v", err)

			lines := strings.Split(strings.TrimSpace(out), "\n")
			require.Len(t, lines, 2)
			assert.Equal(t, []string{"v1.1", migration.LabelInProgress, "0", "0", "0"}, strings.Fields(lines[1])[:5])
		})
	}

	assert.Equal(t, map[string]docmigrate.Document{"1": {"OldName": "a"}}, f.documents(t))
}

func TestCommand_Reclaim(t *testing.T) {
	f := newCLIFixture(t, nil)

	out, err := f.execute(t, "reclaim")
	require.NoError(t, err)
	assert.Empty(t, out)
}
