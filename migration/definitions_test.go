package migration_test

import (
	"context"
	"strings"
	"testing"

	"github.com/influxdata/docmigrate"
	"github.com/influxdata/docmigrate/inmem"
	"github.com/influxdata/docmigrate/kv"
	"github.com/influxdata/docmigrate/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const definitions = `
version: v1.0
description: Initial migration
operations:
  - add_property: {name: Name, value: John Doe}
  - rename_property: {from: OldName, to: NewName}
---
version: v1.1
description: Flag accounts
operations:
  - add_property:
      name: Flags
      value: {active: true}
`

func newTestMigrator(t *testing.T) (*migration.Migrator, *kv.Service) {
	t.Helper()
	svc := kv.NewService(zaptest.NewLogger(t), inmem.NewKVStore())
	m, err := migration.NewMigrator(zaptest.NewLogger(t), svc, migration.Config{Collection: collection})
	require.NoError(t, err)
	return m, svc
}

func TestLoadDefinitions(t *testing.T) {
	m, _ := newTestMigrator(t)
	require.NoError(t, m.LoadDefinitions(strings.NewReader(definitions)))

	steps := m.Steps()
	require.Len(t, steps, 2)

	assert.Equal(t, "v1.0", steps[0].Version())
	assert.Equal(t, "Initial migration", steps[0].Description())
	assert.Equal(t, []docmigrate.Operation{
		docmigrate.AddProperty{Name: "Name", Value: "John Doe"},
		docmigrate.RenameProperty{OldName: "OldName", NewName: "NewName"},
	}, steps[0].Operations())

	assert.Equal(t, "v1.1", steps[1].Version())
	assert.Equal(t, []docmigrate.Operation{
		docmigrate.AddProperty{Name: "Flags", Value: map[string]interface{}{"active": true}},
	}, steps[1].Operations())
}

func TestLoadDefinitions_Errors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantCode string
	}{
		{
			name:     "unknown field",
			input:    "version: v1\nops: []\n",
			wantCode: docmigrate.EInvalid,
		},
		{
			name:     "no operations",
			input:    "version: v1\ndescription: empty\n",
			wantCode: docmigrate.EEmptyMigration,
		},
		{
			name:     "empty operation",
			input:    "version: v1\noperations:\n  - {}\n",
			wantCode: docmigrate.EInvalid,
		},
		{
			name:     "two operations in one entry",
			input:    "version: v1\noperations:\n  - add_property: {name: a, value: 1}\n    rename_property: {from: b, to: c}\n",
			wantCode: docmigrate.EInvalid,
		},
		{
			name:     "rename onto itself",
			input:    "version: v1\noperations:\n  - rename_property: {from: a, to: a}\n",
			wantCode: docmigrate.EInvalid,
		},
		{
			name:     "duplicate version",
			input:    "version: v1\noperations:\n  - add_property: {name: a, value: 1}\n---\nversion: v1\noperations:\n  - add_property: {name: b, value: 2}\n",
			wantCode: docmigrate.EConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMigrator(t)
			err := m.LoadDefinitions(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, docmigrate.ErrorCode(err))

			// the builder is left unopened
			_, err = m.DefineMigration("next", "")
			assert.NoError(t, err)
		})
	}
}

func TestLoadDefinitions_DiscardsRejectedStep(t *testing.T) {
	m, _ := newTestMigrator(t)
	input := "version: v1\noperations:\n  - add_property: {name: a, value: 1}\n  - {}\n"

	err := m.LoadDefinitions(strings.NewReader(input))
	assert.Equal(t, docmigrate.EInvalid, docmigrate.ErrorCode(err))
	assert.Empty(t, m.Steps())
}

func TestMigrator_RunLoadedDefinitions(t *testing.T) {
	ctx := context.Background()
	m, svc := newTestMigrator(t)
	require.NoError(t, m.LoadDefinitions(strings.NewReader(definitions)))
	require.NoError(t, svc.Put(ctx, collection, "1", docmigrate.Document{"OldName": "Jane"}))

	summaries, err := m.RunAll(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	doc, err := svc.Get(ctx, collection, "1")
	require.NoError(t, err)
	assert.Equal(t, docmigrate.Document{
		"Name":    "John Doe",
		"NewName": "Jane",
		"Flags":   map[string]interface{}{"active": true},
	}, doc)
}

func TestMigrator_Errors(t *testing.T) {
	_, err := migration.NewMigrator(nil, nil, migration.Config{})
	assert.Equal(t, docmigrate.EInvalid, docmigrate.ErrorCode(err))

	_, err = migration.NewMigrator(nil, nil, migration.Config{Collection: "a", Ledger: "a"})
	assert.Equal(t, docmigrate.EInvalid, docmigrate.ErrorCode(err))

	m, _ := newTestMigrator(t)
	_, err = m.Run(context.Background(), "missing")
	assert.Equal(t, docmigrate.ENotFound, docmigrate.ErrorCode(err))
}
