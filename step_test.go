package docmigrate_test

import (
	"testing"

	"github.com/influxdata/docmigrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMigrationStep(t *testing.T) {
	t.Run("requires a version", func(t *testing.T) {
		_, err := docmigrate.NewMigrationStep("", "desc", docmigrate.AddProperty{Name: "a"})
		assert.Equal(t, docmigrate.EInvalid, docmigrate.ErrorCode(err))
	})

	t.Run("requires operations", func(t *testing.T) {
		_, err := docmigrate.NewMigrationStep("v1", "desc")
		assert.Equal(t, docmigrate.EEmptyMigration, docmigrate.ErrorCode(err))
	})

	t.Run("rejects invalid operations", func(t *testing.T) {
		_, err := docmigrate.NewMigrationStep("v1", "desc", docmigrate.RenameProperty{OldName: "a", NewName: "a"})
		assert.Equal(t, docmigrate.EInvalid, docmigrate.ErrorCode(err))
	})

	t.Run("copies operations", func(t *testing.T) {
		ops := []docmigrate.Operation{docmigrate.AddProperty{Name: "a", Value: 1}}
		step, err := docmigrate.NewMigrationStep("v1", "desc", ops...)
		require.NoError(t, err)

		ops[0] = docmigrate.AddProperty{Name: "b", Value: 2}
		got := step.Operations()
		assert.Equal(t, docmigrate.AddProperty{Name: "a", Value: 1}, got[0])

		got[0] = docmigrate.AddProperty{Name: "c"}
		assert.Equal(t, docmigrate.AddProperty{Name: "a", Value: 1}, step.Operations()[0])
		assert.Equal(t, "v1", step.Version())
		assert.Equal(t, "desc", step.Description())
	})
}

func TestMigrationStep_Apply(t *testing.T) {
	step, err := docmigrate.NewMigrationStep("v1.0", "Initial migration",
		docmigrate.AddProperty{Name: "Name", Value: "John Doe"},
		docmigrate.RenameProperty{OldName: "Name", NewName: "FullName"},
	)
	require.NoError(t, err)

	t.Run("operations apply in declaration order", func(t *testing.T) {
		got, changed, err := step.Apply(docmigrate.Document{"id": 1})
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, docmigrate.Document{"id": 1, "FullName": "John Doe"}, got)
	})

	t.Run("conflict leaves the document unmodified", func(t *testing.T) {
		doc := docmigrate.Document{"FullName": "a"}
		got, changed, err := step.Apply(doc)
		assert.True(t, docmigrate.IsConflict(err))
		assert.False(t, changed)
		assert.Equal(t, docmigrate.Document{"FullName": "a"}, got)
	})
}
