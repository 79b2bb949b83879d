package migration

import (
	"fmt"
	"sync"

	"github.com/influxdata/docmigrate"
)

// Registrar receives saved migration steps.
type Registrar interface {
	Register(step *docmigrate.MigrationStep) error
}

// RegistrarFunc adapts a function to a Registrar.
type RegistrarFunc func(step *docmigrate.MigrationStep) error

// Register calls f(step).
func (f RegistrarFunc) Register(step *docmigrate.MigrationStep) error {
	return f(step)
}

// Builder defines migrations with a two phase API:
//
//	step, err := b.CreateMigration("v1.0", "Initial migration")
//	if err != nil {
//		return err
//	}
//	_, err = step.
//		AddProperty("Name", "John Doe").
//		UpdatePropertyName("OldName", "NewName").
//		SaveChanges()
//
// At most one step is open per builder. CreateMigration fails while a step
// is open; nothing is committed implicitly.
type Builder struct {
	registrar Registrar

	mu   sync.Mutex
	open *StepBuilder
}

// NewBuilder returns a builder handing saved steps to r.
func NewBuilder(r Registrar) *Builder {
	return &Builder{registrar: r}
}

// CreateMigration opens a new step.
func (b *Builder) CreateMigration(version, description string) (*StepBuilder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open != nil {
		return nil, &docmigrate.Error{
			Code: docmigrate.EInvalidState,
			Op:   "migration/CreateMigration",
			Msg: fmt.Sprintf("cannot create migration %q: migration %q is still open, call SaveChanges first",
				version, b.open.version),
		}
	}

	s := &StepBuilder{
		builder:     b,
		version:     version,
		description: description,
	}
	b.open = s
	return s, nil
}

// close releases the open step if it is s.
func (b *Builder) close(s *StepBuilder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open == s {
		b.open = nil
	}
}

// StepBuilder accumulates the operations of an open step. Its methods chain;
// the first error encountered is kept and returned by SaveChanges.
type StepBuilder struct {
	builder     *Builder
	version     string
	description string

	ops   []docmigrate.Operation
	err   error
	saved bool
}

// AddProperty appends an operation adding name with value to documents
// lacking it.
func (s *StepBuilder) AddProperty(name string, value interface{}) *StepBuilder {
	return s.append(docmigrate.AddProperty{Name: name, Value: value})
}

// UpdatePropertyName appends an operation renaming oldName to newName.
func (s *StepBuilder) UpdatePropertyName(oldName, newName string) *StepBuilder {
	return s.append(docmigrate.RenameProperty{OldName: oldName, NewName: newName})
}

// Operation appends an arbitrary operation.
func (s *StepBuilder) Operation(op docmigrate.Operation) *StepBuilder {
	return s.append(op)
}

func (s *StepBuilder) append(op docmigrate.Operation) *StepBuilder {
	if s.err != nil {
		return s
	}
	if s.saved {
		s.err = s.closedError()
		return s
	}
	if err := op.Validate(); err != nil {
		s.err = err
		return s
	}
	s.ops = append(s.ops, op)
	return s
}

func (s *StepBuilder) closedError() error {
	return &docmigrate.Error{
		Code: docmigrate.EInvalidState,
		Op:   "migration/SaveChanges",
		Msg:  fmt.Sprintf("migration %q was already saved", s.version),
	}
}

// SaveChanges validates and freezes the step, hands it to the registrar and
// returns the builder to its unopened phase. The step is closed even when
// validation fails; a rejected definition is discarded, never committed.
func (s *StepBuilder) SaveChanges() (*Builder, error) {
	if s.saved {
		return s.builder, s.closedError()
	}
	s.saved = true
	defer s.builder.close(s)

	if s.err != nil {
		return s.builder, s.err
	}

	step, err := docmigrate.NewMigrationStep(s.version, s.description, s.ops...)
	if err != nil {
		return s.builder, err
	}

	if s.builder.registrar != nil {
		if err := s.builder.registrar.Register(step); err != nil {
			return s.builder, err
		}
	}
	return s.builder, nil
}
