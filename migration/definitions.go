package migration

import (
	"errors"
	"fmt"
	"io"

	"github.com/influxdata/docmigrate"
	"gopkg.in/yaml.v3"
)

// Definition is the file form of a migration step.
//
//	version: v1.0
//	description: Initial migration
//	operations:
//	  - add_property: {name: Name, value: John Doe}
//	  - rename_property: {from: OldName, to: NewName}
type Definition struct {
	Version     string                `yaml:"version"`
	Description string                `yaml:"description"`
	Operations  []OperationDefinition `yaml:"operations"`
}

// OperationDefinition holds exactly one operation.
type OperationDefinition struct {
	AddProperty    *AddPropertyDefinition    `yaml:"add_property,omitempty"`
	RenameProperty *RenamePropertyDefinition `yaml:"rename_property,omitempty"`
}

// AddPropertyDefinition sets Name to Value on documents lacking it.
type AddPropertyDefinition struct {
	Name  string      `yaml:"name"`
	Value interface{} `yaml:"value"`
}

// RenamePropertyDefinition moves the value of From to To.
type RenamePropertyDefinition struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

func (d OperationDefinition) operation() (docmigrate.Operation, error) {
	switch {
	case d.AddProperty != nil && d.RenameProperty != nil:
		return nil, errors.New("operation must hold exactly one of add_property, rename_property")
	case d.AddProperty != nil:
		return docmigrate.AddProperty{Name: d.AddProperty.Name, Value: d.AddProperty.Value}, nil
	case d.RenameProperty != nil:
		return docmigrate.RenameProperty{OldName: d.RenameProperty.From, NewName: d.RenameProperty.To}, nil
	default:
		return nil, errors.New("operation must hold one of add_property, rename_property")
	}
}

// DecodeDefinitions reads a stream of YAML documents, one Definition each.
func DecodeDefinitions(r io.Reader) ([]Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var defs []Definition
	for {
		var d Definition
		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			return defs, nil
		}
		if err != nil {
			return nil, &docmigrate.Error{
				Code: docmigrate.EInvalid,
				Op:   "migration/DecodeDefinitions",
				Msg:  fmt.Sprintf("definition %d", len(defs)+1),
				Err:  err,
			}
		}
		defs = append(defs, d)
	}
}

// Define builds each definition through b, in order. It stops at the first
// definition that fails validation or registration.
func Define(b *Builder, defs []Definition) error {
	for _, d := range defs {
		step, err := b.CreateMigration(d.Version, d.Description)
		if err != nil {
			return err
		}
		for i, od := range d.Operations {
			op, err := od.operation()
			if err != nil {
				step.err = &docmigrate.Error{
					Code: docmigrate.EInvalid,
					Op:   "migration/Define",
					Msg:  fmt.Sprintf("migration %q operation %d", d.Version, i+1),
					Err:  err,
				}
				// closes the step without registering it
				_, err = step.SaveChanges()
				return err
			}
			step.Operation(op)
		}
		if _, err := step.SaveChanges(); err != nil {
			return err
		}
	}
	return nil
}

// LoadDefinitions decodes the definitions in r and registers them on m.
func (m *Migrator) LoadDefinitions(r io.Reader) error {
	defs, err := DecodeDefinitions(r)
	if err != nil {
		return err
	}
	return Define(m.builder, defs)
}
