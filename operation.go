package docmigrate

import (
	"fmt"
)

// Operation is a single declarative edit of one document.
//
// Apply never mutates its input. It returns the edited copy and whether
// anything changed; an unchanged document is returned as is. Applying an
// operation to its own output is always a no-op, so a document that was
// already migrated can be processed again safely.
type Operation interface {
	Apply(doc Document) (Document, bool, error)
	Validate() error
	fmt.Stringer
}

// AddProperty sets Name to Value on documents that lack the field.
// Existing values are never overwritten.
type AddProperty struct {
	Name  string
	Value interface{}
}

var _ Operation = AddProperty{}

// Validate checks that the field name is set.
func (o AddProperty) Validate() error {
	if o.Name == "" {
		return &Error{
			Code: EInvalid,
			Op:   "AddProperty",
			Msg:  "property name is required",
		}
	}
	return nil
}

// Apply adds the property when it is absent.
func (o AddProperty) Apply(doc Document) (Document, bool, error) {
	if doc.Has(o.Name) {
		return doc, false, nil
	}
	out := doc.Clone()
	if out == nil {
		out = Document{}
	}
	out[o.Name] = o.Value
	return out, true, nil
}

func (o AddProperty) String() string {
	return fmt.Sprintf("add property %q = %v", o.Name, o.Value)
}

// RenameProperty moves the value of OldName to NewName.
type RenameProperty struct {
	OldName string
	NewName string
}

var _ Operation = RenameProperty{}

// Validate checks that both names are set and differ.
func (o RenameProperty) Validate() error {
	if o.OldName == "" || o.NewName == "" {
		return &Error{
			Code: EInvalid,
			Op:   "RenameProperty",
			Msg:  "old and new property names are required",
		}
	}
	if o.OldName == o.NewName {
		return &Error{
			Code: EInvalid,
			Op:   "RenameProperty",
			Msg:  fmt.Sprintf("cannot rename property %q to itself", o.OldName),
		}
	}
	return nil
}

// Apply renames the property. A document without OldName is left alone; a
// document carrying both names is a conflict and is left alone as well.
func (o RenameProperty) Apply(doc Document) (Document, bool, error) {
	if !doc.Has(o.OldName) {
		return doc, false, nil
	}
	if doc.Has(o.NewName) {
		return doc, false, ConflictError("RenameProperty",
			"cannot rename %q to %q: both properties are present", o.OldName, o.NewName)
	}
	out := doc.Clone()
	out[o.NewName] = out[o.OldName]
	delete(out, o.OldName)
	return out, true, nil
}

func (o RenameProperty) String() string {
	return fmt.Sprintf("rename property %q to %q", o.OldName, o.NewName)
}
