package docmigrate

// MigrationStep is an immutable, versioned and ordered batch of operations.
// Build one with NewMigrationStep or through the migration package builder.
type MigrationStep struct {
	version     string
	description string
	operations  []Operation
}

// NewMigrationStep validates and freezes a step. The operations slice is
// copied; later changes to it do not affect the step.
func NewMigrationStep(version, description string, ops ...Operation) (*MigrationStep, error) {
	if version == "" {
		return nil, &Error{
			Code: EInvalid,
			Op:   "NewMigrationStep",
			Msg:  "migration version is required",
		}
	}
	if len(ops) == 0 {
		return nil, &Error{
			Code: EEmptyMigration,
			Op:   "NewMigrationStep",
			Msg:  "migration " + version + " has no operations",
		}
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, &Error{
				Code: EInvalid,
				Op:   "NewMigrationStep",
				Msg:  "migration " + version,
				Err:  err,
			}
		}
	}

	operations := make([]Operation, len(ops))
	copy(operations, ops)

	return &MigrationStep{
		version:     version,
		description: description,
		operations:  operations,
	}, nil
}

// Version returns the ledger key of the step.
func (s *MigrationStep) Version() string {
	return s.version
}

// Description returns the human readable description of the step.
func (s *MigrationStep) Description() string {
	return s.description
}

// Operations returns a copy of the operations in application order.
func (s *MigrationStep) Operations() []Operation {
	ops := make([]Operation, len(s.operations))
	copy(ops, s.operations)
	return ops
}

// Apply runs every operation in order against doc. On error the original
// document is returned untouched.
func (s *MigrationStep) Apply(doc Document) (Document, bool, error) {
	var changed bool
	out := doc
	for _, op := range s.operations {
		next, ok, err := op.Apply(out)
		if err != nil {
			return doc, false, err
		}
		if ok {
			changed = true
			out = next
		}
	}
	return out, changed, nil
}
