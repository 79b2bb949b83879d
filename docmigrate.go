// Package docmigrate applies versioned, declarative field edits to every
// document of a schema-less collection.
//
// A migration is a MigrationStep: a version, a description and an ordered
// list of Operations. The migration package walks a collection through a
// DocumentStore, applies the step to each document and records the outcome
// in a version ledger kept by a LedgerStore. The ledger's conditional writes
// are the only mutual exclusion between processes attempting the same
// version.
package docmigrate
