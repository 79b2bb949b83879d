package docmigrate

import (
	"context"
)

// ScanFunc is called for every document of a collection. err is non-nil when
// the stored document could not be decoded; doc is nil in that case.
// Returning a non-nil error stops the scan and is returned by Scan.
type ScanFunc func(id string, doc Document, err error) error

// DocumentStore gives access to the documents being migrated.
type DocumentStore interface {
	// Scan walks every document of collection in identifier order. The
	// store does not hold a read transaction open while fn runs, so fn may
	// call Put on the same collection.
	Scan(ctx context.Context, collection string, fn ScanFunc) error
	// Put replaces the document stored under id.
	Put(ctx context.Context, collection, id string, doc Document) error
}

// LedgerStore persists ledger entries keyed by version. Both write methods
// must be atomic with respect to every other writer of the same ledger,
// including other processes.
type LedgerStore interface {
	// InsertEntry stores entry unless an entry for the same version exists.
	// It reports whether the entry was inserted.
	InsertEntry(ctx context.Context, ledger string, entry *LedgerEntry) (bool, error)
	// UpdateEntry replaces the entry for entry.Version if the stored entry
	// matches cond. It reports whether the entry was replaced.
	UpdateEntry(ctx context.Context, ledger string, entry *LedgerEntry, cond Precondition) (bool, error)
	// GetEntry returns the entry for version or ErrEntryNotFound.
	GetEntry(ctx context.Context, ledger, version string) (*LedgerEntry, error)
	// ListEntries returns every entry ordered by version.
	ListEntries(ctx context.Context, ledger string) ([]*LedgerEntry, error)
}

// Store is a backend holding both documents and the ledger.
type Store interface {
	DocumentStore
	LedgerStore
}
