package kv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/influxdata/docmigrate"
)

// InsertEntry stores entry if the ledger has no entry for its version.
// The read and the write share one update transaction.
func (s *Service) InsertEntry(ctx context.Context, ledger string, entry *docmigrate.LedgerEntry) (bool, error) {
	op := OpPrefix + "InsertEntry"
	data, err := json.Marshal(entry)
	if err != nil {
		return false, &docmigrate.Error{Code: docmigrate.EInternal, Op: op, Err: err}
	}

	var inserted bool
	err = s.kv.Update(ctx, func(tx Tx) error {
		b, err := tx.Bucket([]byte(ledger))
		if err != nil {
			return err
		}

		key := []byte(entry.Version)
		if _, err := b.Get(key); err == nil {
			return nil
		} else if err != ErrKeyNotFound {
			return err
		}

		if err := b.Put(key, data); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, docmigrate.NewStorageError(op, err)
	}
	return inserted, nil
}

// UpdateEntry replaces the entry for entry.Version when the stored entry
// matches cond.
func (s *Service) UpdateEntry(ctx context.Context, ledger string, entry *docmigrate.LedgerEntry, cond docmigrate.Precondition) (bool, error) {
	op := OpPrefix + "UpdateEntry"
	data, err := json.Marshal(entry)
	if err != nil {
		return false, &docmigrate.Error{Code: docmigrate.EInternal, Op: op, Err: err}
	}

	var updated bool
	err = s.kv.Update(ctx, func(tx Tx) error {
		b, err := tx.Bucket([]byte(ledger))
		if err != nil {
			return err
		}

		key := []byte(entry.Version)
		v, err := b.Get(key)
		if err == ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		current, err := decodeEntry(v)
		if err != nil {
			return err
		}
		if !cond.Matches(current) {
			return nil
		}

		if err := b.Put(key, data); err != nil {
			return err
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, docmigrate.NewStorageError(op, err)
	}
	return updated, nil
}

// GetEntry returns the entry for version.
func (s *Service) GetEntry(ctx context.Context, ledger, version string) (*docmigrate.LedgerEntry, error) {
	var entry *docmigrate.LedgerEntry
	err := s.kv.View(ctx, func(tx Tx) error {
		b, err := tx.Bucket([]byte(ledger))
		if err != nil {
			return err
		}
		v, err := b.Get([]byte(version))
		if err != nil {
			return err
		}
		entry, err = decodeEntry(v)
		return err
	})
	if err == ErrKeyNotFound || err == ErrBucketNotFound {
		return nil, &docmigrate.Error{
			Code: docmigrate.ENotFound,
			Op:   OpPrefix + "GetEntry",
			Msg:  fmt.Sprintf("ledger entry %q not found", version),
			Err:  docmigrate.ErrEntryNotFound,
		}
	}
	if err != nil {
		return nil, docmigrate.NewStorageError(OpPrefix+"GetEntry", err)
	}
	return entry, nil
}

// ListEntries returns every entry of the ledger in version key order.
func (s *Service) ListEntries(ctx context.Context, ledger string) ([]*docmigrate.LedgerEntry, error) {
	var entries []*docmigrate.LedgerEntry
	err := s.kv.View(ctx, func(tx Tx) error {
		b, err := tx.Bucket([]byte(ledger))
		if err == ErrBucketNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		cur, err := b.Cursor()
		if err != nil {
			return err
		}

		return WalkCursor(ctx, cur, func(k, v []byte) (bool, error) {
			entry, err := decodeEntry(v)
			if err != nil {
				return false, fmt.Errorf("decoding ledger entry %q: %w", k, err)
			}
			entries = append(entries, entry)
			return true, nil
		})
	})
	if err != nil {
		return nil, docmigrate.NewStorageError(OpPrefix+"ListEntries", err)
	}
	return entries, nil
}

func decodeEntry(v []byte) (*docmigrate.LedgerEntry, error) {
	var entry docmigrate.LedgerEntry
	if err := json.Unmarshal(v, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
