package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/influxdata/docmigrate"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

type failureDoc struct {
	ID     string `bson:"id"`
	Reason string `bson:"reason"`
}

type entryDoc struct {
	Version         string       `bson:"_id"`
	Description     string       `bson:"description"`
	Status          string       `bson:"status"`
	Token           string       `bson:"token"`
	StartedAt       time.Time    `bson:"started_at"`
	HeartbeatAt     time.Time    `bson:"heartbeat_at"`
	AppliedAt       *time.Time   `bson:"applied_at,omitempty"`
	Processed       int          `bson:"processed"`
	Reason          string       `bson:"reason,omitempty"`
	FailedDocuments []failureDoc `bson:"failed_documents,omitempty"`
}

func newEntryDoc(e *docmigrate.LedgerEntry) *entryDoc {
	d := &entryDoc{
		Version:     e.Version,
		Description: e.Description,
		Status:      string(e.Status),
		Token:       e.Token,
		StartedAt:   e.StartedAt,
		HeartbeatAt: e.HeartbeatAt,
		AppliedAt:   e.AppliedAt,
		Processed:   e.Processed,
		Reason:      e.Reason,
	}
	for _, f := range e.FailedDocuments {
		d.FailedDocuments = append(d.FailedDocuments, failureDoc{ID: f.ID, Reason: f.Reason})
	}
	return d
}

func (d *entryDoc) entry() *docmigrate.LedgerEntry {
	e := &docmigrate.LedgerEntry{
		Version:     d.Version,
		Description: d.Description,
		Status:      docmigrate.Status(d.Status),
		Token:       d.Token,
		StartedAt:   d.StartedAt.UTC(),
		HeartbeatAt: d.HeartbeatAt.UTC(),
		Processed:   d.Processed,
		Reason:      d.Reason,
	}
	if d.AppliedAt != nil {
		t := d.AppliedAt.UTC()
		e.AppliedAt = &t
	}
	for _, f := range d.FailedDocuments {
		e.FailedDocuments = append(e.FailedDocuments, docmigrate.DocumentFailure{ID: f.ID, Reason: f.Reason})
	}
	return e
}

// InsertEntry inserts entry unless the ledger holds its version already.
func (s *Store) InsertEntry(ctx context.Context, ledger string, entry *docmigrate.LedgerEntry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c, done := s.collection(ledger)
	defer done()

	err := c.Insert(newEntryDoc(entry))
	if mgo.IsDup(err) {
		return false, nil
	}
	if err != nil {
		return false, docmigrate.NewStorageError(OpPrefix+"InsertEntry", err)
	}
	return true, nil
}

// UpdateEntry replaces the entry for entry.Version when the stored entry
// matches cond. The match and the write are a single filtered update.
func (s *Store) UpdateEntry(ctx context.Context, ledger string, entry *docmigrate.LedgerEntry, cond docmigrate.Precondition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c, done := s.collection(ledger)
	defer done()

	err := c.Update(bson.M{
		"_id":    entry.Version,
		"status": string(cond.Status),
		"token":  cond.Token,
	}, newEntryDoc(entry))
	if err == mgo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, docmigrate.NewStorageError(OpPrefix+"UpdateEntry", err)
	}
	return true, nil
}

// GetEntry returns the entry for version.
func (s *Store) GetEntry(ctx context.Context, ledger, version string) (*docmigrate.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, done := s.collection(ledger)
	defer done()

	var d entryDoc
	err := c.FindId(version).One(&d)
	if err == mgo.ErrNotFound {
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
	return d.entry(), nil
}

// ListEntries returns every entry of the ledger in version order.
func (s *Store) ListEntries(ctx context.Context, ledger string) ([]*docmigrate.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, done := s.collection(ledger)
	defer done()

	var docs []entryDoc
	if err := c.Find(nil).Sort("_id").All(&docs); err != nil {
		return nil, docmigrate.NewStorageError(OpPrefix+"ListEntries", err)
	}

	var entries []*docmigrate.LedgerEntry
	for i := range docs {
		entries = append(entries, docs[i].entry())
	}
	return entries, nil
}
