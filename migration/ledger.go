package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/influxdata/docmigrate"
	"go.uber.org/zap"
)

// DefaultLedger is the name of the ledger collection when none is configured.
const DefaultLedger = "docmigrate_ledger"

// maxBeginAttempts bounds how often Begin retries after losing a race
// against another writer of the same version.
const maxBeginAttempts = 3

// Token identifies the execution that owns an in progress ledger entry.
type Token struct {
	Version string
	ID      string
}

// Ledger records which migration versions were applied. It holds no lock of
// its own: the insert-if-absent and compare-and-swap primitives of the
// underlying LedgerStore decide which execution owns a version.
type Ledger struct {
	log   *zap.Logger
	store docmigrate.LedgerStore
	name  string

	clock    clock.Clock
	newToken func() string
}

// NewLedger returns a ledger persisted in the named ledger collection of store.
func NewLedger(log *zap.Logger, store docmigrate.LedgerStore, name string) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	if name == "" {
		name = DefaultLedger
	}
	return &Ledger{
		log:   log,
		store: store,
		name:  name,
		clock: clock.New(),
		newToken: func() string {
			return uuid.New().String()
		},
	}
}

// Name returns the ledger collection name.
func (l *Ledger) Name() string {
	return l.name
}

func (l *Ledger) now() time.Time {
	return l.clock.Now().UTC()
}

// Has reports whether version completed.
func (l *Ledger) Has(ctx context.Context, version string) (bool, error) {
	status, err := l.Status(ctx, version)
	if err != nil {
		return false, err
	}
	return status == docmigrate.StatusCompleted, nil
}

// Status returns the ledger status of version, StatusNotApplied when the
// ledger has no entry for it.
func (l *Ledger) Status(ctx context.Context, version string) (docmigrate.Status, error) {
	entry, err := l.store.GetEntry(ctx, l.name, version)
	if docmigrate.IsNotFound(err) {
		return docmigrate.StatusNotApplied, nil
	}
	if err != nil {
		return "", err
	}
	return entry.Status, nil
}

// Entry returns the ledger entry of version.
func (l *Ledger) Entry(ctx context.Context, version string) (*docmigrate.LedgerEntry, error) {
	return l.store.GetEntry(ctx, l.name, version)
}

// Entries returns every ledger entry.
func (l *Ledger) Entries(ctx context.Context) ([]*docmigrate.LedgerEntry, error) {
	return l.store.ListEntries(ctx, l.name)
}

// Pending returns, in the order given, the versions that have not completed.
func (l *Ledger) Pending(ctx context.Context, versions []string) ([]string, error) {
	entries, err := l.store.ListEntries(ctx, l.name)
	if err != nil {
		return nil, err
	}

	completed := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Status == docmigrate.StatusCompleted {
			completed[e.Version] = true
		}
	}

	pending := []string{}
	for _, v := range versions {
		if !completed[v] {
			pending = append(pending, v)
		}
	}
	return pending, nil
}

// Begin claims version for a new execution by storing an in progress entry.
//
// It fails with an already applied error when the version completed and
// with an in progress error when another execution owns it. A failed entry
// is replaced, so failed versions can be retried.
func (l *Ledger) Begin(ctx context.Context, version, description string) (Token, error) {
	const op = "migration/Begin"
	if version == "" {
		return Token{}, &docmigrate.Error{
			Code: docmigrate.EInvalid,
			Op:   op,
			Msg:  "migration version is required",
		}
	}

	for attempt := 0; attempt < maxBeginAttempts; attempt++ {
		now := l.now()
		entry := &docmigrate.LedgerEntry{
			Version:     version,
			Description: description,
			Status:      docmigrate.StatusInProgress,
			Token:       l.newToken(),
			StartedAt:   now,
			HeartbeatAt: now,
		}

		inserted, err := l.store.InsertEntry(ctx, l.name, entry)
		if err != nil {
			return Token{}, docmigrate.NewStorageError(op, err)
		}
		if inserted {
			return Token{Version: version, ID: entry.Token}, nil
		}

		existing, err := l.store.GetEntry(ctx, l.name, version)
		if docmigrate.IsNotFound(err) {
			continue
		}
		if err != nil {
			return Token{}, docmigrate.NewStorageError(op, err)
		}

		switch existing.Status {
		case docmigrate.StatusCompleted:
			return Token{}, &docmigrate.Error{
				Code: docmigrate.EAlreadyApplied,
				Op:   op,
				Msg:  fmt.Sprintf("migration %q already applied", version),
			}
		case docmigrate.StatusFailed:
			swapped, err := l.store.UpdateEntry(ctx, l.name, entry, docmigrate.Precondition{
				Status: docmigrate.StatusFailed,
				Token:  existing.Token,
			})
			if err != nil {
				return Token{}, docmigrate.NewStorageError(op, err)
			}
			if swapped {
				l.log.Info("Retrying failed migration",
					zap.String("migration_version", version),
					zap.String("previous_reason", existing.Reason))
				return Token{Version: version, ID: entry.Token}, nil
			}
		default:
			return Token{}, inProgressError(op, existing)
		}
	}

	return Token{}, &docmigrate.Error{
		Code: docmigrate.EInProgress,
		Op:   op,
		Msg:  fmt.Sprintf("migration %q is contended by another execution", version),
	}
}

func inProgressError(op string, e *docmigrate.LedgerEntry) error {
	return &docmigrate.Error{
		Code: docmigrate.EInProgress,
		Op:   op,
		Msg: fmt.Sprintf("migration %q is in progress since %s (last heartbeat %s)",
			e.Version, e.StartedAt.Format(time.RFC3339), e.HeartbeatAt.Format(time.RFC3339)),
	}
}

// Heartbeat records progress on an owned entry. Long running executions call
// it periodically so that their entry is not reclaimed as stale.
func (l *Ledger) Heartbeat(ctx context.Context, token Token, processed int) error {
	return l.transition(ctx, "migration/Heartbeat", token, func(e *docmigrate.LedgerEntry) {
		e.HeartbeatAt = l.now()
		e.Processed = processed
	})
}

// Complete marks the owned entry completed with the final count of
// processed documents.
func (l *Ledger) Complete(ctx context.Context, token Token, processed int) error {
	return l.transition(ctx, "migration/Complete", token, func(e *docmigrate.LedgerEntry) {
		now := l.now()
		e.Processed = processed
		e.Status = docmigrate.StatusCompleted
		e.AppliedAt = &now
		e.HeartbeatAt = now
		e.Reason = ""
		e.FailedDocuments = nil
	})
}

// Fail marks the owned entry failed, keeping the reason and the documents
// that could not be migrated.
func (l *Ledger) Fail(ctx context.Context, token Token, processed int, reason string, failures []docmigrate.DocumentFailure) error {
	return l.transition(ctx, "migration/Fail", token, func(e *docmigrate.LedgerEntry) {
		e.Status = docmigrate.StatusFailed
		e.Processed = processed
		e.HeartbeatAt = l.now()
		e.Reason = reason
		e.FailedDocuments = failures
	})
}

// transition applies fn to the entry owned by token and writes it back on
// the condition that the stored entry is still in progress under token.
func (l *Ledger) transition(ctx context.Context, op string, token Token, fn func(*docmigrate.LedgerEntry)) error {
	current, err := l.store.GetEntry(ctx, l.name, token.Version)
	if docmigrate.IsNotFound(err) {
		return lostOwnership(op, token)
	}
	if err != nil {
		return docmigrate.NewStorageError(op, err)
	}

	cond := docmigrate.Precondition{Status: docmigrate.StatusInProgress, Token: token.ID}
	if !cond.Matches(current) {
		return lostOwnership(op, token)
	}

	next := current.Clone()
	fn(next)

	ok, err := l.store.UpdateEntry(ctx, l.name, next, cond)
	if err != nil {
		return docmigrate.NewStorageError(op, err)
	}
	if !ok {
		return lostOwnership(op, token)
	}
	return nil
}

func lostOwnership(op string, token Token) error {
	return &docmigrate.Error{
		Code: docmigrate.EConflict,
		Op:   op,
		Msg:  fmt.Sprintf("lost ownership of migration %q", token.Version),
	}
}

// ReclaimStale fails every in progress entry whose last heartbeat is older
// than staleAfter, so a crashed or cancelled execution does not block its
// version forever. It returns the reclaimed versions.
func (l *Ledger) ReclaimStale(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	const op = "migration/ReclaimStale"
	entries, err := l.store.ListEntries(ctx, l.name)
	if err != nil {
		return nil, docmigrate.NewStorageError(op, err)
	}

	now := l.now()
	cutoff := now.Add(-staleAfter)

	reclaimed := []string{}
	for _, e := range entries {
		if e.Status != docmigrate.StatusInProgress || !e.HeartbeatAt.Before(cutoff) {
			continue
		}

		next := e.Clone()
		next.Status = docmigrate.StatusFailed
		next.HeartbeatAt = now
		next.Reason = fmt.Sprintf("abandoned: no heartbeat since %s", e.HeartbeatAt.Format(time.RFC3339))

		ok, err := l.store.UpdateEntry(ctx, l.name, next, docmigrate.Precondition{
			Status: docmigrate.StatusInProgress,
			Token:  e.Token,
		})
		if err != nil {
			return reclaimed, docmigrate.NewStorageError(op, err)
		}
		if !ok {
			continue
		}

		l.log.Warn("Reclaimed stale migration",
			zap.String("migration_version", e.Version),
			zap.Time("last_heartbeat", e.HeartbeatAt),
			zap.Int("processed", e.Processed))
		reclaimed = append(reclaimed, e.Version)
	}

	return reclaimed, nil
}
