package docmigrate

import (
	"time"
)

// Status is the state of a migration version in the ledger.
type Status string

const (
	// StatusNotApplied is reported for a version without a ledger entry.
	// It is never stored.
	StatusNotApplied Status = "not_applied"
	// StatusInProgress marks a version owned by a running execution.
	StatusInProgress Status = "in_progress"
	// StatusCompleted marks a version applied to every document. It is terminal.
	StatusCompleted Status = "completed"
	// StatusFailed marks a version whose last attempt did not finish cleanly.
	// A failed version may be attempted again.
	StatusFailed Status = "failed"
)

// String returns a string representation for a status.
func (s Status) String() string {
	if s == "" {
		return string(StatusNotApplied)
	}
	return string(s)
}

// DocumentFailure records why a single document could not be migrated.
type DocumentFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// LedgerEntry is the persisted record of one migration version.
type LedgerEntry struct {
	Version     string     `json:"version"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Token       string     `json:"token"`
	StartedAt   time.Time  `json:"started_at"`
	HeartbeatAt time.Time  `json:"heartbeat_at"`
	AppliedAt   *time.Time `json:"applied_at,omitempty"`
	Processed   int        `json:"processed"`
	Reason      string     `json:"reason,omitempty"`

	FailedDocuments []DocumentFailure `json:"failed_documents,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e *LedgerEntry) Clone() *LedgerEntry {
	c := *e
	if e.AppliedAt != nil {
		t := *e.AppliedAt
		c.AppliedAt = &t
	}
	if e.FailedDocuments != nil {
		c.FailedDocuments = make([]DocumentFailure, len(e.FailedDocuments))
		copy(c.FailedDocuments, e.FailedDocuments)
	}
	return &c
}

// Precondition guards a conditional ledger update: the stored entry must
// currently have Status and Token.
type Precondition struct {
	Status Status
	Token  string
}

// Matches reports whether the stored entry satisfies the precondition.
func (p Precondition) Matches(e *LedgerEntry) bool {
	return e != nil && e.Status == p.Status && e.Token == p.Token
}
