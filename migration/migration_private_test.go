package migration

import (
	"github.com/benbjohnson/clock"
)

// LedgerSetClock sets the clock on the ledger.
// This function is only reachable via tests defined within this
// package folder.
func LedgerSetClock(ledger *Ledger, c clock.Clock) {
	ledger.clock = c
}

// LedgerSetTokenGenerator replaces the generator of ownership tokens.
func LedgerSetTokenGenerator(ledger *Ledger, gen func() string) {
	ledger.newToken = gen
}
