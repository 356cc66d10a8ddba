/*
balance.go - Balance recomputation and wallet audit

PURPOSE:
  The wallet row is a cached running total; the ledger is the truth.
  ComputeBalance folds a user's entries into the totals the wallet should
  hold, and AuditWallet compares the two.

KEY INSIGHT:
  Entries carry BalanceAfter, so an audit can also find the first entry
  where the running total diverged, not just whether the final numbers
  differ.

BALANCE COMPONENTS:
  Points:      sum of PointsDelta
  Experience:  sum of ExperienceDelta
  Earned:      sum of positive PointsDelta
  Spent:       sum of negative PointsDelta, as a positive number
  Entries:     number of entries folded

AUDIT RESULT:
  OK is true when the wallet matches the recomputed totals and every
  entry's BalanceAfter matches the running sum at that entry.

SEE ALSO:
  - ledger.go: Conservation invariant
  - issuer.go: Writes BalanceAfter
*/
package generic

import (
	"fmt"
	"sort"
)

// Balance is the ledger's view of a wallet.
type Balance struct {
	Points     int64
	Experience int64
	Earned     int64
	Spent      int64
	Entries    int
}

// ComputeBalance folds entries in commit order (ID ascending).
func ComputeBalance(entries []LedgerEntry) Balance {
	var b Balance
	for _, e := range sortedByID(entries) {
		b.add(e)
	}
	return b
}

func (b *Balance) add(e LedgerEntry) {
	b.Points += e.PointsDelta
	b.Experience += e.ExperienceDelta
	if e.PointsDelta > 0 {
		b.Earned += e.PointsDelta
	} else {
		b.Spent -= e.PointsDelta
	}
	b.Entries++
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditResult struct {
	UserID   UserID
	Wallet   Wallet
	Computed Balance

	// FirstDivergence is the first entry whose BalanceAfter disagrees with
	// the running sum, or nil.
	FirstDivergence *LedgerEntry
	OK              bool
}

func (a AuditResult) String() string {
	if a.OK {
		return fmt.Sprintf("wallet %s consistent: balance=%d experience=%d entries=%d",
			a.UserID, a.Wallet.Balance, a.Wallet.Experience, a.Computed.Entries)
	}
	return fmt.Sprintf("wallet %s inconsistent: wallet balance=%d experience=%d, ledger balance=%d experience=%d",
		a.UserID, a.Wallet.Balance, a.Wallet.Experience, a.Computed.Points, a.Computed.Experience)
}

// AuditWallet checks a wallet against the user's entries. Entries of other
// users are ignored.
func AuditWallet(w Wallet, entries []LedgerEntry) AuditResult {
	res := AuditResult{UserID: w.UserID, Wallet: w}
	for _, e := range sortedByID(entries) {
		if e.UserID != w.UserID {
			continue
		}
		res.Computed.add(e)
		if res.FirstDivergence == nil && e.BalanceAfter != res.Computed.Points {
			diverged := e
			res.FirstDivergence = &diverged
		}
	}
	res.OK = res.FirstDivergence == nil &&
		res.Computed.Points == w.Balance &&
		res.Computed.Experience == w.Experience
	return res
}

func sortedByID(entries []LedgerEntry) []LedgerEntry {
	sorted := make([]LedgerEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}
