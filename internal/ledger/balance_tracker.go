package ledger

import (
	"fmt"

	fpmath "DerivLedger/internal/math"
	"DerivLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// BalanceTracker maintains in-memory account balances.
// Balances are two's complement 256-bit values; wallet accounts are expected to go negative.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
	journal  *state.Journal
}

func NewBalanceTracker(journal *state.Journal) *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
		journal:  journal,
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.adjust(j.DebitAccount, j.Amount, true)
	bt.adjust(j.CreditAccount, j.Amount, false)
}

func (bt *BalanceTracker) adjust(key AccountKey, amount *uint256.Int, add bool) {
	prev, existed := bt.balances[key]
	next := new(uint256.Int)
	if existed {
		next.Set(prev)
	}
	if add {
		next.Add(next, amount)
	} else {
		next.Sub(next, amount)
	}
	bt.balances[key] = next

	bt.journal.Append(func() {
		if existed {
			bt.balances[key] = prev
		} else {
			delete(bt.balances, key)
		}
	})
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if v, ok := bt.balances[key]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// GetEscrowBalance returns the margin held against a derivative hash
func (bt *BalanceTracker) GetEscrowBalance(hash common.Hash, token common.Address) *uint256.Int {
	return bt.GetBalance(NewEscrowAccountKey(hash, token))
}

// GetVaultBalance returns accumulated fees for a beneficiary
func (bt *BalanceTracker) GetVaultBalance(beneficiary, token common.Address) *uint256.Int {
	return bt.GetBalance(NewVaultAccountKey(beneficiary, token))
}

// GetWalletNetFlow returns the holder's signed net flow with custody as a decimal string
func (bt *BalanceTracker) GetWalletNetFlow(holder, token common.Address) string {
	return fpmath.SignedString(bt.GetBalance(NewWalletAccountKey(holder, token)))
}

// === Invariant Checks ===

// ValidateNonNegative checks that a custody-held account balance is >= 0.
// Wallet accounts are exempt.
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if key.Scope == AccountScopeWallet {
		return nil
	}
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), fpmath.SignedString(balance))
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per token (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[common.Address]*uint256.Int {
	totals := make(map[common.Address]*uint256.Int)

	for key, balance := range bt.balances {
		total, ok := totals[key.Token]
		if !ok {
			total = new(uint256.Int)
			totals[key.Token] = total
		}
		total.Add(total, balance)
	}

	return totals
}

// CustodyHeld sums escrow and vault balances of one token; it must equal what
// the custody address actually holds on the token ledger.
func (bt *BalanceTracker) CustodyHeld(token common.Address) *uint256.Int {
	total := new(uint256.Int)
	for key, balance := range bt.balances {
		if key.Token == token && key.Scope != AccountScopeWallet {
			total.Add(total, balance)
		}
	}
	return total
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*uint256.Int {
	snapshot := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(uint256.Int).Set(v)
	}
	return snapshot
}

// Restore replaces all balances (snapshot load). Not journaled.
func (bt *BalanceTracker) Restore(balances map[AccountKey]*uint256.Int) {
	bt.balances = make(map[AccountKey]*uint256.Int, len(balances))
	for k, v := range balances {
		bt.balances[k] = new(uint256.Int).Set(v)
	}
}
