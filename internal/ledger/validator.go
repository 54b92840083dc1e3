package ledger

import (
	"fmt"

	fpmath "DerivLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies system is zero-sum per token
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for token, total := range totals {
		if !total.IsZero() {
			return fmt.Errorf("global balance for %s is non-zero: %s", token.Hex(), fpmath.SignedString(total))
		}
	}

	return nil
}

// ValidateEscrow checks the journaled escrow for a hash against custody's own record.
func (v *InvariantValidator) ValidateEscrow(hash common.Hash, token common.Address, custody *uint256.Int) error {
	key := NewEscrowAccountKey(hash, token)
	if err := v.tracker.ValidateNonNegative(key); err != nil {
		return err
	}
	if journaled := v.tracker.GetBalance(key); !journaled.Eq(custody) {
		return fmt.Errorf("escrow %s: journaled %s, custody %s", key.AccountPath(), journaled.Dec(), custody.Dec())
	}
	return nil
}

// ValidateVault checks the journaled fee vault against custody's own record.
func (v *InvariantValidator) ValidateVault(beneficiary, token common.Address, custody *uint256.Int) error {
	key := NewVaultAccountKey(beneficiary, token)
	if err := v.tracker.ValidateNonNegative(key); err != nil {
		return err
	}
	if journaled := v.tracker.GetBalance(key); !journaled.Eq(custody) {
		return fmt.Errorf("vault %s: journaled %s, custody %s", key.AccountPath(), journaled.Dec(), custody.Dec())
	}
	return nil
}

// ValidateCustodyHoldings checks that escrow plus vaults of a token equals what
// the custody address holds on the token ledger.
func (v *InvariantValidator) ValidateCustodyHoldings(token common.Address, held *uint256.Int) error {
	if journaled := v.tracker.CustodyHeld(token); !journaled.Eq(held) {
		return fmt.Errorf("custody holdings for %s: journaled %s, ledger %s", token.Hex(), journaled.Dec(), held.Dec())
	}
	return nil
}
