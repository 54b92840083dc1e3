package ledger

import (
	"fmt"

	"github.com/luxfi/geth/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// AccountScopeWallet is a counterparty's net flow with custody. It goes
	// negative by whatever the holder has paid in and not yet received back.
	AccountScopeWallet AccountScope = iota
	// AccountScopeEscrow holds the margin posted against one derivative hash.
	AccountScopeEscrow
	// AccountScopeVault holds withdrawable fees for one beneficiary.
	AccountScopeVault
)

// AccountKey is the in-memory key for balance tracking.
// Entity is a left-padded address for wallets and vaults, the derivative hash for escrow.
type AccountKey struct {
	Scope  AccountScope
	Entity [32]byte
	Token  common.Address
}

// NewWalletAccountKey creates a key for a counterparty wallet
func NewWalletAccountKey(holder, token common.Address) AccountKey {
	return AccountKey{
		Scope:  AccountScopeWallet,
		Entity: common.BytesToHash(holder.Bytes()),
		Token:  token,
	}
}

// NewEscrowAccountKey creates a key for the margin escrowed under a derivative hash
func NewEscrowAccountKey(hash common.Hash, token common.Address) AccountKey {
	return AccountKey{
		Scope:  AccountScopeEscrow,
		Entity: hash,
		Token:  token,
	}
}

// NewVaultAccountKey creates a key for a fee vault
func NewVaultAccountKey(beneficiary, token common.Address) AccountKey {
	return AccountKey{
		Scope:  AccountScopeVault,
		Entity: common.BytesToHash(beneficiary.Bytes()),
		Token:  token,
	}
}

// Address returns the owning address for wallet and vault keys.
func (k AccountKey) Address() common.Address {
	return common.BytesToAddress(k.Entity[12:])
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	token := k.Token.Hex()

	switch k.Scope {
	case AccountScopeWallet:
		return fmt.Sprintf("wallet:%s:%s", k.Address().Hex(), token)
	case AccountScopeEscrow:
		return fmt.Sprintf("escrow:%s:%s", common.Hash(k.Entity).Hex(), token)
	case AccountScopeVault:
		return fmt.Sprintf("vault:%s:%s", k.Address().Hex(), token)
	}
	return "unknown"
}

func (s AccountScope) String() string {
	switch s {
	case AccountScopeWallet:
		return "wallet"
	case AccountScopeEscrow:
		return "escrow"
	case AccountScopeVault:
		return "vault"
	default:
		return "unknown"
	}
}
