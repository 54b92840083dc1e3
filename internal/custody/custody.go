package custody

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"DerivLedger/internal/ledger"
	"DerivLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

var (
	ErrEscrowExceeded     = errors.New("CUSTODY:ESCROW_EXCEEDED")
	ErrEscrowTokenChanged = errors.New("CUSTODY:ESCROW_TOKEN_MISMATCH")
	ErrNothingToWithdraw  = errors.New("CUSTODY:NOTHING_TO_WITHDRAW")
)

type escrowEntry struct {
	token  common.Address
	amount *uint256.Int
}

// VaultKey addresses one fee vault.
type VaultKey struct {
	Beneficiary common.Address
	Token       common.Address
}

// Custody holds margin escrowed per derivative hash and the fee vaults.
// All value sits on the token ledger under the custody address; the maps here
// partition it. Every change is recorded as a ledger.Movement so the processor
// can journal it.
type Custody struct {
	address common.Address
	gateway *SpenderGateway
	tokens  TokenLedger

	escrow    map[common.Hash]*escrowEntry
	vaults    map[VaultKey]*uint256.Int
	movements []ledger.Movement
	journal   *state.Journal
}

func New(address common.Address, gateway *SpenderGateway, tokens TokenLedger, journal *state.Journal) *Custody {
	return &Custody{
		address: address,
		gateway: gateway,
		tokens:  tokens,
		escrow:  make(map[common.Hash]*escrowEntry),
		vaults:  make(map[VaultKey]*uint256.Int),
		journal: journal,
	}
}

// Address is where custody holds value on the token ledger.
func (c *Custody) Address() common.Address { return c.address }

// Escrow pulls amount of token from payer through the spender gateway and
// books it against hash.
func (c *Custody) Escrow(hash common.Hash, payer, token common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	entry, err := c.entry(hash, token)
	if err != nil {
		return err
	}

	next, overflow := new(uint256.Int).AddOverflow(entry.amount, amount)
	if overflow {
		return fmt.Errorf("escrow for %s overflows", hash.Hex())
	}
	c.setEscrow(hash, &escrowEntry{token: token, amount: next})
	c.record(ledger.Movement{
		Type:   ledger.JournalTypeMarginEscrow,
		Debit:  ledger.NewEscrowAccountKey(hash, token),
		Credit: ledger.NewWalletAccountKey(payer, token),
		Amount: amount,
	})

	return c.gateway.ClaimTokens(c.address, token, payer, c.address, amount)
}

// Release pays amount from the hash's escrow to beneficiary.
func (c *Custody) Release(hash common.Hash, beneficiary common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	token, err := c.debitEscrow(hash, amount)
	if err != nil {
		return err
	}
	c.record(ledger.Movement{
		Type:   ledger.JournalTypeMarginRelease,
		Debit:  ledger.NewWalletAccountKey(beneficiary, token),
		Credit: ledger.NewEscrowAccountKey(hash, token),
		Amount: amount,
	})

	if err := c.tokens.Transfer(token, c.address, beneficiary, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

// CreditFee moves amount from the hash's escrow into beneficiary's vault.
func (c *Custody) CreditFee(hash common.Hash, beneficiary common.Address, amount *uint256.Int, kind ledger.JournalType) error {
	if amount.IsZero() {
		return nil
	}
	token, err := c.debitEscrow(hash, amount)
	if err != nil {
		return err
	}

	key := VaultKey{Beneficiary: beneficiary, Token: token}
	next := c.FeeVault(beneficiary, token)
	next.Add(next, amount)
	c.setVault(key, next)
	c.record(ledger.Movement{
		Type:   kind,
		Debit:  ledger.NewVaultAccountKey(beneficiary, token),
		Credit: ledger.NewEscrowAccountKey(hash, token),
		Amount: amount,
	})
	return nil
}

// WithdrawFee drains caller's vault for token and transfers the full balance out.
func (c *Custody) WithdrawFee(caller, token common.Address) (*uint256.Int, error) {
	key := VaultKey{Beneficiary: caller, Token: token}
	balance := c.FeeVault(caller, token)
	if balance.IsZero() {
		return nil, fmt.Errorf("%w: %s has no %s fees", ErrNothingToWithdraw, caller.Hex(), token.Hex())
	}

	c.setVault(key, new(uint256.Int))
	c.record(ledger.Movement{
		Type:   ledger.JournalTypeFeeWithdrawal,
		Debit:  ledger.NewWalletAccountKey(caller, token),
		Credit: ledger.NewVaultAccountKey(caller, token),
		Amount: balance,
	})

	if err := c.tokens.Transfer(token, c.address, caller, balance); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return balance, nil
}

// EscrowOf returns the token and outstanding margin booked against hash.
func (c *Custody) EscrowOf(hash common.Hash) (common.Address, *uint256.Int) {
	e, ok := c.escrow[hash]
	if !ok {
		return common.Address{}, new(uint256.Int)
	}
	return e.token, new(uint256.Int).Set(e.amount)
}

func (c *Custody) FeeVault(beneficiary, token common.Address) *uint256.Int {
	if v, ok := c.vaults[VaultKey{Beneficiary: beneficiary, Token: token}]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// Held returns what the custody address holds of token on the token ledger.
func (c *Custody) Held(token common.Address) *uint256.Int {
	return c.tokens.BalanceOf(token, c.address)
}

// DrainMovements hands the recorded movements to the caller and clears them.
// Call only after the enclosing operation committed.
func (c *Custody) DrainMovements() []ledger.Movement {
	out := c.movements
	c.movements = nil
	return out
}

func (c *Custody) entry(hash common.Hash, token common.Address) (*escrowEntry, error) {
	e, ok := c.escrow[hash]
	if !ok {
		return &escrowEntry{token: token, amount: new(uint256.Int)}, nil
	}
	if e.token != token {
		return nil, fmt.Errorf("%w: %s is escrowed in %s, not %s", ErrEscrowTokenChanged, hash.Hex(), e.token.Hex(), token.Hex())
	}
	return e, nil
}

func (c *Custody) debitEscrow(hash common.Hash, amount *uint256.Int) (common.Address, error) {
	e, ok := c.escrow[hash]
	if !ok || e.amount.Lt(amount) {
		have := "0"
		if ok {
			have = e.amount.Dec()
		}
		return common.Address{}, fmt.Errorf("%w: %s holds %s, need %s", ErrEscrowExceeded, hash.Hex(), have, amount.Dec())
	}
	c.setEscrow(hash, &escrowEntry{token: e.token, amount: new(uint256.Int).Sub(e.amount, amount)})
	return e.token, nil
}

func (c *Custody) setEscrow(hash common.Hash, e *escrowEntry) {
	prev, existed := c.escrow[hash]
	c.escrow[hash] = e
	c.journal.Append(func() {
		if existed {
			c.escrow[hash] = prev
		} else {
			delete(c.escrow, hash)
		}
	})
}

func (c *Custody) setVault(key VaultKey, v *uint256.Int) {
	prev, existed := c.vaults[key]
	if v.IsZero() {
		delete(c.vaults, key)
	} else {
		c.vaults[key] = v
	}
	c.journal.Append(func() {
		if existed {
			c.vaults[key] = prev
		} else {
			delete(c.vaults, key)
		}
	})
}

func (c *Custody) record(m ledger.Movement) {
	m.Amount = new(uint256.Int).Set(m.Amount)
	n := len(c.movements)
	c.movements = append(c.movements, m)
	c.journal.Append(func() {
		if len(c.movements) > n {
			c.movements = c.movements[:n]
		}
	})
}

// === Snapshot ===

type EscrowState struct {
	Hash   common.Hash    `json:"hash"`
	Token  common.Address `json:"token"`
	Amount string         `json:"amount"`
}

type VaultState struct {
	Beneficiary common.Address `json:"beneficiary"`
	Token       common.Address `json:"token"`
	Amount      string         `json:"amount"`
}

type State struct {
	Escrows []EscrowState `json:"escrows"`
	Vaults  []VaultState  `json:"vaults"`
}

func (c *Custody) Export() State {
	var s State

	hashes := make([]common.Hash, 0, len(c.escrow))
	for h := range c.escrow {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return bytes.Compare(hashes[i][:], hashes[j][:]) < 0 })
	for _, h := range hashes {
		e := c.escrow[h]
		s.Escrows = append(s.Escrows, EscrowState{Hash: h, Token: e.token, Amount: e.amount.Dec()})
	}

	keys := make([]VaultKey, 0, len(c.vaults))
	for k := range c.vaults {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if cmp := bytes.Compare(keys[i].Beneficiary[:], keys[j].Beneficiary[:]); cmp != 0 {
			return cmp < 0
		}
		return bytes.Compare(keys[i].Token[:], keys[j].Token[:]) < 0
	})
	for _, k := range keys {
		s.Vaults = append(s.Vaults, VaultState{Beneficiary: k.Beneficiary, Token: k.Token, Amount: c.vaults[k].Dec()})
	}
	return s
}

func (c *Custody) Restore(s State) error {
	escrow := make(map[common.Hash]*escrowEntry, len(s.Escrows))
	for _, e := range s.Escrows {
		v, err := uint256.FromDecimal(e.Amount)
		if err != nil {
			return fmt.Errorf("escrow %s: %w", e.Hash.Hex(), err)
		}
		escrow[e.Hash] = &escrowEntry{token: e.Token, amount: v}
	}
	vaults := make(map[VaultKey]*uint256.Int, len(s.Vaults))
	for _, vs := range s.Vaults {
		v, err := uint256.FromDecimal(vs.Amount)
		if err != nil {
			return fmt.Errorf("vault %s/%s: %w", vs.Beneficiary.Hex(), vs.Token.Hex(), err)
		}
		vaults[VaultKey{Beneficiary: vs.Beneficiary, Token: vs.Token}] = v
	}
	c.escrow = escrow
	c.vaults = vaults
	c.movements = nil
	return nil
}
