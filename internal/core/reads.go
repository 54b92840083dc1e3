package core

import (
	"DerivLedger/internal/custody"
	"DerivLedger/internal/position"
	"DerivLedger/internal/registry"
	"DerivLedger/internal/synthetic"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// Live reads for the query service. Each takes the read lock, so they see
// state between commands only.

// GetSequence returns the next global sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

// LastTime is the processing time of the last logged command.
func (c *DeterministicCore) LastTime() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastTime
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasher.GetPrevHash()
}

// ExpectedNonce is the next nonce the processor accepts from caller.
func (c *DeterministicCore) ExpectedNonce(caller common.Address) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequenceValidator.GetExpectedSequence(CallerPartition(caller))
}

func (c *DeterministicCore) TokenBalance(token, holder common.Address) *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bank.BalanceOf(token, holder)
}

func (c *DeterministicCore) TokenAllowance(token, owner, spender common.Address) *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bank.Allowance(token, owner, spender)
}

// TokenDecimals reports the registered decimals of a margin token.
func (c *DeterministicCore) TokenDecimals(token common.Address) (uint8, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bank.Decimals(token)
}

func (c *DeterministicCore) PositionBalance(positionToken, holder common.Address) *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.positions.BalanceOf(positionToken, holder)
}

// PositionToken resolves a claim token address.
func (c *DeterministicCore) PositionToken(addr common.Address) (position.TokenInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.positions.Lookup(addr)
}

// PredictPair returns the LONG and SHORT addresses hash deploys to, whether
// or not the pair exists yet.
func (c *DeterministicCore) PredictPair(hash common.Hash) (long, short common.Address) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.positions.PredictPair(hash)
}

// Ticker is everything known about one derivative hash.
type Ticker struct {
	Pair        position.PairInfo
	Issued      *uint256.Int
	LongSupply  *uint256.Int
	ShortSupply *uint256.Int
	EscrowToken common.Address
	Escrowed    *uint256.Int
	Cancelled   bool
	Economics   *synthetic.Entry
}

func (c *DeterministicCore) Ticker(hash common.Hash) (Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pair, ok := c.positions.Pair(hash)
	if !ok {
		return Ticker{}, false
	}
	token, escrowed := c.custody.EscrowOf(hash)
	t := Ticker{
		Pair:        pair,
		Issued:      c.positions.Issued(hash),
		LongSupply:  c.positions.TotalSupply(pair.Long),
		ShortSupply: c.positions.TotalSupply(pair.Short),
		EscrowToken: token,
		Escrowed:    escrowed,
		Cancelled:   c.engine.IsCancelled(hash),
	}
	if entry, ok := c.cache.Get(hash); ok {
		t.Economics = entry
	}
	return t, true
}

func (c *DeterministicCore) FeeVault(beneficiary, token common.Address) *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.custody.FeeVault(beneficiary, token)
}

func (c *DeterministicCore) OracleData(source common.Address, timestamp uint64) (*uint256.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.oracle.GetData(source, timestamp)
}

func (c *DeterministicCore) Registry() (registry.ProtocolAddresses, registry.ProtocolParameters) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.ProtocolAddresses(), c.registry.ProtocolParameters()
}

func (c *DeterministicCore) IsPaused(class registry.PauseClass) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.IsPaused(class)
}

func (c *DeterministicCore) HasRole(role registry.Role, account common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.HasRole(role, account)
}

// Spender reports the committed whitelist and any pending proposal.
func (c *DeterministicCore) Spender() (governor common.Address, whitelist []common.Address, pending *custody.Proposal) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gateway.Governor(), c.gateway.Whitelist(), c.gateway.PendingProposal()
}

// Escrowed is the margin custody holds under hash.
func (c *DeterministicCore) Escrowed(hash common.Hash) (common.Address, *uint256.Int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.custody.EscrowOf(hash)
}

// SetTransferHook installs a callback run on every margin-token transfer.
// Hooks model token contracts that call back into the protocol; the engine
// rejects such calls while an operation is running.
func (c *DeterministicCore) SetTransferHook(hook custody.TransferHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bank.SetTransferHook(hook)
}

// Engine exposes the settlement engine for hooks installed with SetTransferHook.
func (c *DeterministicCore) Engine() *Engine {
	return c.engine
}
