package core

import (
	"bytes"
	"fmt"
	"sort"

	"DerivLedger/internal/custody"
	"DerivLedger/internal/ledger"
	fpmath "DerivLedger/internal/math"
	"DerivLedger/internal/oracle"
	"DerivLedger/internal/position"
	"DerivLedger/internal/registry"
	"DerivLedger/internal/synthetic"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// AccountBalance is one ledger account. Amount is a signed decimal.
type AccountBalance struct {
	Scope  ledger.AccountScope `json:"scope"`
	Entity common.Hash         `json:"entity"`
	Token  common.Address      `json:"token"`
	Amount string              `json:"amount"`
}

type OracleRecord struct {
	Source    common.Address `json:"source"`
	Timestamp uint64         `json:"timestamp"`
	Value     string         `json:"value"`
}

// ThirdPartyPermissions lists owners that let anyone settle their positions
// of one synthetic.
type ThirdPartyPermissions struct {
	SyntheticID common.Address   `json:"synthetic_id"`
	Owners      []common.Address `json:"owners"`
}

// SnapshotState is the full in-memory state, in deterministic order, ready
// for JSON. Sequence is the last processed sequence.
type SnapshotState struct {
	Sequence        int64                   `json:"sequence"`
	StateHash       common.Hash             `json:"state_hash"`
	LastTime        uint64                  `json:"last_time"`
	Balances        []AccountBalance        `json:"balances"`
	Registry        registry.State          `json:"registry"`
	Gateway         custody.GatewayState    `json:"gateway"`
	Tokens          []custody.TokenState    `json:"tokens"`
	Custody         custody.State           `json:"custody"`
	Oracle          []OracleRecord          `json:"oracle"`
	Synthetics      []synthetic.EntryState  `json:"synthetics"`
	ThirdParty      []ThirdPartyPermissions `json:"third_party"`
	Positions       []position.PairState    `json:"positions"`
	Cancelled       []common.Hash           `json:"cancelled"`
	SequenceState   map[string]int64        `json:"sequence_state"`
	IdempotencyKeys []string                `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       common.Hash(c.hasher.GetPrevHash()),
		LastTime:        c.lastTime,
		Registry:        c.registry.Export(),
		Gateway:         c.gateway.Export(),
		Tokens:          c.bank.Export(),
		Custody:         c.custody.Export(),
		Synthetics:      c.cache.Export(),
		Positions:       c.positions.Export(),
		Cancelled:       c.engine.CancelledHashes(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.LRU().GetAllKeys(),
	}

	for key, v := range c.balanceTracker.Snapshot() {
		if v.IsZero() {
			continue
		}
		snap.Balances = append(snap.Balances, AccountBalance{
			Scope:  key.Scope,
			Entity: common.Hash(key.Entity),
			Token:  key.Token,
			Amount: fpmath.SignedString(v),
		})
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		a, b := snap.Balances[i], snap.Balances[j]
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		if cmp := bytes.Compare(a.Entity[:], b.Entity[:]); cmp != 0 {
			return cmp < 0
		}
		return bytes.Compare(a.Token[:], b.Token[:]) < 0
	})

	for _, r := range c.oracle.Records() {
		snap.Oracle = append(snap.Oracle, OracleRecord{Source: r.Source, Timestamp: r.Timestamp, Value: r.Value.Dec()})
	}

	for _, id := range c.resolver.IDs() {
		v, _ := c.resolver.Resolve(id)
		lister, ok := v.(synthetic.ThirdPartyLister)
		if !ok {
			continue
		}
		if owners := lister.ThirdPartyOwners(); len(owners) > 0 {
			snap.ThirdParty = append(snap.ThirdParty, ThirdPartyPermissions{SyntheticID: id, Owners: owners})
		}
	}

	return snap
}

// RestoreFromSnapshot replaces the core's state with snap. Valuators must be
// registered first. On warm restart, load the latest snapshot then replay
// the event log after snap.Sequence.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	balances := make(map[ledger.AccountKey]*uint256.Int, len(snap.Balances))
	for _, b := range snap.Balances {
		v, err := fpmath.ParseSigned(b.Amount)
		if err != nil {
			return fmt.Errorf("balance %s: %w", b.Entity.Hex(), err)
		}
		balances[ledger.AccountKey{Scope: b.Scope, Entity: b.Entity, Token: b.Token}] = v
	}

	records := make([]oracle.Record, 0, len(snap.Oracle))
	for _, r := range snap.Oracle {
		v, err := uint256.FromDecimal(r.Value)
		if err != nil {
			return fmt.Errorf("oracle record %s@%d: %w", r.Source.Hex(), r.Timestamp, err)
		}
		records = append(records, oracle.Record{Source: r.Source, Timestamp: r.Timestamp, Value: v})
	}

	if err := c.registry.Restore(snap.Registry); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	c.gateway.Restore(snap.Gateway)
	if err := c.bank.Restore(snap.Tokens); err != nil {
		return fmt.Errorf("restore tokens: %w", err)
	}
	if err := c.custody.Restore(snap.Custody); err != nil {
		return fmt.Errorf("restore custody: %w", err)
	}
	if err := c.oracle.Restore(records); err != nil {
		return fmt.Errorf("restore oracle: %w", err)
	}
	if err := c.cache.Restore(snap.Synthetics); err != nil {
		return fmt.Errorf("restore synthetics: %w", err)
	}
	for _, tp := range snap.ThirdParty {
		v, err := c.resolver.Resolve(tp.SyntheticID)
		if err != nil {
			return fmt.Errorf("restore third-party permissions: %w", err)
		}
		for _, owner := range tp.Owners {
			v.AllowThirdPartyExecution(owner, true)
		}
	}
	if err := c.positions.Restore(snap.Positions); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	c.engine.RestoreCancelled(snap.Cancelled)
	c.balanceTracker.Restore(balances)

	c.sequence = snap.Sequence + 1
	c.lastTime = snap.LastTime
	c.hasher.SetPrevHash(snap.StateHash)
	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	c.idempotency.LRU().WarmFromKeys(snap.IdempotencyKeys)

	c.journal.Reset()
	return nil
}

// WarmLRU loads recent idempotency keys (oldest first) so restarts avoid
// cold-path database lookups.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.LRU().WarmFromKeys(keys)
}
