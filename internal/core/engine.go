package core

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"DerivLedger/internal/custody"
	"DerivLedger/internal/event"
	"DerivLedger/internal/ledger"
	fpmath "DerivLedger/internal/math"
	"DerivLedger/internal/observability"
	"DerivLedger/internal/oracle"
	"DerivLedger/internal/position"
	"DerivLedger/internal/registry"
	"DerivLedger/internal/state"
	"DerivLedger/internal/synthetic"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/rs/zerolog"
)

// DefaultLRUCapacity bounds the in-memory idempotency tier.
const DefaultLRUCapacity = 1_000_000

// globalCheckInterval is how often (in sequences) the zero-sum check over
// every ledger account runs.
const globalCheckInterval = 1000

// Genesis is the deployment a fresh core boots into. Admin receives every
// registry role; Governor controls the spender whitelist, which starts out
// holding the core.
type Genesis struct {
	Admin                    common.Address
	Governor                 common.Address
	Core                     common.Address
	PositionFactory          common.Address
	TokenSpender             common.Address
	OracleAggregator         common.Address
	SyntheticAggregator      common.Address
	ExecutionReserveClaimer  common.Address
	RedemptionReserveClaimer common.Address
	SpenderTimelock          uint64
	Parameters               registry.ProtocolParameters
}

// DeterministicCore is the single-threaded command processor. It owns every
// piece of protocol state, applies one command at a time and emits an
// envelope per applied or rejected command.
type DeterministicCore struct {
	mu sync.RWMutex

	sequence int64
	lastTime uint64 // processing time of the last logged command
	hasher   *StateHasher
	journal  *state.Journal

	registry  *registry.Registry
	bank      *custody.Bank
	gateway   *custody.SpenderGateway
	custody   *custody.Custody
	oracle    *oracle.Ledger
	resolver  *synthetic.Resolver
	cache     *synthetic.Cache
	positions *position.Ledger
	engine    *Engine

	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte

	rejection error
}

func NewDeterministicCore(
	genesis Genesis,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*DeterministicCore, error) {
	journal := state.NewJournal()

	reg := registry.New(journal)
	bank := custody.NewBank(journal)
	gateway := custody.NewSpenderGateway(genesis.TokenSpender, genesis.Governor, genesis.SpenderTimelock, bank, journal)
	reg.SetSpenderGateway(gateway)
	cust := custody.New(genesis.Core, gateway, bank, journal)
	oracleLedger := oracle.NewLedger(journal)
	resolver := synthetic.NewResolver()
	cache := synthetic.NewCache(resolver, reg, journal)
	positions := position.NewLedger(genesis.PositionFactory, journal)

	balanceTracker := ledger.NewBalanceTracker(journal)

	c := &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		journal:           journal,
		registry:          reg,
		bank:              bank,
		gateway:           gateway,
		custody:           cust,
		oracle:            oracleLedger,
		resolver:          resolver,
		cache:             cache,
		positions:         positions,
		engine:            NewEngine(reg, oracleLedger, resolver, cache, positions, cust, journal),
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		idempotency:       NewIdempotencyChecker(DefaultLRUCapacity, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		logger:            logger,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}

	if err := c.bootstrap(genesis); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	return c, nil
}

// bootstrap applies the genesis configuration. It is not an event: replay
// starts from the same genesis and reaches the same state.
func (c *DeterministicCore) bootstrap(g Genesis) error {
	admin := g.Admin
	if err := c.registry.Initialize(admin); err != nil {
		return err
	}
	if err := c.registry.SetProtocolAddresses(admin, registry.ProtocolAddresses{
		Core:                g.Core,
		PositionFactory:     g.PositionFactory,
		TokenSpender:        g.TokenSpender,
		OracleAggregator:    g.OracleAggregator,
		SyntheticAggregator: g.SyntheticAggregator,
	}); err != nil {
		return err
	}
	if err := c.registry.SetProtocolExecutionReserveClaimer(admin, g.ExecutionReserveClaimer); err != nil {
		return err
	}
	if err := c.registry.SetProtocolRedemptionReserveClaimer(admin, g.RedemptionReserveClaimer); err != nil {
		return err
	}

	p := g.Parameters
	if err := p.Validate(); err != nil {
		return err
	}
	if err := c.registry.SetNoDataCancellationPeriod(admin, p.NoDataCancellationPeriod); err != nil {
		return err
	}
	fees := []struct {
		param registry.FeeParameter
		value uint32
	}{
		{registry.FeeDerivativeAuthorExecutionFeeCap, p.DerivativeAuthorExecutionFeeCap},
		{registry.FeeDerivativeAuthorRedemptionReservePart, p.DerivativeAuthorRedemptionReservePart},
		{registry.FeeProtocolExecutionReservePart, p.ProtocolExecutionReservePart},
		{registry.FeeProtocolRedemptionReservePart, p.ProtocolRedemptionReservePart},
	}
	for _, f := range fees {
		if err := c.registry.SetFeeParameter(admin, f.param, f.value); err != nil {
			return err
		}
	}

	if err := c.gateway.ProposeWhitelist(g.Governor, []common.Address{g.Core}, 0); err != nil {
		return err
	}

	c.journal.Reset()
	return nil
}

// RegisterSynthetic makes a valuator resolvable under id. Valuators are part
// of the deployment and must be registered identically before replay.
func (c *DeterministicCore) RegisterSynthetic(id common.Address, v synthetic.Valuator) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolver.Register(id, v)
}

// ConfigureIdempotency resizes the LRU and swaps the durable tier, keeping
// the most recent keys. Startup replays with no durable tier, since every
// replayed key is already in the event log, then attaches it here.
func (c *DeterministicCore) ConfigureIdempotency(capacity int, dbChecker DBIdempotencyChecker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.idempotency.LRU().GetAllKeys()
	c.idempotency = NewIdempotencyChecker(capacity, dbChecker)
	c.idempotency.LRU().WarmFromKeys(keys)
}

// ReplayEvent applies a logged command without emitting outputs. The
// returned envelope carries the recomputed state hash for comparison with
// the logged one.
func (c *DeterministicCore) ReplayEvent(cmd event.Command) (*event.EventEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	output, err := c.process(cmd)
	if err != nil {
		return nil, err
	}
	if output == nil {
		return nil, nil
	}
	return output.Envelope, nil
}

// ProcessEvent is the main processing pipeline.
//
// Sequence failures return (nil, err) and leave everything untouched.
// Duplicates return (nil, nil). Every other command yields an envelope: applied
// commands return (env, nil); rejected ones return (env, reason) with state
// unchanged apart from the consumed nonce and idempotency key.
func (c *DeterministicCore) ProcessEvent(cmd event.Command) (*event.EventEnvelope, error) {
	start := time.Now()

	c.mu.Lock()
	output, err := c.process(cmd)
	c.mu.Unlock()
	if err != nil || output == nil {
		return nil, err
	}

	// Persistence is a blocking send so no envelope is lost; projections are
	// dropped when full and rebuild from the event log.
	if c.persistChan != nil {
		c.persistChan <- *output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- *output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	if c.metrics != nil {
		c.metrics.CoreEventDuration.WithLabelValues(cmd.EventType().String()).Observe(time.Since(start).Seconds())
	}
	return output.Envelope, output.rejection
}

func (c *DeterministicCore) process(cmd event.Command) (*CoreOutput, error) {
	eventType := cmd.EventType().String()
	idempotencyKey := cmd.IdempotencyKey()

	isDuplicate, tier := c.idempotency.Check(eventType, idempotencyKey)

	partition := CallerPartition(cmd.Sender())
	if err := c.sequenceValidator.ValidateSequence(partition, cmd.SourceSequence(), isDuplicate); err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "sequence").Inc()
		}
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.IdempotencyDuplicates.WithLabelValues(eventType, string(tier)).Inc()
		}
		return nil, nil
	}

	var batch *ledger.Batch
	var logs []event.Log
	var applyErr error
	if now := cmd.EventTime(); now < c.lastTime {
		applyErr = fmt.Errorf("%w: %d after %d", ErrTimeWentBackwards, now, c.lastTime)
	} else {
		snap := c.journal.Snapshot()
		batch, logs, applyErr = c.apply(cmd)
		if applyErr != nil {
			c.journal.RevertToSnapshot(snap)
			batch, logs = nil, nil
		}
		c.lastTime = now
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      cmd.EventType(),
		Caller:         cmd.Sender(),
		Timestamp:      cmd.EventTime(),
		SourceSequence: cmd.SourceSequence(),
		Payload:        cmd.Payload(),
		Status:         event.StatusApplied,
		Logs:           logs,
		PrevHash:       c.hasher.GetPrevHash(),
	}
	if applyErr != nil {
		envelope.Status = event.StatusRejected
		envelope.Reason = Reason(applyErr)
	}

	stateDigest := c.computeStateDigest(batch, envelope)
	envelope.StateHash = c.hasher.ComputeHash(c.sequence, stateDigest)

	c.sequence++
	c.journal.Reset()
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	c.recordMetrics(envelope, batch, applyErr)
	if applyErr != nil {
		c.logger.Warn().
			Int64("sequence", envelope.Sequence).
			Str("event_type", eventType).
			Str("idempotency_key", idempotencyKey).
			Str("reason", envelope.Reason).
			Err(applyErr).
			Msg("command rejected")
	}

	return &CoreOutput{Envelope: envelope, Batch: batch, StateDelta: stateDigest, rejection: applyErr}, nil
}

// apply runs cmd and turns what it moved into a validated, applied batch.
// The caller reverts the journal when it returns an error.
func (c *DeterministicCore) apply(cmd event.Command) (*ledger.Batch, []event.Log, error) {
	dispatchErr := c.dispatchEvent(cmd)
	movements := c.custody.DrainMovements()
	logs := c.engine.DrainLogs()
	if dispatchErr != nil {
		return nil, nil, dispatchErr
	}

	batch, err := c.journalGen.Generate(cmd.IdempotencyKey(), c.sequence, cmd.EventTime(), movements)
	if err != nil {
		return nil, nil, c.violation(cmd, err)
	}
	if batch != nil {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			return nil, nil, c.violation(cmd, err)
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			return nil, nil, c.violation(cmd, err)
		}
	}

	if err := c.postCheckInvariants(batch); err != nil {
		return nil, nil, c.violation(cmd, err)
	}
	return batch, logs, nil
}

func (c *DeterministicCore) violation(cmd event.Command, err error) error {
	c.logger.Error().
		Int64("sequence", c.sequence).
		Str("event_type", cmd.EventType().String()).
		Str("idempotency_key", cmd.IdempotencyKey()).
		Err(err).
		Msg("invariant violated, command reverted")
	if c.metrics != nil {
		c.metrics.InvariantViolations.Inc()
	}
	return fmt.Errorf("%w: %w", ErrInvariantViolation, err)
}

func (c *DeterministicCore) recordMetrics(env *event.EventEnvelope, batch *ledger.Batch, applyErr error) {
	if c.metrics == nil {
		return
	}
	eventType := env.EventType.String()
	if applyErr != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, env.Reason).Inc()
	} else {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	}
	if batch != nil {
		for _, j := range batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	for _, l := range env.Logs {
		c.metrics.SettlementLogs.WithLabelValues(l.Kind.String()).Inc()
	}
	c.metrics.CoreSequence.Set(float64(c.sequence))
	c.metrics.DedupLRUSize.Set(float64(c.idempotency.LRU().Size()))
}

// computeStateDigest creates canonical bytes for the state hash: every
// account the batch touched with its new 32-byte balance, then the outcome.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, env *event.EventEnvelope) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*96+len(env.Payload)+64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		balance := c.balanceTracker.GetBalance(key).Bytes32()
		digest = append(digest, balance[:]...)
	}

	digest = append(digest, byte(env.Status))
	digest = append(digest, byte(len(env.Reason)))
	digest = append(digest, env.Reason...)
	digest = append(digest, byte(len(env.Logs)))
	digest = append(digest, env.Payload...)
	return digest
}

// postCheckInvariants validates what the batch touched against custody and
// the claim-token books, plus a periodic zero-sum check.
func (c *DeterministicCore) postCheckInvariants(batch *ledger.Batch) error {
	if batch != nil {
		tokens := make(map[common.Address]bool)
		for _, j := range batch.Journals {
			tokens[j.Token] = true
			for _, key := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
				if err := c.checkAccount(key); err != nil {
					return err
				}
			}
		}
		for token := range tokens {
			if err := c.validator.ValidateCustodyHoldings(token, c.custody.Held(token)); err != nil {
				return err
			}
		}
	}

	if c.sequence > 0 && c.sequence%globalCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

func (c *DeterministicCore) checkAccount(key ledger.AccountKey) error {
	switch key.Scope {
	case ledger.AccountScopeEscrow:
		hash := common.Hash(key.Entity)
		_, held := c.custody.EscrowOf(hash)
		if err := c.validator.ValidateEscrow(hash, key.Token, held); err != nil {
			return err
		}
		return c.checkCollateral(hash, held)
	case ledger.AccountScopeVault:
		beneficiary := key.Address()
		return c.validator.ValidateVault(beneficiary, key.Token, c.custody.FeeVault(beneficiary, key.Token))
	}
	return nil
}

// checkCollateral holds each side's supply at or below the issued count and,
// while no unit of a ticker has settled, its escrow at exactly margin×issued.
func (c *DeterministicCore) checkCollateral(hash common.Hash, held *uint256.Int) error {
	pair, ok := c.positions.Pair(hash)
	if !ok {
		return nil
	}
	issued := c.positions.Issued(hash)
	longSupply := c.positions.TotalSupply(pair.Long)
	shortSupply := c.positions.TotalSupply(pair.Short)
	if longSupply.Gt(issued) || shortSupply.Gt(issued) {
		return fmt.Errorf("ticker %s: supply %s/%s exceeds issued %s",
			hash.Hex(), longSupply.Dec(), shortSupply.Dec(), issued.Dec())
	}
	if !longSupply.Eq(issued) || !shortSupply.Eq(issued) {
		return nil
	}
	want, err := fpmath.Mul(pair.Derivative.Margin, issued)
	if err != nil {
		return err
	}
	if !held.Eq(want) {
		return fmt.Errorf("ticker %s: escrow %s, want margin×issued %s", hash.Hex(), held.Dec(), want.Dec())
	}
	return nil
}

func sortHashes(hashes []common.Hash) {
	sort.Slice(hashes, func(i, j int) bool { return bytes.Compare(hashes[i][:], hashes[j][:]) < 0 })
}
