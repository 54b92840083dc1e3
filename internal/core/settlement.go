package core

import (
	"fmt"

	"DerivLedger/internal/custody"
	"DerivLedger/internal/derivative"
	"DerivLedger/internal/event"
	"DerivLedger/internal/ledger"
	fpmath "DerivLedger/internal/math"
	"DerivLedger/internal/oracle"
	"DerivLedger/internal/position"
	"DerivLedger/internal/registry"
	"DerivLedger/internal/state"
	"DerivLedger/internal/synthetic"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// Registry is the configuration surface the engine consults.
type Registry interface {
	ProtocolAddresses() registry.ProtocolAddresses
	ProtocolParameters() registry.ProtocolParameters
	IsPaused(class registry.PauseClass) bool
}

// Call carries who is calling and the domain time of the call.
type Call struct {
	Caller common.Address
	Now    uint64 // unix seconds
}

// Engine is the settlement state machine. Positions move
// Unminted -> Minted -> {Executed | Cancelled | Redeemed} one unit at a time,
// tracked by claim-token balances.
//
// Every public operation runs inside a journal snapshot and is reverted as a
// whole on error, token ledger moves included. Internal books are updated
// before value leaves custody, and a guard rejects calls made from inside a
// running operation (token transfer hooks).
//
// Not thread-safe. Only accessed from the single-threaded processor.
type Engine struct {
	registry  Registry
	oracle    *oracle.Ledger
	resolver  *synthetic.Resolver
	cache     *synthetic.Cache
	positions *position.Ledger
	custody   *custody.Custody
	journal   *state.Journal

	cancelled map[common.Hash]bool
	logs      []event.Log
	entered   bool
}

func NewEngine(
	reg Registry,
	oracleLedger *oracle.Ledger,
	resolver *synthetic.Resolver,
	cache *synthetic.Cache,
	positions *position.Ledger,
	cust *custody.Custody,
	journal *state.Journal,
) *Engine {
	return &Engine{
		registry:  reg,
		oracle:    oracleLedger,
		resolver:  resolver,
		cache:     cache,
		positions: positions,
		custody:   cust,
		journal:   journal,
		cancelled: make(map[common.Hash]bool),
	}
}

// atomic runs fn under the reentrancy guard and a journal snapshot.
func (e *Engine) atomic(fn func() error) error {
	if e.entered {
		return ErrReentrantCall
	}
	e.entered = true
	defer func() { e.entered = false }()

	snap := e.journal.Snapshot()
	if err := fn(); err != nil {
		e.journal.RevertToSnapshot(snap)
		return err
	}
	return nil
}

func (e *Engine) requireNotPaused(class registry.PauseClass, sentinel error) error {
	if e.registry.IsPaused(class) {
		return sentinel
	}
	return nil
}

// === Create / Mint ===

// Create pins the derivative's economics, deploys its position pair and, for
// a non-zero amount, escrows margin×amount from the caller and mints amount
// LONG to buyer and SHORT to seller.
func (e *Engine) Create(call Call, d *derivative.Derivative, amount *uint256.Int, buyer, seller common.Address, name string) (common.Hash, error) {
	var hash common.Hash
	err := e.atomic(func() error {
		if err := e.requireNotPaused(registry.PauseCreation, ErrCreationPaused); err != nil {
			return err
		}
		if err := d.Validate(); err != nil {
			return err
		}
		if amount == nil {
			return fmt.Errorf("%w: nil amount", ErrSyntheticValidation)
		}
		if d.EndTime <= call.Now {
			return fmt.Errorf("%w: end time %d, now %d", ErrDerivativeExpired, d.EndTime, call.Now)
		}
		if buyer == (common.Address{}) || seller == (common.Address{}) {
			return fmt.Errorf("%w: buyer and seller must be set", ErrNullAddress)
		}

		hash = d.Hash()
		valuator, err := e.resolver.Resolve(d.SyntheticID)
		if err != nil {
			return err
		}
		if !valuator.ValidateInput(d, amount) {
			return fmt.Errorf("%w: %s rejected %s", ErrSyntheticValidation, d.SyntheticID.Hex(), hash.Hex())
		}
		if _, err := e.cache.GetOrCreate(hash, d); err != nil {
			return err
		}
		if _, _, err := e.positions.CreatePair(hash, d, name); err != nil {
			return err
		}
		if err := e.issue(call, hash, d, amount, buyer, seller); err != nil {
			return err
		}

		e.emit(event.Log{
			Kind:         event.LogCreated,
			Hash:         hash,
			Account:      buyer,
			Counterparty: seller,
			Token:        d.Token,
			Amount:       amount.Dec(),
		})
		return nil
	})
	return hash, err
}

// Mint issues more positions of a deployed pair.
func (e *Engine) Mint(call Call, amount *uint256.Int, long, short, buyer, seller common.Address) error {
	return e.atomic(func() error {
		if err := e.requireNotPaused(registry.PauseMint, ErrMintPaused); err != nil {
			return err
		}
		if amount == nil {
			return fmt.Errorf("%w: nil amount", ErrSyntheticValidation)
		}
		if buyer == (common.Address{}) || seller == (common.Address{}) {
			return fmt.Errorf("%w: buyer and seller must be set", ErrNullAddress)
		}
		hash, d, err := e.lookupPair(long, short)
		if err != nil {
			return err
		}
		if e.cancelled[hash] {
			return fmt.Errorf("%w: %s", ErrTickerWasCancelled, hash.Hex())
		}
		if d.EndTime <= call.Now {
			return fmt.Errorf("%w: end time %d, now %d", ErrDerivativeExpired, d.EndTime, call.Now)
		}
		if _, err := e.cache.GetOrCreate(hash, d); err != nil {
			return err
		}
		if err := e.issue(call, hash, d, amount, buyer, seller); err != nil {
			return err
		}

		e.emit(event.Log{
			Kind:         event.LogMinted,
			Hash:         hash,
			Account:      buyer,
			Counterparty: seller,
			Token:        d.Token,
			Amount:       amount.Dec(),
		})
		return nil
	})
}

// issue mints first, then pulls margin×amount from the caller.
func (e *Engine) issue(call Call, hash common.Hash, d *derivative.Derivative, amount *uint256.Int, buyer, seller common.Address) error {
	if amount.IsZero() {
		return nil
	}
	total, err := fpmath.Mul(d.Margin, amount)
	if err != nil {
		return fmt.Errorf("margin for %s: %w", hash.Hex(), err)
	}
	if err := e.positions.Mint(hash, nil, amount, buyer, seller); err != nil {
		return err
	}
	return e.custody.Escrow(hash, call.Caller, d.Token, total)
}

func (e *Engine) lookupPair(long, short common.Address) (common.Hash, *derivative.Derivative, error) {
	l, err := e.positions.Lookup(long)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("%w: %w", ErrWrongPositionPair, err)
	}
	s, err := e.positions.Lookup(short)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("%w: %w", ErrWrongPositionPair, err)
	}
	if l.Hash != s.Hash || l.Side != derivative.SideLong || s.Side != derivative.SideShort {
		return common.Hash{}, nil, fmt.Errorf("%w: %s/%s", ErrWrongPositionPair, long.Hex(), short.Hex())
	}
	return l.Hash, l.Derivative, nil
}

// === Execute ===

// Execute settles amount of owner's position against the oracle value
// observed at the derivative's end time.
func (e *Engine) Execute(call Call, owner, token common.Address, amount *uint256.Int) error {
	return e.atomic(func() error {
		return e.execute(call, owner, token, amount)
	})
}

// ExecuteBatch runs Execute over parallel lists. Any failure reverts them all.
func (e *Engine) ExecuteBatch(call Call, owner common.Address, tokens []common.Address, amounts []*uint256.Int) error {
	return e.atomic(func() error {
		if len(tokens) != len(amounts) {
			return fmt.Errorf("%w: %d positions, %d amounts", ErrLengthMismatch, len(tokens), len(amounts))
		}
		for i := range tokens {
			if err := e.execute(call, owner, tokens[i], amounts[i]); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}
		return nil
	})
}

func (e *Engine) execute(call Call, owner, token common.Address, amount *uint256.Int) error {
	if err := e.requireNotPaused(registry.PauseExecution, ErrExecutionPaused); err != nil {
		return err
	}
	if amount == nil {
		return fmt.Errorf("%w: nil amount", ErrSyntheticValidation)
	}
	info, err := e.positions.Lookup(token)
	if err != nil {
		return err
	}
	d, hash := info.Derivative, info.Hash

	if call.Now < d.EndTime {
		return fmt.Errorf("%w: end time %d, now %d", ErrExecutionBeforeMaturity, d.EndTime, call.Now)
	}
	if e.cancelled[hash] {
		return fmt.Errorf("%w: %s", ErrTickerWasCancelled, hash.Hex())
	}

	valuator, err := e.resolver.Resolve(d.SyntheticID)
	if err != nil {
		return err
	}
	if call.Caller != owner && !valuator.ThirdPartyExecutionAllowed(owner) {
		return fmt.Errorf("%w: %s for %s", ErrThirdPartyExecutionNotAllowed, call.Caller.Hex(), owner.Hex())
	}

	price, err := e.oracle.GetData(d.OracleID, d.EndTime)
	if err != nil {
		return err
	}
	entry, err := e.cache.GetOrCreate(hash, d)
	if err != nil {
		return err
	}

	buyerRatio, sellerRatio, err := valuator.GetExecutionPayout(d, price)
	if err != nil {
		return fmt.Errorf("payout of %s: %w", hash.Hex(), err)
	}
	if buyerRatio == nil || sellerRatio == nil {
		return fmt.Errorf("%w: nil ratio for %s", synthetic.ErrInvalidPayout, hash.Hex())
	}
	ratioSum, err := fpmath.Add(buyerRatio, sellerRatio)
	if err != nil {
		return fmt.Errorf("%w: %w", synthetic.ErrInvalidPayout, err)
	}
	if ratioSum.IsZero() {
		return fmt.Errorf("%w: zero ratios for %s", synthetic.ErrInvalidPayout, hash.Hex())
	}

	totalMargin, err := fpmath.Mul(d.Margin, amount)
	if err != nil {
		return err
	}
	sideRatio, sideMargin := buyerRatio, entry.BuyerMargin
	if info.Side == derivative.SideShort {
		sideRatio, sideMargin = sellerRatio, entry.SellerMargin
	}
	gross, err := fpmath.MulDiv(totalMargin, sideRatio, ratioSum)
	if err != nil {
		return err
	}

	fees, err := e.executionFees(entry, gross, sideMargin, amount)
	if err != nil {
		return err
	}

	if err := e.positions.Burn(token, owner, amount); err != nil {
		return err
	}
	if err := e.creditFees(hash, entry.Author, e.registry.ProtocolAddresses().ProtocolExecutionReserveClaimer, fees,
		ledger.JournalTypeExecutionFeeAuthor, ledger.JournalTypeExecutionFeeProtocol); err != nil {
		return err
	}
	if err := e.custody.Release(hash, owner, fees.Net); err != nil {
		return err
	}

	e.emit(event.Log{
		Kind:     event.LogExecuted,
		Hash:     hash,
		Account:  owner,
		Position: token,
		Token:    d.Token,
		Amount:   amount.Dec(),
		Payout:   fees.Net.Dec(),
	})
	return nil
}

// executionFees charges the author commission on the gross payout. Pooled
// synthetics are only charged on profit above the holder's own margin, so
// the margin holder always gets their margin back in full.
func (e *Engine) executionFees(entry *synthetic.Entry, gross, sideMargin, amount *uint256.Int) (fpmath.Fees, error) {
	protocolPart := e.registry.ProtocolParameters().ProtocolExecutionReservePart
	if !entry.IsPool {
		return fpmath.ComputeFees(gross, entry.AuthorCommission, protocolPart)
	}

	posted, err := fpmath.Mul(sideMargin, amount)
	if err != nil {
		return fpmath.Fees{}, err
	}
	fees, err := fpmath.ComputeFees(fpmath.SubFloor(gross, posted), entry.AuthorCommission, protocolPart)
	if err != nil {
		return fpmath.Fees{}, err
	}
	fees.Gross = new(uint256.Int).Set(gross)
	fees.Net = new(uint256.Int).Sub(gross, fees.Overall)
	return fees, nil
}

func (e *Engine) creditFees(hash common.Hash, author, protocol common.Address, fees fpmath.Fees, authorKind, protocolKind ledger.JournalType) error {
	if err := e.custody.CreditFee(hash, author, fees.Author, authorKind); err != nil {
		return err
	}
	return e.custody.CreditFee(hash, protocol, fees.Protocol, protocolKind)
}

// === Cancel ===

// Cancel unwinds amount of owner's position once the no-data period after
// maturity elapsed without oracle data. The first cancellation marks the
// ticker cancelled for good; later ones skip the time and data checks.
// The holder gets their side's margin back without fees.
func (e *Engine) Cancel(call Call, owner, token common.Address, amount *uint256.Int) error {
	return e.atomic(func() error {
		return e.cancel(call, owner, token, amount)
	})
}

// CancelBatch runs Cancel over parallel lists. Any failure reverts them all.
func (e *Engine) CancelBatch(call Call, owner common.Address, tokens []common.Address, amounts []*uint256.Int) error {
	return e.atomic(func() error {
		if len(tokens) != len(amounts) {
			return fmt.Errorf("%w: %d positions, %d amounts", ErrLengthMismatch, len(tokens), len(amounts))
		}
		for i := range tokens {
			if err := e.cancel(call, owner, tokens[i], amounts[i]); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}
		return nil
	})
}

func (e *Engine) cancel(call Call, owner, token common.Address, amount *uint256.Int) error {
	if err := e.requireNotPaused(registry.PauseCancellation, ErrCancellationPaused); err != nil {
		return err
	}
	if amount == nil {
		return fmt.Errorf("%w: nil amount", ErrSyntheticValidation)
	}
	info, err := e.positions.Lookup(token)
	if err != nil {
		return err
	}
	d, hash := info.Derivative, info.Hash

	valuator, err := e.resolver.Resolve(d.SyntheticID)
	if err != nil {
		return err
	}
	if call.Caller != owner && !valuator.ThirdPartyExecutionAllowed(owner) {
		return fmt.Errorf("%w: %s for %s", ErrThirdPartyExecutionNotAllowed, call.Caller.Hex(), owner.Hex())
	}

	if !e.cancelled[hash] {
		period := e.registry.ProtocolParameters().NoDataCancellationPeriod
		// compare elapsed time; EndTime+period can wrap
		if call.Now < d.EndTime || call.Now-d.EndTime < period {
			return fmt.Errorf("%w: end %d plus grace %d, now %d", ErrCancellationNotAllowed, d.EndTime, period, call.Now)
		}
		if e.oracle.HasData(d.OracleID, d.EndTime) {
			return fmt.Errorf("%w: %w", ErrCancellationNotAllowed, oracle.ErrDataAlreadyExist)
		}
		e.setCancelled(hash)
	}

	entry, err := e.cache.GetOrCreate(hash, d)
	if err != nil {
		return err
	}
	sideMargin := entry.BuyerMargin
	if info.Side == derivative.SideShort {
		sideMargin = entry.SellerMargin
	}
	refund, err := fpmath.Mul(sideMargin, amount)
	if err != nil {
		return err
	}

	if err := e.positions.Burn(token, owner, amount); err != nil {
		return err
	}
	if err := e.custody.Release(hash, owner, refund); err != nil {
		return err
	}

	e.emit(event.Log{
		Kind:     event.LogCancelled,
		Hash:     hash,
		Account:  owner,
		Position: token,
		Token:    d.Token,
		Amount:   amount.Dec(),
		Payout:   refund.Dec(),
	})
	return nil
}

func (e *Engine) setCancelled(hash common.Hash) {
	e.cancelled[hash] = true
	e.journal.Append(func() { delete(e.cancelled, hash) })
}

// IsCancelled reports whether hash was cancelled for lack of oracle data.
func (e *Engine) IsCancelled(hash common.Hash) bool {
	return e.cancelled[hash]
}

// === Redeem ===

// Redeem burns amount of matched LONG and SHORT held by the caller and pays
// margin×amount back net of redemption fees. Maturity and oracle state do
// not matter.
func (e *Engine) Redeem(call Call, long, short common.Address, amount *uint256.Int) error {
	return e.atomic(func() error {
		return e.redeem(call, long, short, amount)
	})
}

// RedeemBatch runs Redeem over parallel lists. Any failure reverts them all.
func (e *Engine) RedeemBatch(call Call, pairs []event.PositionPair, amounts []*uint256.Int) error {
	return e.atomic(func() error {
		if len(pairs) != len(amounts) {
			return fmt.Errorf("%w: %d pairs, %d amounts", ErrLengthMismatch, len(pairs), len(amounts))
		}
		for i, p := range pairs {
			if err := e.redeem(call, p.Long, p.Short, amounts[i]); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}
		return nil
	})
}

func (e *Engine) redeem(call Call, long, short common.Address, amount *uint256.Int) error {
	if err := e.requireNotPaused(registry.PauseRedemption, ErrRedemptionPaused); err != nil {
		return err
	}
	if amount == nil {
		return fmt.Errorf("%w: nil amount", ErrSyntheticValidation)
	}
	hash, d, err := e.lookupPair(long, short)
	if err != nil {
		return err
	}
	entry, err := e.cache.GetOrCreate(hash, d)
	if err != nil {
		return err
	}

	gross, err := fpmath.Mul(d.Margin, amount)
	if err != nil {
		return err
	}
	params := e.registry.ProtocolParameters()
	fees, err := fpmath.ComputeFees(gross, params.DerivativeAuthorRedemptionReservePart, params.ProtocolRedemptionReservePart)
	if err != nil {
		return err
	}

	if err := e.positions.Redeem(hash, call.Caller, amount); err != nil {
		return err
	}
	if err := e.creditFees(hash, entry.Author, e.registry.ProtocolAddresses().ProtocolRedemptionReserveClaimer, fees,
		ledger.JournalTypeRedemptionFeeAuthor, ledger.JournalTypeRedemptionFeeProtocol); err != nil {
		return err
	}
	if err := e.custody.Release(hash, call.Caller, fees.Net); err != nil {
		return err
	}

	e.emit(event.Log{
		Kind:         event.LogRedeemed,
		Hash:         hash,
		Account:      call.Caller,
		Position:     long,
		Counterparty: short,
		Token:        d.Token,
		Amount:       amount.Dec(),
		Payout:       fees.Net.Dec(),
	})
	return nil
}

// === Fees, oracle, permissions ===

// WithdrawFee drains the caller's fee vault for token.
func (e *Engine) WithdrawFee(call Call, token common.Address) (*uint256.Int, error) {
	var withdrawn *uint256.Int
	err := e.atomic(func() error {
		if err := e.requireNotPaused(registry.PauseReserveClaim, ErrReserveClaimPaused); err != nil {
			return err
		}
		amount, err := e.custody.WithdrawFee(call.Caller, token)
		if err != nil {
			return err
		}
		withdrawn = amount
		e.emit(event.Log{
			Kind:    event.LogFeeWithdrawn,
			Account: call.Caller,
			Token:   token,
			Payout:  amount.Dec(),
		})
		return nil
	})
	return withdrawn, err
}

// PushOracleData records value for (caller, timestamp). The caller is the data source.
func (e *Engine) PushOracleData(call Call, timestamp uint64, value *uint256.Int) error {
	return e.atomic(func() error {
		if err := e.oracle.Callback(call.Caller, timestamp, value); err != nil {
			return err
		}
		e.emit(event.Log{
			Kind:    event.LogOracleData,
			Account: call.Caller,
			Amount:  fmt.Sprintf("%d", timestamp),
			Payout:  value.Dec(),
		})
		return nil
	})
}

// AllowThirdPartyExecution toggles whether anyone may execute or cancel the
// caller's positions of the given synthetic.
func (e *Engine) AllowThirdPartyExecution(call Call, syntheticID common.Address, allow bool) error {
	return e.atomic(func() error {
		valuator, err := e.resolver.Resolve(syntheticID)
		if err != nil {
			return err
		}
		prev := valuator.ThirdPartyExecutionAllowed(call.Caller)
		valuator.AllowThirdPartyExecution(call.Caller, allow)
		owner := call.Caller
		e.journal.Append(func() { valuator.AllowThirdPartyExecution(owner, prev) })
		return nil
	})
}

// === Logs ===

func (e *Engine) emit(l event.Log) {
	n := len(e.logs)
	e.logs = append(e.logs, l)
	e.journal.Append(func() {
		if len(e.logs) > n {
			e.logs = e.logs[:n]
		}
	})
}

// DrainLogs hands the emitted logs to the caller and clears them.
// Call only after the enclosing operation committed.
func (e *Engine) DrainLogs() []event.Log {
	out := e.logs
	e.logs = nil
	return out
}

// === Snapshot ===

// CancelledHashes returns every cancelled ticker.
func (e *Engine) CancelledHashes() []common.Hash {
	out := make([]common.Hash, 0, len(e.cancelled))
	for h := range e.cancelled {
		out = append(out, h)
	}
	sortHashes(out)
	return out
}

func (e *Engine) RestoreCancelled(hashes []common.Hash) {
	e.cancelled = make(map[common.Hash]bool, len(hashes))
	for _, h := range hashes {
		e.cancelled[h] = true
	}
}
