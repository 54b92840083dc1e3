package query

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"DerivLedger/internal/core"
	"DerivLedger/internal/custody"
	"DerivLedger/internal/position"
	"DerivLedger/internal/projection"
	"DerivLedger/internal/registry"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

var (
	ErrNotFound       = errors.New("QUERY:NOT_FOUND")
	ErrNoDatabase     = errors.New("QUERY:PROJECTIONS_UNAVAILABLE")
	ErrInvalidRequest = errors.New("QUERY:INVALID_REQUEST")
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// LiveState is the read side of the deterministic core.
type LiveState interface {
	GetSequence() int64
	GetStateHash() [32]byte
	ExpectedNonce(caller common.Address) int64
	TokenBalance(token, holder common.Address) *uint256.Int
	TokenAllowance(token, owner, spender common.Address) *uint256.Int
	TokenDecimals(token common.Address) (uint8, error)
	PositionBalance(positionToken, holder common.Address) *uint256.Int
	PositionToken(addr common.Address) (position.TokenInfo, error)
	PredictPair(hash common.Hash) (long, short common.Address)
	Ticker(hash common.Hash) (core.Ticker, bool)
	FeeVault(beneficiary, token common.Address) *uint256.Int
	OracleData(source common.Address, timestamp uint64) (*uint256.Int, error)
	Registry() (registry.ProtocolAddresses, registry.ProtocolParameters)
	IsPaused(class registry.PauseClass) bool
	Spender() (governor common.Address, whitelist []common.Address, pending *custody.Proposal)
}

// QueryService answers reads. Holdings, tickers and protocol state come
// from the live core and carry the last applied sequence; history comes
// from the projection tables and carries the projection watermark.
type QueryService struct {
	db   *sql.DB
	live LiveState
}

// NewQueryService builds the service. db may be nil, in which case only
// live reads are served.
func NewQueryService(db *sql.DB, live LiveState) *QueryService {
	return &QueryService{db: db, live: live}
}

func (qs *QueryService) liveSequence() int64 {
	return qs.live.GetSequence() - 1
}

func (qs *QueryService) GetTokenBalance(ctx context.Context, token, holder common.Address) (*TokenBalanceResponse, error) {
	decimals, err := qs.live.TokenDecimals(token)
	if err != nil {
		return nil, fmt.Errorf("%w: token %s", ErrNotFound, token.Hex())
	}
	return &TokenBalanceResponse{
		Token:        token.Hex(),
		Holder:       holder.Hex(),
		Balance:      NewAmount(qs.live.TokenBalance(token, holder), decimals),
		AsOfSequence: qs.liveSequence(),
	}, nil
}

func (qs *QueryService) GetAllowance(ctx context.Context, token, owner, spender common.Address) (*AllowanceResponse, error) {
	decimals, err := qs.live.TokenDecimals(token)
	if err != nil {
		return nil, fmt.Errorf("%w: token %s", ErrNotFound, token.Hex())
	}
	return &AllowanceResponse{
		Token:        token.Hex(),
		Owner:        owner.Hex(),
		Spender:      spender.Hex(),
		Allowance:    NewAmount(qs.live.TokenAllowance(token, owner, spender), decimals),
		AsOfSequence: qs.liveSequence(),
	}, nil
}

func (qs *QueryService) GetPositionBalance(ctx context.Context, positionToken, holder common.Address) (*PositionBalanceResponse, error) {
	info, err := qs.live.PositionToken(positionToken)
	if err != nil {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, positionToken.Hex())
	}
	return &PositionBalanceResponse{
		Position:     positionToken.Hex(),
		Holder:       holder.Hex(),
		Hash:         info.Hash.Hex(),
		Side:         info.Side.String(),
		Name:         info.Name,
		Balance:      NewAmount(qs.live.PositionBalance(positionToken, holder), info.Decimals),
		AsOfSequence: qs.liveSequence(),
	}, nil
}

func (qs *QueryService) GetTicker(ctx context.Context, hash common.Hash) (*TickerResponse, error) {
	t, ok := qs.live.Ticker(hash)
	if !ok {
		return nil, fmt.Errorf("%w: ticker %s", ErrNotFound, hash.Hex())
	}

	var decimals uint8
	if t.EscrowToken != (common.Address{}) {
		decimals, _ = qs.live.TokenDecimals(t.EscrowToken)
	}

	resp := &TickerResponse{
		Hash:         hash.Hex(),
		Name:         t.Pair.Name,
		Derivative:   t.Pair.Derivative.Terms(),
		Long:         t.Pair.Long.Hex(),
		Short:        t.Pair.Short.Hex(),
		Issued:       t.Issued.Dec(),
		LongSupply:   t.LongSupply.Dec(),
		ShortSupply:  t.ShortSupply.Dec(),
		EscrowToken:  t.EscrowToken.Hex(),
		Escrowed:     NewAmount(t.Escrowed, decimals),
		Cancelled:    t.Cancelled,
		AsOfSequence: qs.liveSequence(),
	}
	if e := t.Economics; e != nil {
		resp.Economics = &Economics{
			Author:           e.Author.Hex(),
			AuthorCommission: e.AuthorCommission,
			BuyerMargin:      e.BuyerMargin.Dec(),
			SellerMargin:     e.SellerMargin.Dec(),
			IsPool:           e.IsPool,
		}
	}
	return resp, nil
}

func (qs *QueryService) PredictPair(ctx context.Context, hash common.Hash) *PairPrediction {
	long, short := qs.live.PredictPair(hash)
	_, deployed := qs.live.Ticker(hash)
	return &PairPrediction{Hash: hash.Hex(), Long: long.Hex(), Short: short.Hex(), Deployed: deployed}
}

func (qs *QueryService) GetFeeVault(ctx context.Context, beneficiary, token common.Address) (*FeeVaultResponse, error) {
	decimals, err := qs.live.TokenDecimals(token)
	if err != nil {
		return nil, fmt.Errorf("%w: token %s", ErrNotFound, token.Hex())
	}
	return &FeeVaultResponse{
		Beneficiary:  beneficiary.Hex(),
		Token:        token.Hex(),
		Balance:      NewAmount(qs.live.FeeVault(beneficiary, token), decimals),
		AsOfSequence: qs.liveSequence(),
	}, nil
}

func (qs *QueryService) GetOracleData(ctx context.Context, source common.Address, timestamp uint64) (*OracleDataResponse, error) {
	v, err := qs.live.OracleData(source, timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return &OracleDataResponse{Source: source.Hex(), Timestamp: timestamp, Value: v.Dec(), AsOfSequence: qs.liveSequence()}, nil
}

func hexes(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}

func (qs *QueryService) GetProtocol(ctx context.Context) *ProtocolResponse {
	addrs, params := qs.live.Registry()
	governor, whitelist, pending := qs.live.Spender()

	resp := &ProtocolResponse{
		Addresses:    addrs,
		Parameters:   params,
		Paused:       make(map[string]bool, len(registry.AllPauseClasses)),
		Governor:     governor.Hex(),
		Whitelist:    hexes(whitelist),
		StateHash:    common.Hash(qs.live.GetStateHash()).Hex(),
		AsOfSequence: qs.liveSequence(),
	}
	for _, class := range registry.AllPauseClasses {
		resp.Paused[class.String()] = qs.live.IsPaused(class)
	}
	if pending != nil {
		resp.PendingWhitelist = hexes(pending.List)
		resp.PendingSince = pending.ProposedAt
	}
	return resp
}

func (qs *QueryService) GetNonce(ctx context.Context, caller common.Address) *NonceResponse {
	return &NonceResponse{Caller: caller.Hex(), Next: qs.live.ExpectedNonce(caller)}
}

// --- Projection reads ---

func (qs *QueryService) requireDB() error {
	if qs.db == nil {
		return ErrNoDatabase
	}
	return nil
}

func pageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// GetAccountBalances lists the projected ledger accounts of entity, an
// address for wallets and vaults or a derivative hash for escrow.
func (qs *QueryService) GetAccountBalances(ctx context.Context, entity string) ([]AccountBalance, int64, error) {
	if err := qs.requireDB(); err != nil {
		return nil, 0, err
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, scope, entity, token, balance::text, last_sequence
		FROM projections.balances
		WHERE lower(entity) = lower($1)
		ORDER BY account_path
	`, entity)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []AccountBalance
	for rows.Next() {
		var b AccountBalance
		if err := rows.Scan(&b.AccountPath, &b.Scope, &b.Entity, &b.Token, &b.Balance, &b.LastSequence); err != nil {
			return nil, 0, err
		}
		if qs.live != nil {
			if decimals, err := qs.live.TokenDecimals(common.HexToAddress(b.Token)); err == nil {
				b.Formatted, _ = FormatSigned(b.Balance, decimals)
			}
		}
		out = append(out, b)
	}
	return out, asOfSeq, rows.Err()
}

// GetReceipt returns the logged outcome of the command with the given key.
func (qs *QueryService) GetReceipt(ctx context.Context, eventType, idempotencyKey string) (*ReceiptResponse, error) {
	if err := qs.requireDB(); err != nil {
		return nil, err
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	r := &ReceiptResponse{AsOfSequence: asOfSeq}
	var stateHash []byte
	err = qs.db.QueryRowContext(ctx, `
		SELECT sequence, event_type, idempotency_key, caller, status, reason, timestamp, state_hash
		FROM projections.receipts
		WHERE event_type = $1 AND idempotency_key = $2
	`, eventType, idempotencyKey).Scan(
		&r.Sequence, &r.EventType, &r.IdempotencyKey, &r.Caller, &r.Status, &r.Reason, &r.Timestamp, &stateHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: receipt %s/%s", ErrNotFound, eventType, idempotencyKey)
	}
	if err != nil {
		return nil, err
	}
	r.StateHash = common.BytesToHash(stateHash).Hex()
	return r, nil
}

// GetSettlementLogs returns engine logs newest first.
func (qs *QueryService) GetSettlementLogs(ctx context.Context, f LogFilter) ([]SettlementLogEntry, int64, error) {
	if err := qs.requireDB(); err != nil {
		return nil, 0, err
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT sequence, log_index, kind, hash, account, counterparty, position, token,
		       COALESCE(amount::text, ''), COALESCE(payout::text, ''), timestamp
		FROM projections.settlement_logs
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if f.Hash != "" {
		query += fmt.Sprintf(" AND hash = $%d", argIdx)
		args = append(args, strings.ToLower(f.Hash))
		argIdx++
	}
	if f.Account != "" {
		query += fmt.Sprintf(" AND account = $%d", argIdx)
		args = append(args, strings.ToLower(f.Account))
		argIdx++
	}
	if f.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, f.Kind)
		argIdx++
	}
	if f.BeforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *f.BeforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, log_index ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(f.Limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []SettlementLogEntry
	for rows.Next() {
		var e SettlementLogEntry
		if err := rows.Scan(
			&e.Sequence, &e.LogIndex, &e.Kind, &e.Hash, &e.Account, &e.Counterparty,
			&e.Position, &e.Token, &e.Amount, &e.Payout, &e.Timestamp,
		); err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, asOfSeq, rows.Err()
}

// GetJournalHistory returns journal entries touching accountPath, newest
// first. accountPath may end in '*' to match a prefix, e.g. "vault:0xabc:*".
func (qs *QueryService) GetJournalHistory(ctx context.Context, accountPath string, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	if err := qs.requireDB(); err != nil {
		return nil, err
	}
	if accountPath == "" {
		return nil, fmt.Errorf("%w: account path required", ErrInvalidRequest)
	}

	pattern := accountPath
	if strings.HasSuffix(pattern, "*") {
		pattern = strings.TrimSuffix(pattern, "*") + "%"
	}

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, token, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{pattern}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Token, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the logged hash chain, per-token zero-sum of the
// projected balances and that the log head matches the live state hash.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if err := qs.requireDB(); err != nil {
		return nil, err
	}
	report := &IntegrityReport{LastLogged: -1}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT token, SUM(balance)::text AS total
		FROM projections.balances
		GROUP BY token
		HAVING SUM(balance) <> 0
		ORDER BY token
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedToken
		if err := balanceRows.Scan(&u.Token, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedTokens = append(report.UnbalancedTokens, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	var head sql.NullInt64
	var headHash []byte
	err = qs.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM event_log.events ORDER BY sequence DESC LIMIT 1
	`).Scan(&head, &headHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// The core runs ahead of persistence, so the head only has to match
	// when the log has caught up with it.
	report.HeadMatches = true
	if head.Valid {
		report.LastLogged = head.Int64
		if qs.live != nil && head.Int64 == qs.liveSequence() {
			live := qs.live.GetStateHash()
			report.HeadMatches = bytes.Equal(live[:], headHash)
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedTokens) == 0 && report.HeadMatches
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	return projection.LoadWatermark(ctx, qs.db)
}
