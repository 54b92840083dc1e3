package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/ledger"
	"DerivLedger/internal/observability"

	"github.com/luxfi/geth/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// WatermarkName is the watermark row this worker maintains.
const WatermarkName = "main"

// BalanceDelta is the net change of one ledger account within one command.
// Debits raise a balance, credits lower it.
type BalanceDelta struct {
	AccountPath string
	Scope       string
	Entity      string
	Token       string
	Delta       decimal.Decimal
}

type Receipt struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Caller         string
	Status         string
	Reason         string
	Timestamp      int64
	StateHash      []byte
}

// SettlementLog is one engine log row. Addresses are lower-case hex, the
// form event.Log takes in JSON, so live rows and rebuilt rows agree.
type SettlementLog struct {
	Sequence     int64
	Index        int
	Kind         string
	Hash         string
	Account      string
	Counterparty string
	Position     string
	Token        string
	Amount       sql.NullString
	Payout       sql.NullString
	Timestamp    int64
}

// Update is everything one committed command changes in the projection tables.
type Update struct {
	Sequence int64
	Receipt  Receipt
	Balances []BalanceDelta
	Logs     []SettlementLog
}

func addrHex(a common.Address) string { return strings.ToLower(a.Hex()) }

// accountDelta splits the account path into scope, entity and token, the
// same split the rebuild query applies to journal rows.
func accountDelta(key ledger.AccountKey) BalanceDelta {
	path := key.AccountPath()
	d := BalanceDelta{AccountPath: path, Scope: key.Scope.String(), Token: key.Token.Hex()}
	if parts := strings.SplitN(path, ":", 3); len(parts) == 3 {
		d.Entity = parts[1]
	}
	return d
}

func nullDecimal(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// BuildUpdate derives the projection rows of one committed output. Balance
// deltas are netted per account and sorted by path so concurrent rebuilds
// and live updates lock rows in the same order.
func BuildUpdate(out core.CoreOutput) (Update, error) {
	env := out.Envelope
	if env == nil {
		return Update{}, errors.New("core output without envelope")
	}

	u := Update{
		Sequence: env.Sequence,
		Receipt: Receipt{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Caller:         env.Caller.Hex(),
			Status:         env.Status.String(),
			Reason:         env.Reason,
			Timestamp:      int64(env.Timestamp),
			StateHash:      env.StateHash[:],
		},
	}

	if out.Batch != nil {
		net := make(map[string]*BalanceDelta)
		touch := func(key ledger.AccountKey, amount decimal.Decimal) {
			path := key.AccountPath()
			d, ok := net[path]
			if !ok {
				delta := accountDelta(key)
				d = &delta
				net[path] = d
			}
			d.Delta = d.Delta.Add(amount)
		}
		for _, j := range out.Batch.Journals {
			amount, err := decimal.NewFromString(j.Amount.Dec())
			if err != nil {
				return Update{}, fmt.Errorf("journal %s amount: %w", j.JournalID, err)
			}
			touch(j.DebitAccount, amount)
			touch(j.CreditAccount, amount.Neg())
		}
		for _, d := range net {
			if d.Delta.IsZero() {
				continue
			}
			u.Balances = append(u.Balances, *d)
		}
		sort.Slice(u.Balances, func(i, k int) bool { return u.Balances[i].AccountPath < u.Balances[k].AccountPath })
	}

	for i, l := range env.Logs {
		u.Logs = append(u.Logs, SettlementLog{
			Sequence:     env.Sequence,
			Index:        i,
			Kind:         l.Kind.String(),
			Hash:         l.Hash.Hex(),
			Account:      addrHex(l.Account),
			Counterparty: addrHex(l.Counterparty),
			Position:     addrHex(l.Position),
			Token:        addrHex(l.Token),
			Amount:       nullDecimal(l.Amount),
			Payout:       nullDecimal(l.Payout),
			Timestamp:    int64(env.Timestamp),
		})
	}
	return u, nil
}

// ProjectionWorker keeps the projection tables in step with the event log.
// It is fed from the persistence commit hook with a non-blocking send; when
// it sees a sequence gap it catches up from the event log, which already
// holds every committed row below the incoming one.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   atomic.Int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	pw := &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "projection").Logger(),
	}
	pw.lastSeq.Store(-1)
	return pw
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	last, err := LoadWatermark(ctx, pw.db)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	pw.lastSeq.Store(last)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Envelope == nil || output.Envelope.Sequence <= pw.lastSeq.Load() {
				continue
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent: the next output
				// will see the gap and catch up from the event log.
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(WatermarkName).Observe(time.Since(start).Seconds())
			}
			pw.lastSeq.Store(output.Envelope.Sequence)
		}
	}
}

// LastSequence is the highest sequence applied by this worker.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq.Load() }

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	u, err := BuildUpdate(output)
	if err != nil {
		return err
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if last := pw.lastSeq.Load(); u.Sequence > last+1 {
		pw.logger.Info().Int64("from", last+1).Int64("to", u.Sequence-1).Msg("catching up from event log")
		if err := applyRange(ctx, tx, last, u.Sequence); err != nil {
			return fmt.Errorf("catch up: %w", err)
		}
	}

	if err := applyUpdate(ctx, tx, u); err != nil {
		return err
	}
	if err := setWatermark(ctx, tx, u.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

func applyUpdate(ctx context.Context, tx *sql.Tx, u Update) error {
	for _, b := range u.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, scope, entity, token, balance, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, NOW())
			ON CONFLICT (account_path)
			DO UPDATE SET balance = projections.balances.balance + EXCLUDED.balance,
			              last_sequence = EXCLUDED.last_sequence,
			              updated_at = NOW()
		`, b.AccountPath, b.Scope, b.Entity, b.Token, b.Delta.String(), u.Sequence); err != nil {
			return fmt.Errorf("balance projection %s: %w", b.AccountPath, err)
		}
	}

	r := u.Receipt
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.receipts (sequence, event_type, idempotency_key, caller, status, reason, timestamp, state_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence) DO NOTHING
	`, r.Sequence, r.EventType, r.IdempotencyKey, r.Caller, r.Status, r.Reason, r.Timestamp, r.StateHash); err != nil {
		return fmt.Errorf("receipt projection: %w", err)
	}

	for _, l := range u.Logs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.settlement_logs
				(sequence, log_index, kind, hash, account, counterparty, position, token, amount, payout, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11)
			ON CONFLICT (sequence, log_index) DO NOTHING
		`, l.Sequence, l.Index, l.Kind, l.Hash, l.Account, l.Counterparty, l.Position, l.Token, l.Amount, l.Payout, l.Timestamp); err != nil {
			return fmt.Errorf("settlement log projection: %w", err)
		}
	}
	return nil
}

func setWatermark(ctx context.Context, ex interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}, sequence int64) error {
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`, WatermarkName, sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// LoadWatermark returns the last projected sequence, or -1 before the first.
func LoadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var last int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE projection_name = $1`, WatermarkName,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return last, nil
}

// applyRange projects the committed event log rows with after < sequence < before.
func applyRange(ctx context.Context, tx *sql.Tx, after, before int64) error {
	stmts := []struct {
		name string
		sql  string
	}{
		{"balances", `
			INSERT INTO projections.balances (account_path, scope, entity, token, balance, last_sequence, updated_at)
			SELECT account_path,
			       split_part(account_path, ':', 1),
			       split_part(account_path, ':', 2),
			       split_part(account_path, ':', 3),
			       SUM(delta),
			       MAX(sequence),
			       NOW()
			FROM (
				SELECT debit_account AS account_path, amount AS delta, sequence
				FROM event_log.journal WHERE sequence > $1 AND sequence < $2
				UNION ALL
				SELECT credit_account, -amount, sequence
				FROM event_log.journal WHERE sequence > $1 AND sequence < $2
			) moves
			GROUP BY account_path
			HAVING SUM(delta) <> 0
			ON CONFLICT (account_path) DO UPDATE
				SET balance = projections.balances.balance + EXCLUDED.balance,
				    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence),
				    updated_at = NOW()`},
		{"receipts", `
			INSERT INTO projections.receipts (sequence, event_type, idempotency_key, caller, status, reason, timestamp, state_hash)
			SELECT sequence, event_type, idempotency_key, caller,
			       CASE status WHEN 1 THEN 'rejected' ELSE 'applied' END,
			       reason, timestamp, state_hash
			FROM event_log.events WHERE sequence > $1 AND sequence < $2
			ON CONFLICT (sequence) DO NOTHING`},
		{"settlement_logs", `
			INSERT INTO projections.settlement_logs
				(sequence, log_index, kind, hash, account, counterparty, position, token, amount, payout, timestamp)
			SELECT e.sequence, (l.idx - 1)::int,
			       l.elem->>'kind', l.elem->>'hash', l.elem->>'account', l.elem->>'counterparty',
			       l.elem->>'position', l.elem->>'token',
			       NULLIF(l.elem->>'amount', '')::numeric, NULLIF(l.elem->>'payout', '')::numeric,
			       e.timestamp
			FROM event_log.events e,
			     jsonb_array_elements(e.logs) WITH ORDINALITY AS l(elem, idx)
			WHERE e.sequence > $1 AND e.sequence < $2
			ON CONFLICT (sequence, log_index) DO NOTHING`},
	}

	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.sql, after, before); err != nil {
			return fmt.Errorf("project %s: %w", s.name, err)
		}
	}
	return nil
}

// RebuildProjections truncates the projection tables and rebuilds them from
// the event log.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.receipts`,
		`TRUNCATE projections.settlement_logs`,
		`DELETE FROM projections.watermark WHERE projection_name = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if err := applyRange(ctx, tx, -1, math.MaxInt64); err != nil {
		return err
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&last); err != nil {
		return fmt.Errorf("read last sequence: %w", err)
	}
	if last.Valid {
		if err := setWatermark(ctx, tx, last.Int64); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Int64("last_sequence", last.Int64).Msg("projection rebuild complete")
	return nil
}
