package projection_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/ledger"
	"DerivLedger/internal/persistence"
	"DerivLedger/internal/projection"
	"DerivLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func escrowOutput(seq int64) core.CoreOutput {
	escrow := ledger.NewEscrowAccountKey(hash, usdc)
	wallet := ledger.NewWalletAccountKey(buyer, usdc)
	return core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: "create-1",
			EventType:      event.EventTypeCreateDerivative,
			Caller:         buyer,
			Timestamp:      10_000,
			Payload:        []byte(`{}`),
			Status:         event.StatusApplied,
			Logs:           []event.Log{{Kind: event.LogCreated, Hash: hash, Account: buyer, Amount: "1"}},
			StateHash:      [32]byte{byte(seq + 1)},
		},
		Batch: &ledger.Batch{
			Sequence: seq,
			Journals: []ledger.Journal{journal(seq, escrow, wallet, 2000, ledger.JournalTypeMarginEscrow)},
		},
	}
}

func writeLog(t *testing.T, db *sql.DB, outs ...core.CoreOutput) {
	t.Helper()
	w := persistence.NewEventLogWriter(db)
	for _, out := range outs {
		rows, err := persistence.RowsFromOutput(out)
		require.NoError(t, err)
		require.NoError(t, w.WriteAtomically(context.Background(), []persistence.EventRow{rows.Event}, rows.Journals))
	}
}

func balances(t *testing.T, db *sql.DB) map[string]string {
	t.Helper()
	rows, err := db.Query(`SELECT account_path, balance::text FROM projections.balances`)
	require.NoError(t, err)
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var path, bal string
		require.NoError(t, rows.Scan(&path, &bal))
		out[path] = bal
	}
	require.NoError(t, rows.Err())
	return out
}

func TestProjectionWorker_CatchesUpAcrossGaps(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	outs := []core.CoreOutput{escrowOutput(0), executionOutput(1), executionOutput(2)}
	outs[2].Envelope.IdempotencyKey = "exec-2"
	writeLog(t, db, outs...)

	in := make(chan core.CoreOutput, 2)
	worker := projection.NewProjectionWorker(db, in, nil, zerolog.Nop())
	in <- outs[0]
	in <- outs[2] // sequence 1 was dropped on the way
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, worker.Run(ctx))
	assert.Equal(t, int64(2), worker.LastSequence())

	live := balances(t, db)
	assert.Equal(t, "100", live[ledger.NewEscrowAccountKey(hash, usdc).AccountPath()])
	assert.Equal(t, "-200", live[ledger.NewWalletAccountKey(buyer, usdc).AccountPath()])
	assert.Equal(t, "100", live[ledger.NewVaultAccountKey(author, usdc).AccountPath()])

	var receipts, logs int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM projections.receipts`).Scan(&receipts))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM projections.settlement_logs`).Scan(&logs))
	assert.Equal(t, 3, receipts)
	assert.Equal(t, 5, logs)

	require.NoError(t, projection.RebuildProjections(ctx, db, zerolog.Nop()))
	assert.Equal(t, live, balances(t, db), "rebuild matches live projection")

	mark, err := projection.LoadWatermark(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(2), mark)

	var account string
	require.NoError(t, db.QueryRow(
		`SELECT account FROM projections.settlement_logs WHERE sequence = 1 AND log_index = 0`,
	).Scan(&account))
	assert.Equal(t, "0x000000000000000000000000000000000000b001", account)
}

func TestProjectionWorker_SkipsBelowWatermark(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	out := escrowOutput(0)
	writeLog(t, db, out)

	for i := 0; i < 2; i++ {
		in := make(chan core.CoreOutput, 1)
		in <- out
		close(in)
		require.NoError(t, projection.NewProjectionWorker(db, in, nil, zerolog.Nop()).Run(context.Background()))
	}

	assert.Equal(t, "2000", balances(t, db)[ledger.NewEscrowAccountKey(hash, usdc).AccountPath()])
}
