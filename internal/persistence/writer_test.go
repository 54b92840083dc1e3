package persistence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/ledger"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	buyer = common.HexToAddress("0xb0")
	usdc  = common.HexToAddress("0xc0")
	hash  = common.HexToHash("0xd1")
)

func escrowOutput(t *testing.T) core.CoreOutput {
	t.Helper()
	movements := []ledger.Movement{{
		Type:   ledger.JournalTypeMarginEscrow,
		Debit:  ledger.NewEscrowAccountKey(hash, usdc),
		Credit: ledger.NewWalletAccountKey(buyer, usdc),
		Amount: uint256.NewInt(3000),
	}}
	batch, err := ledger.NewJournalGenerator().Generate("cmd-1", 7, 100, movements)
	require.NoError(t, err)

	return core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       7,
			IdempotencyKey: "cmd-1",
			EventType:      event.EventTypeCreateDerivative,
			Caller:         buyer,
			Timestamp:      100,
			SourceSequence: 3,
			Payload:        []byte(`{"amount":"3"}`),
			Logs:           []event.Log{{Kind: event.LogCreated, Hash: hash, Account: buyer, Amount: "3"}},
			StateHash:      [32]byte{1},
			PrevHash:       [32]byte{2},
		},
		Batch: batch,
	}
}

func TestRowsFromOutput(t *testing.T) {
	rows, err := RowsFromOutput(escrowOutput(t))
	require.NoError(t, err)

	e := rows.Event
	assert.Equal(t, int64(7), e.Sequence)
	assert.Equal(t, "CreateDerivative", e.EventType)
	assert.Equal(t, buyer.Hex(), e.Caller)
	assert.Equal(t, int64(100), e.Timestamp)
	assert.Equal(t, int16(event.StatusApplied), e.Status)
	assert.Contains(t, string(e.Logs), `"kind":"Created"`)
	assert.Len(t, e.StateHash, 32)

	require.Len(t, rows.Journals, 1)
	j := rows.Journals[0]
	assert.Equal(t, "3000", j.Amount)
	assert.Equal(t, usdc.Hex(), j.Token)
	assert.True(t, strings.HasPrefix(j.DebitAccount, "escrow:"))
	assert.True(t, strings.HasPrefix(j.CreditAccount, "wallet:"))
	assert.Equal(t, int16(ledger.JournalTypeMarginEscrow), j.JournalType)
}

func TestRowsFromRejectedOutput(t *testing.T) {
	out := escrowOutput(t)
	out.Batch = nil
	out.Envelope.Logs = nil
	out.Envelope.Payload = nil
	out.Envelope.Status = event.StatusRejected
	out.Envelope.Reason = "CORE:DERIVATIVE_EXPIRED"

	rows, err := RowsFromOutput(out)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(rows.Event.Logs))
	assert.NotNil(t, rows.Event.Payload)
	assert.Equal(t, "CORE:DERIVATIVE_EXPIRED", rows.Event.Reason)
	assert.Empty(t, rows.Journals)

	_, err = RowsFromOutput(core.CoreOutput{})
	assert.Error(t, err)
}

func TestInsertPlaceholders(t *testing.T) {
	rows, err := RowsFromOutput(escrowOutput(t))
	require.NoError(t, err)

	query, args := eventInsert([]EventRow{rows.Event, rows.Event})
	assert.Len(t, args, 2*eventColumns)
	assert.Contains(t, query, "($13, $14,")
	assert.Contains(t, query, "$24)")
	assert.True(t, strings.HasSuffix(query, "ON CONFLICT (sequence) DO NOTHING"))

	query, args = journalInsert(rows.Journals)
	assert.Len(t, args, journalColumns)
	assert.Contains(t, query, "($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)")
}

func TestMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"000002_b.up.sql", "000001_a.up.sql", "000001_a.down.sql", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644))
	}

	files, err := listMigrationFiles(dir, ".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_a.up.sql", "000002_b.up.sql"}, files)
	assert.Equal(t, "000002", extractVersion(files[1]))
}
