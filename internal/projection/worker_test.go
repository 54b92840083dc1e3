package projection_test

import (
	"testing"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/ledger"
	"DerivLedger/internal/projection"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc   = common.HexToAddress("0x05dc")
	buyer  = common.HexToAddress("0xB001")
	author = common.HexToAddress("0xA001")
	hash   = common.HexToHash("0x0d1e")
)

func journal(seq int64, debit, credit ledger.AccountKey, amount uint64, jt ledger.JournalType) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		Sequence:      seq,
		DebitAccount:  debit,
		CreditAccount: credit,
		Token:         usdc,
		Amount:        uint256.NewInt(amount),
		JournalType:   jt,
	}
}

// executionOutput releases 900 of escrow to the buyer and 100 to the author's
// vault, then moves 50 of the author's fee straight back to escrow.
func executionOutput(seq int64) core.CoreOutput {
	escrow := ledger.NewEscrowAccountKey(hash, usdc)
	wallet := ledger.NewWalletAccountKey(buyer, usdc)
	vault := ledger.NewVaultAccountKey(author, usdc)

	return core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: "exec-1",
			EventType:      event.EventTypeExecutePositions,
			Caller:         buyer,
			Timestamp:      20_000,
			Status:         event.StatusApplied,
			Logs: []event.Log{
				{Kind: event.LogExecuted, Hash: hash, Account: buyer, Amount: "1", Payout: "900"},
				{Kind: event.LogOracleData, Account: author},
			},
			StateHash: [32]byte{7},
		},
		Batch: &ledger.Batch{
			Sequence: seq,
			Journals: []ledger.Journal{
				journal(seq, wallet, escrow, 900, ledger.JournalTypeMarginRelease),
				journal(seq, vault, escrow, 100, ledger.JournalTypeExecutionFeeAuthor),
				journal(seq, escrow, vault, 50, ledger.JournalTypeMarginEscrow),
			},
		},
	}
}

func TestBuildUpdate_NetsBalancesPerAccount(t *testing.T) {
	u, err := projection.BuildUpdate(executionOutput(4))
	require.NoError(t, err)

	require.Len(t, u.Balances, 3)
	byPath := map[string]projection.BalanceDelta{}
	for _, b := range u.Balances {
		byPath[b.AccountPath] = b
	}

	escrow := byPath[ledger.NewEscrowAccountKey(hash, usdc).AccountPath()]
	assert.Equal(t, "-950", escrow.Delta.String())
	assert.Equal(t, "escrow", escrow.Scope)
	assert.Equal(t, hash.Hex(), escrow.Entity)

	wallet := byPath[ledger.NewWalletAccountKey(buyer, usdc).AccountPath()]
	assert.Equal(t, "900", wallet.Delta.String())
	assert.Equal(t, buyer.Hex(), wallet.Entity)
	assert.Equal(t, usdc.Hex(), wallet.Token)

	vault := byPath[ledger.NewVaultAccountKey(author, usdc).AccountPath()]
	assert.Equal(t, "50", vault.Delta.String())

	for i := 1; i < len(u.Balances); i++ {
		assert.Less(t, u.Balances[i-1].AccountPath, u.Balances[i].AccountPath)
	}
}

func TestBuildUpdate_ReceiptAndLogs(t *testing.T) {
	u, err := projection.BuildUpdate(executionOutput(4))
	require.NoError(t, err)

	assert.Equal(t, int64(4), u.Receipt.Sequence)
	assert.Equal(t, "ExecutePositions", u.Receipt.EventType)
	assert.Equal(t, "applied", u.Receipt.Status)
	assert.Equal(t, buyer.Hex(), u.Receipt.Caller)

	require.Len(t, u.Logs, 2)
	assert.Equal(t, "Executed", u.Logs[0].Kind)
	assert.Equal(t, "0x000000000000000000000000000000000000b001", u.Logs[0].Account)
	assert.Equal(t, "900", u.Logs[0].Payout.String)
	assert.True(t, u.Logs[0].Amount.Valid)
	assert.Equal(t, 1, u.Logs[1].Index)
	assert.False(t, u.Logs[1].Amount.Valid, "empty amounts project as NULL")
}

func TestBuildUpdate_RejectedCommandHasNoBalances(t *testing.T) {
	out := core.CoreOutput{Envelope: &event.EventEnvelope{
		Sequence:  9,
		EventType: event.EventTypeCancelPositions,
		Status:    event.StatusRejected,
		Reason:    "CORE:CANCELLATION_IS_NOT_ALLOWED",
	}}
	u, err := projection.BuildUpdate(out)
	require.NoError(t, err)
	assert.Empty(t, u.Balances)
	assert.Empty(t, u.Logs)
	assert.Equal(t, "rejected", u.Receipt.Status)
	assert.Equal(t, "CORE:CANCELLATION_IS_NOT_ALLOWED", u.Receipt.Reason)
}

func TestBuildUpdate_NoEnvelope(t *testing.T) {
	_, err := projection.BuildUpdate(core.CoreOutput{})
	assert.Error(t, err)
}
