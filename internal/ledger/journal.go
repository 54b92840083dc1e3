package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeMarginEscrow JournalType = iota
	JournalTypeMarginRelease
	JournalTypeExecutionFeeAuthor
	JournalTypeExecutionFeeProtocol
	JournalTypeRedemptionFeeAuthor
	JournalTypeRedemptionFeeProtocol
	JournalTypeFeeWithdrawal
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeMarginEscrow:
		return "margin_escrow"
	case JournalTypeMarginRelease:
		return "margin_release"
	case JournalTypeExecutionFeeAuthor:
		return "execution_fee_author"
	case JournalTypeExecutionFeeProtocol:
		return "execution_fee_protocol"
	case JournalTypeRedemptionFeeAuthor:
		return "redemption_fee_author"
	case JournalTypeRedemptionFeeProtocol:
		return "redemption_fee_protocol"
	case JournalTypeFeeWithdrawal:
		return "fee_withdrawal"
	default:
		return "unknown"
	}
}

// Movement is one value transfer recorded by custody while an operation runs.
// The processor turns the movements of a committed operation into a Batch.
type Movement struct {
	Type   JournalType
	Debit  AccountKey // balance increases
	Credit AccountKey // balance decreases
	Amount *uint256.Int
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Unique identifier
	BatchID       uuid.UUID      // Groups balanced entries
	EventRef      string         // Idempotency key of source command
	Sequence      int64          // Global event sequence
	DebitAccount  AccountKey     // Account receiving debit (balance increases)
	CreditAccount AccountKey     // Account receiving credit (balance decreases)
	Token         common.Address // Token being transferred
	Amount        *uint256.Int   // Token native units (ALWAYS positive)
	JournalType   JournalType    // Entry type
	Timestamp     uint64         // Command timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp uint64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each entry moves one positive amount of one token between two accounts, so
// Σ debits == Σ credits per token holds entry by entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		// No cross-token journals
		if j.DebitAccount.Token != j.Token || j.CreditAccount.Token != j.Token {
			return fmt.Errorf("journal %s mixes tokens", j.JournalID)
		}
	}

	return nil
}
