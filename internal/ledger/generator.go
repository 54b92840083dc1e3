package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// journalNamespace seeds deterministic journal ids so a replayed command
// produces byte-identical journals.
var journalNamespace = uuid.MustParse("6f1d3c8e-3a57-4f1b-9c39-5b0a2f6e9d11")

// JournalGenerator creates balanced journal batches from custody movements
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// Generate turns the movements of one committed command into a Batch.
// Returns nil when the command moved no value.
func (jg *JournalGenerator) Generate(
	eventRef string,
	sequence int64,
	timestamp uint64,
	movements []Movement,
) (*Batch, error) {
	if len(movements) == 0 {
		return nil, nil
	}

	batchID := uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("batch:%s:%d", eventRef, sequence)))

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, len(movements)),
	}

	for i, m := range movements {
		if m.Amount == nil || m.Amount.IsZero() {
			continue
		}
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.NewSHA1(batchID, []byte(fmt.Sprintf("journal:%d", i))),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      sequence,
			DebitAccount:  m.Debit,
			CreditAccount: m.Credit,
			Token:         m.Debit.Token,
			Amount:        new(uint256.Int).Set(m.Amount),
			JournalType:   m.Type,
			Timestamp:     timestamp,
		})
	}

	if len(batch.Journals) == 0 {
		return nil, nil
	}

	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("generated batch for %s: %w", eventRef, err)
	}

	return batch, nil
}
