package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"DerivLedger/internal/core"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes envelopes and journals to Postgres using multi-row
// INSERTs. Writes are idempotent on sequence and journal id, so a batch
// retried after an ambiguous commit does not duplicate rows.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row in event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Caller         string
	Timestamp      int64
	SourceSequence int64
	Payload        []byte
	Status         int16
	Reason         string
	Logs           []byte // JSON array of event.Log
	StateHash      []byte
	PrevHash       []byte
}

// JournalRow is a row in event_log.journal. Amount is a base-unit decimal.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Token         string
	Amount        string
	JournalType   int16
	Timestamp     int64
}

// Rows is one core output in row form.
type Rows struct {
	Event    EventRow
	Journals []JournalRow
}

// RowsFromOutput converts a core output into event log rows.
func RowsFromOutput(out core.CoreOutput) (Rows, error) {
	env := out.Envelope
	if env == nil {
		return Rows{}, fmt.Errorf("core output without envelope")
	}

	logJSON := []byte("[]")
	if len(env.Logs) > 0 {
		var err error
		if logJSON, err = json.Marshal(env.Logs); err != nil {
			return Rows{}, fmt.Errorf("marshal logs at sequence %d: %w", env.Sequence, err)
		}
	}

	payload := env.Payload
	if payload == nil {
		payload = []byte{}
	}

	rows := Rows{
		Event: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Caller:         env.Caller.Hex(),
			Timestamp:      int64(env.Timestamp),
			SourceSequence: env.SourceSequence,
			Payload:        payload,
			Status:         int16(env.Status),
			Reason:         env.Reason,
			Logs:           logJSON,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
		},
	}

	if out.Batch != nil {
		rows.Journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			rows.Journals = append(rows.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Token:         j.Token.Hex(),
				Amount:        j.Amount.Dec(),
				JournalType:   int16(j.JournalType),
				Timestamp:     int64(j.Timestamp),
			})
		}
	}
	return rows, nil
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// multiRowInsert builds "INSERT ... VALUES ($1..$n), (...) suffix".
func multiRowInsert(prefix string, columns, rows int, suffix string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(" VALUES ")
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < columns; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", r*columns+c+1)
		}
		b.WriteByte(')')
	}
	b.WriteString(suffix)
	return b.String()
}

const eventColumns = 12

func eventInsert(events []EventRow) (string, []interface{}) {
	query := multiRowInsert(`INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, caller, timestamp, source_sequence,
		 payload, status, reason, logs, state_hash, prev_hash)`,
		eventColumns, len(events), " ON CONFLICT (sequence) DO NOTHING")

	args := make([]interface{}, 0, len(events)*eventColumns)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Caller, e.Timestamp, e.SourceSequence,
			e.Payload, e.Status, e.Reason, string(e.Logs), e.StateHash, e.PrevHash,
		)
	}
	return query, args
}

const journalColumns = 10

func journalInsert(journals []JournalRow) (string, []interface{}) {
	query := multiRowInsert(`INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		 token, amount, journal_type, timestamp)`,
		journalColumns, len(journals), " ON CONFLICT (journal_id) DO NOTHING")

	args := make([]interface{}, 0, len(journals)*journalColumns)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.DebitAccount, j.CreditAccount,
			j.Token, j.Amount, j.JournalType, j.Timestamp,
		)
	}
	return query, args
}

// WriteEventBatch inserts envelopes through ex (the DB or an open tx).
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	query, args := eventInsert(events)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch inserts journal entries through ex.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	query, args := journalInsert(journals)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteAtomically writes events and their journals in one transaction.
func (w *EventLogWriter) WriteAtomically(ctx context.Context, events []EventRow, journals []JournalRow) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &writeError{stage: "tx_begin", err: err}
	}
	defer tx.Rollback()

	if err := w.WriteEventBatch(ctx, tx, events); err != nil {
		return &writeError{stage: "write_events", err: err}
	}
	if err := w.WriteJournalBatch(ctx, tx, journals); err != nil {
		return &writeError{stage: "write_journals", err: err}
	}
	if err := tx.Commit(); err != nil {
		return &writeError{stage: "tx_commit", err: err}
	}
	return nil
}

// writeError tags a failure with the stage it happened in, for metrics.
type writeError struct {
	stage string
	err   error
}

func (e *writeError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }
