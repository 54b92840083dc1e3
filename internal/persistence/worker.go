package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on that channel with a blocking send, so a slow worker
// stalls the core instead of losing envelopes.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// onCommitted runs after each durable flush, in sequence order.
	onCommitted func([]core.CoreOutput)
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// OnCommitted registers a callback for outputs that are durable. The
// outbound publisher hangs off this so nothing is announced before it is
// in the event log.
func (pw *PersistenceWorker) OnCommitted(fn func([]core.CoreOutput)) {
	pw.onCommitted = fn
}

// pending accumulates one batch.
type pending struct {
	outputs  []core.CoreOutput
	events   []EventRow
	journals []JournalRow
}

func (p *pending) add(out core.CoreOutput) error {
	rows, err := RowsFromOutput(out)
	if err != nil {
		return err
	}
	p.outputs = append(p.outputs, out)
	p.events = append(p.events, rows.Event)
	p.journals = append(p.journals, rows.Journals...)
	return nil
}

func (p *pending) reset() {
	p.outputs = p.outputs[:0]
	p.events = p.events[:0]
	p.journals = p.journals[:0]
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns when ctx is cancelled or the input
// channel closes, after a final flush.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pending{
		outputs:  make([]core.CoreOutput, 0, pw.batchSize),
		events:   make([]EventRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*4),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(batch.events) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Str("trigger", reason).Int("events", len(batch.events)).Msg("batch flush failed")
		}
		batch.reset()
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}
			if err := batch.add(output); err != nil {
				pw.logger.Error().Err(err).Msg("unconvertible core output")
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("convert").Inc()
				}
				continue
			}
			if len(batch.events) >= pw.batchSize {
				flush(ctx, "size")
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On shutdown it makes one last attempt with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pending) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(batch.events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		if pw.metrics != nil {
			var we *writeError
			stage := "unknown"
			if errors.As(err, &we) {
				stage = we.stage
			}
			pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *pending) error {
	start := time.Now()
	if err := pw.writer.WriteAtomically(ctx, batch.events, batch.journals); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch.events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(batch.journals)))
		pw.metrics.PersistLastSequence.Set(float64(batch.events[len(batch.events)-1].Sequence))
	}
	if pw.onCommitted != nil {
		committed := make([]core.CoreOutput, len(batch.outputs))
		copy(committed, batch.outputs)
		pw.onCommitted(committed)
	}
	return nil
}

func (pw *PersistenceWorker) GetWriter() *EventLogWriter {
	return pw.writer
}
