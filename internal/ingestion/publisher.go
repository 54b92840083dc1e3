package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/observability"

	"github.com/luxfi/geth/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const LedgerEventsPrefix = "deriv.ledger.events"

type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed envelopes to NATS for downstream
// consumers. It is fed from the persistence commit hook, so nothing is
// published before it is durable.
// Subjects follow the pattern: deriv.ledger.events.{event_type}
type OutboundPublisher struct {
	js      streamPublisher
	input   chan PublishableEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// PublishableEvent is the outbound form of a committed envelope.
type PublishableEvent struct {
	Sequence       int64       `json:"sequence"`
	EventType      string      `json:"event_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	Caller         string      `json:"caller"`
	Nonce          int64       `json:"nonce"`
	Timestamp      uint64      `json:"timestamp"`
	Status         string      `json:"status"`
	Reason         string      `json:"reason,omitempty"`
	Logs           []event.Log `json:"logs"`
	StateHash      common.Hash `json:"state_hash"`
	PrevHash       common.Hash `json:"prev_hash"`
}

func PublishableFromEnvelope(env *event.EventEnvelope) PublishableEvent {
	logs := env.Logs
	if logs == nil {
		logs = []event.Log{}
	}
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller.Hex(),
		Nonce:          env.SourceSequence,
		Timestamp:      env.Timestamp,
		Status:         env.Status.String(),
		Reason:         env.Reason,
		Logs:           logs,
		StateHash:      common.Hash(env.StateHash),
		PrevHash:       common.Hash(env.PrevHash),
	}
}

func NewOutboundPublisher(js jetstream.JetStream, queue int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return newOutboundPublisher(js, queue, metrics, logger)
}

func newOutboundPublisher(js streamPublisher, queue int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	if queue <= 0 {
		queue = 1024
	}
	return &OutboundPublisher{
		js:      js,
		input:   make(chan PublishableEvent, queue),
		metrics: metrics,
		logger:  logger.With().Str("component", "publisher").Logger(),
	}
}

// Enqueue is the persistence commit hook. It never blocks the writer: when
// the queue is full the event is dropped and counted, and consumers fall
// back to the event log.
func (op *OutboundPublisher) Enqueue(outs []core.CoreOutput) {
	for _, out := range outs {
		if out.Envelope == nil {
			continue
		}
		select {
		case op.input <- PublishableFromEnvelope(out.Envelope):
		default:
			if op.metrics != nil {
				op.metrics.PublishDrops.Inc()
			}
		}
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-op.input:
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", LedgerEventsPrefix, evt.EventType)
	// The sequence doubles as the JetStream dedup id, so a replayed commit
	// hook cannot publish the same envelope twice within the window.
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(fmt.Sprintf("deriv-%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	cfg := streamConfig("DERIV_LEDGER_EVENTS", LedgerEventsPrefix+".>")
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", cfg.Name).Msg("ensured outbound stream")
	return nil
}
