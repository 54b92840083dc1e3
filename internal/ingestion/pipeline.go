package ingestion

import (
	"context"
	"errors"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Submission is one decoded command on its way to the core. Ack and Nak
// settle the transport message; Reply, when set, receives the outcome.
type Submission struct {
	Command  event.Command
	Source   string
	Received time.Time
	Ack      func()
	Nak      func()
	Reply    chan<- Result
}

// Result is what the core made of a submission. Envelope is nil for
// duplicates and sequence failures.
type Result struct {
	Envelope  *event.EventEnvelope
	Duplicate bool
	Err       error
}

// Processor is the single writer all submissions funnel into.
type Processor interface {
	ProcessEvent(cmd event.Command) (*event.EventEnvelope, error)
}

// timeKeeper reports the processing time of the last logged command, so a
// restarted loop never stamps earlier than what the log already holds.
type timeKeeper interface {
	LastTime() uint64
}

// processingClock is the host clock commands are stamped from.
var processingClock = time.Now

// stamper assigns processing time in unix seconds. Stamps never decrease,
// even when the host clock steps back.
type stamper struct {
	last uint64
}

func (s *stamper) stamp(cmd event.Command) {
	ts := uint64(processingClock().Unix())
	if ts < s.last {
		ts = s.last
	}
	s.last = ts
	cmd.Stamp(ts)
}

// Route decodes raw NATS messages into submissions. Undecodable messages
// are acknowledged and dropped; redelivery cannot fix them.
func Route(ctx context.Context, in <-chan RawEvent, out chan<- Submission, metrics *observability.Metrics, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "router").Logger()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			if metrics != nil {
				metrics.IngestReceived.WithLabelValues("nats").Inc()
			}

			eventType := raw.EventType
			var err error
			if eventType == "" {
				eventType, err = EventTypeFromSubject(raw.Subject)
			}
			var cmd event.Command
			if err == nil {
				cmd, err = ParseRawEvent(raw, eventType)
			}
			if err != nil {
				if metrics != nil {
					metrics.IngestParseErrors.WithLabelValues(raw.Subject).Inc()
				}
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
				settle(raw.AckFunc)
				continue
			}

			sub := Submission{Command: cmd, Source: "nats", Received: raw.Timestamp, Ack: raw.AckFunc, Nak: raw.NakFunc}
			select {
			case out <- sub:
			case <-ctx.Done():
				settle(raw.NakFunc)
				return ctx.Err()
			}
		}
	}
}

// RunCoreLoop feeds submissions to p one at a time, stamping each with the
// processing time the core treats as now. Messages are acked once the core
// has logged an envelope or recognised a duplicate. A nonce gap is nacked so
// the message returns after the missing nonce had a chance to arrive; stale
// nonces are acked and dropped.
func RunCoreLoop(ctx context.Context, in <-chan Submission, p Processor, metrics *observability.Metrics, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "core_loop").Logger()
	var clock stamper
	if tk, ok := p.(timeKeeper); ok {
		clock.last = tk.LastTime()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub, ok := <-in:
			if !ok {
				return nil
			}
			clock.stamp(sub.Command)
			res := handle(sub, p, metrics, logger)
			if sub.Reply != nil {
				sub.Reply <- res
			}
		}
	}
}

func handle(sub Submission, p Processor, metrics *observability.Metrics, logger zerolog.Logger) Result {
	env, err := p.ProcessEvent(sub.Command)
	eventType := sub.Command.EventType().String()

	switch {
	case env == nil && err == nil:
		settle(sub.Ack)
		return Result{Duplicate: true}
	case env == nil && errors.Is(err, core.ErrSequenceGap):
		logger.Warn().Err(err).
			Str("event_type", eventType).
			Str("caller", sub.Command.Sender().Hex()).
			Int64("nonce", sub.Command.SourceSequence()).
			Msg("nonce gap, retrying later")
		settle(sub.Nak)
		return Result{Err: err}
	case env == nil:
		logger.Warn().Err(err).
			Str("event_type", eventType).
			Str("idempotency_key", sub.Command.IdempotencyKey()).
			Msg("command refused")
		settle(sub.Ack)
		return Result{Err: err}
	}

	settle(sub.Ack)
	if metrics != nil && !sub.Received.IsZero() {
		metrics.IngestToApply.WithLabelValues(eventType).Observe(time.Since(sub.Received).Seconds())
	}
	return Result{Envelope: env, Err: err}
}

func settle(fn func()) {
	if fn != nil {
		fn()
	}
}
