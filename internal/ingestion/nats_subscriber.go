package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"DerivLedger/internal/event"

	"github.com/luxfi/geth/common"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandSubjectPrefix = "deriv.cmd"
	OracleSubjectPrefix  = "deriv.oracle"

	streamMaxAge = 72 * time.Hour
)

// NATSSubscriber consumes JetStream command subjects and hands raw messages
// to the router. NATS is the high-throughput surface; gRPC covers admin
// and request/response submissions.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded message. EventType is empty when the type is
// carried in the subject.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// SubjectConfig binds a subject filter to a durable consumer. EventType
// pins every message on the subject to one command type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects uses one consumer for all user commands so a caller's
// nonces arrive in publish order. Oracle sources only push data and get
// their own stream.
func DefaultSubjects(durable string) []SubjectConfig {
	if durable == "" {
		durable = "deriv-settlement"
	}
	return []SubjectConfig{
		{Subject: CommandSubjectPrefix + ".>", ConsumerName: durable + "-commands", StreamName: "DERIV_COMMANDS"},
		{Subject: OracleSubjectPrefix + ".>", EventType: event.EventTypeOracleData.String(), ConsumerName: durable + "-oracle", StreamName: "DERIV_ORACLE"},
	}
}

// CommandSubject is where a client publishes a command:
// deriv.cmd.<EventType>.<caller>.
func CommandSubject(et event.EventType, caller common.Address) string {
	return fmt.Sprintf("%s.%s.%s", CommandSubjectPrefix, et, caller.Hex())
}

// OracleSubject is where a data source publishes OracleData.
func OracleSubject(source common.Address) string {
	return fmt.Sprintf("%s.%s", OracleSubjectPrefix, source.Hex())
}

// EventTypeFromSubject extracts the command type token of a command subject.
func EventTypeFromSubject(subject string) (string, error) {
	rest, ok := strings.CutPrefix(subject, CommandSubjectPrefix+".")
	if !ok {
		return "", fmt.Errorf("%w: subject %q outside %s", ErrMalformedCommand, subject, CommandSubjectPrefix)
	}
	et, _, _ := strings.Cut(rest, ".")
	if et == "" {
		return "", fmt.Errorf("%w: subject %q has no event type", ErrMalformedCommand, subject)
	}
	return et, nil
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s and at most one
// unacknowledged message, which keeps delivery in stream order.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			MaxAckPending: 1,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.NakWithDelay(time.Second) },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

func streamConfig(name, subject string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    streamMaxAge,
		Replicas:  1,
	}
}

// EnsureStreams creates the inbound streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		streamConfig("DERIV_COMMANDS", CommandSubjectPrefix+".>"),
		streamConfig("DERIV_ORACLE", OracleSubjectPrefix+".>"),
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("derivledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
