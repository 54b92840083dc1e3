package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/observability"
	"DerivLedger/internal/testutil"

	"github.com/holiman/uint256"
	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKey    = testutil.Key("pipeline")
	testCaller = KeyAddress(testKey)
)

type scriptedProcessor struct {
	mu    sync.Mutex
	seen  []event.Command
	reply func(cmd event.Command) (*event.EventEnvelope, error)
}

func (p *scriptedProcessor) ProcessEvent(cmd event.Command) (*event.EventEnvelope, error) {
	p.mu.Lock()
	p.seen = append(p.seen, cmd)
	p.mu.Unlock()
	return p.reply(cmd)
}

type settled struct {
	mu    sync.Mutex
	acks  int
	naks  int
	order []string
}

func (s *settled) ack(tag string) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.acks++
		s.order = append(s.order, "ack:"+tag)
	}
}

func (s *settled) nak(tag string) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.naks++
		s.order = append(s.order, "nak:"+tag)
	}
}

func commitWhitelist(t *testing.T, key string, nonce int64) []byte {
	t.Helper()
	data, err := SignCommand(&event.CommitWhitelist{Header: event.Header{Key: key, Caller: testCaller, Nonce: nonce}}, testKey)
	require.NoError(t, err)
	return data
}

func TestRoute_DecodesSubjectTypeAndDropsMalformed(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	in := make(chan RawEvent, 2)
	out := make(chan Submission, 2)
	s := &settled{}

	in <- RawEvent{Subject: "deriv.cmd.CommitWhitelist.x", Data: []byte("{"), AckFunc: s.ack("bad"), NakFunc: s.nak("bad")}
	in <- RawEvent{
		Subject: CommandSubject(event.EventTypeCommitWhitelist, testCaller),
		Data:    commitWhitelist(t, "k1", 0),
		AckFunc: s.ack("good"),
		NakFunc: s.nak("good"),
	}
	close(in)

	require.NoError(t, Route(context.Background(), in, out, metrics, zerolog.Nop()))
	require.Len(t, out, 1)

	sub := <-out
	assert.Equal(t, event.EventTypeCommitWhitelist, sub.Command.EventType())
	assert.Equal(t, "nats", sub.Source)
	assert.Equal(t, []string{"ack:bad"}, s.order, "only the malformed message is settled by the router")
}

func TestRoute_PinnedEventType(t *testing.T) {
	in := make(chan RawEvent, 1)
	out := make(chan Submission, 1)
	data, err := SignCommand(&event.OracleData{
		Header:        event.Header{Key: "oracle-1", Caller: testCaller},
		DataTimestamp: 100,
		Value:         uint256.NewInt(42),
	}, testKey)
	require.NoError(t, err)

	in <- RawEvent{Subject: OracleSubject(testCaller), EventType: "OracleData", Data: data}
	close(in)

	require.NoError(t, Route(context.Background(), in, out, nil, zerolog.Nop()))
	sub := <-out
	od, ok := sub.Command.(*event.OracleData)
	require.True(t, ok)
	assert.Equal(t, "42", od.Value.Dec())
}

func TestRunCoreLoop_SettlesByOutcome(t *testing.T) {
	gap := fmt.Errorf("sequence validation failed: %w", core.ErrSequenceGap)
	rejected := errors.New("CORE:TICKER_WAS_CANCELLED")
	p := &scriptedProcessor{reply: func(cmd event.Command) (*event.EventEnvelope, error) {
		switch cmd.IdempotencyKey() {
		case "applied":
			return &event.EventEnvelope{Sequence: 1}, nil
		case "rejected":
			return &event.EventEnvelope{Sequence: 2, Status: event.StatusRejected}, rejected
		case "duplicate":
			return nil, nil
		default:
			return nil, gap
		}
	}}

	s := &settled{}
	in := make(chan Submission, 4)
	replies := make(chan Result, 4)
	for i, key := range []string{"applied", "rejected", "duplicate", "gap"} {
		cmd := &event.CommitWhitelist{Header: event.Header{Key: key, Caller: testCaller, Nonce: int64(i)}}
		in <- Submission{Command: cmd, Ack: s.ack(key), Nak: s.nak(key), Reply: replies}
	}
	close(in)

	require.NoError(t, RunCoreLoop(context.Background(), in, p, nil, zerolog.Nop()))
	assert.Equal(t, []string{"ack:applied", "ack:rejected", "ack:duplicate", "nak:gap"}, s.order)

	res := <-replies
	assert.Equal(t, int64(1), res.Envelope.Sequence)
	assert.NoError(t, res.Err)

	res = <-replies
	assert.Equal(t, event.StatusRejected, res.Envelope.Status)
	assert.Equal(t, rejected, res.Err)

	res = <-replies
	assert.True(t, res.Duplicate)
	assert.Nil(t, res.Envelope)

	res = <-replies
	assert.ErrorIs(t, res.Err, core.ErrSequenceGap)
}

func TestRoute_DropsForgedCaller(t *testing.T) {
	forged, err := SignCommand(&event.CommitWhitelist{
		Header: event.Header{Key: "forged", Caller: KeyAddress(testutil.Key("governor"))},
	}, testutil.Key("governor"))
	require.NoError(t, err)

	// re-sign the governor's command body with someone else's key
	var msg signedJSON
	require.NoError(t, json.Unmarshal(forged, &msg))
	sig, err := crypto.Sign(CommandDigest(event.EventTypeCommitWhitelist, msg.Command), testKey)
	require.NoError(t, err)
	msg.Signature = sig
	forged, err = json.Marshal(msg)
	require.NoError(t, err)

	in := make(chan RawEvent, 1)
	out := make(chan Submission, 1)
	s := &settled{}
	in <- RawEvent{Subject: CommandSubject(event.EventTypeCommitWhitelist, testCaller), Data: forged, AckFunc: s.ack("forged"), NakFunc: s.nak("forged")}
	close(in)

	require.NoError(t, Route(context.Background(), in, out, nil, zerolog.Nop()))
	assert.Empty(t, out)
	assert.Equal(t, []string{"ack:forged"}, s.order)
}

type clockedProcessor struct {
	scriptedProcessor
	last uint64
}

func (p *clockedProcessor) LastTime() uint64 { return p.last }

func stubClock(t *testing.T, seconds ...int64) {
	t.Helper()
	i := 0
	processingClock = func() time.Time {
		ts := seconds[i]
		if i < len(seconds)-1 {
			i++
		}
		return time.Unix(ts, 0)
	}
	t.Cleanup(func() { processingClock = time.Now })
}

func TestRunCoreLoop_StampsProcessingTime(t *testing.T) {
	stubClock(t, 1_000, 990, 1_020)

	p := &scriptedProcessor{reply: func(cmd event.Command) (*event.EventEnvelope, error) {
		return &event.EventEnvelope{Timestamp: cmd.EventTime()}, nil
	}}
	in := make(chan Submission, 3)
	for i := 0; i < 3; i++ {
		// a client-chosen time never survives stamping
		hdr := event.Header{Key: fmt.Sprintf("k%d", i), Caller: testCaller, Nonce: int64(i), Timestamp: 5_000_000}
		in <- Submission{Command: &event.CommitWhitelist{Header: hdr}}
	}
	close(in)

	require.NoError(t, RunCoreLoop(context.Background(), in, p, nil, zerolog.Nop()))
	require.Len(t, p.seen, 3)
	var got []uint64
	for _, cmd := range p.seen {
		got = append(got, cmd.EventTime())
	}
	assert.Equal(t, []uint64{1_000, 1_000, 1_020}, got, "a host clock step back must not move stamps backwards")
}

func TestRunCoreLoop_StampsResumeFromLog(t *testing.T) {
	stubClock(t, 500)

	p := &clockedProcessor{last: 800}
	p.reply = func(cmd event.Command) (*event.EventEnvelope, error) { return &event.EventEnvelope{}, nil }
	in := make(chan Submission, 1)
	in <- Submission{Command: &event.CommitWhitelist{Header: event.Header{Key: "after-restart", Caller: testCaller}}}
	close(in)

	require.NoError(t, RunCoreLoop(context.Background(), in, p, nil, zerolog.Nop()))
	require.Len(t, p.seen, 1)
	assert.Equal(t, uint64(800), p.seen[0].EventTime())
}

func TestGRPCIngest_SubmitWaitsForCore(t *testing.T) {
	subs := make(chan Submission)
	svc := NewGRPCIngestService(subs, nil)
	p := &scriptedProcessor{reply: func(cmd event.Command) (*event.EventEnvelope, error) {
		return &event.EventEnvelope{Sequence: 9, IdempotencyKey: cmd.IdempotencyKey()}, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = RunCoreLoop(ctx, subs, p, nil, zerolog.Nop()) }()

	res, err := svc.Submit(ctx, "CommitWhitelist", commitWhitelist(t, "rpc-1", 0))
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.Envelope.Sequence)
	assert.Equal(t, "rpc-1", res.Envelope.IdempotencyKey)

	_, err = svc.Submit(ctx, "CommitWhitelist", []byte(`{}`))
	assert.ErrorIs(t, err, ErrMalformedCommand)

	unsigned, err := EncodeCommand(&event.CommitWhitelist{Header: event.Header{Key: "rpc-2", Caller: testCaller, Nonce: 1}})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "CommitWhitelist", []byte(`{"command":`+string(unsigned)+`}`))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Len(t, p.seen, 1, "malformed and unsigned payloads never reach the core")
}

func TestGRPCIngest_ContextCancelled(t *testing.T) {
	svc := NewGRPCIngestService(make(chan Submission), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := svc.Submit(ctx, "CommitWhitelist", commitWhitelist(t, "k", 0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
	done     chan struct{}
}

func (r *recordingPublisher) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	r.mu.Lock()
	r.subjects = append(r.subjects, subject)
	r.bodies = append(r.bodies, data)
	r.mu.Unlock()
	r.done <- struct{}{}
	return &jetstream.PubAck{}, nil
}

func TestOutboundPublisher_PublishesCommittedEnvelopes(t *testing.T) {
	rec := &recordingPublisher{done: make(chan struct{}, 1)}
	pub := newOutboundPublisher(rec, 4, nil, zerolog.Nop())

	env := &event.EventEnvelope{
		Sequence:       5,
		IdempotencyKey: "k5",
		EventType:      event.EventTypeWithdrawFee,
		Caller:         testCaller,
		Status:         event.StatusApplied,
		Logs:           []event.Log{{Kind: event.LogFeeWithdrawn, Account: testCaller, Payout: "12"}},
		StateHash:      [32]byte{1},
	}
	pub.Enqueue([]core.CoreOutput{{Envelope: env}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pub.Run(ctx) }()

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("nothing published")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"deriv.ledger.events.WithdrawFee"}, rec.subjects)

	var got PublishableEvent
	require.NoError(t, json.Unmarshal(rec.bodies[0], &got))
	assert.Equal(t, int64(5), got.Sequence)
	assert.Equal(t, "applied", got.Status)
	require.Len(t, got.Logs, 1)
	assert.Equal(t, event.LogFeeWithdrawn, got.Logs[0].Kind)
	assert.Equal(t, common.Hash(env.StateHash), got.StateHash)
}

func TestOutboundPublisher_DropsWhenFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	pub := newOutboundPublisher(&recordingPublisher{done: make(chan struct{}, 8)}, 1, metrics, zerolog.Nop())

	outs := []core.CoreOutput{
		{Envelope: &event.EventEnvelope{Sequence: 1}},
		{Envelope: &event.EventEnvelope{Sequence: 2}},
		{Envelope: &event.EventEnvelope{Sequence: 3}},
	}
	pub.Enqueue(outs)

	assert.Len(t, pub.input, 1)
	families, err := reg.Gather()
	require.NoError(t, err)
	var drops float64
	for _, mf := range families {
		if mf.GetName() == "deriv_publish_drops_total" {
			drops = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(2), drops)
}
