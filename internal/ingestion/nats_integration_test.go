package ingestion_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"DerivLedger/internal/event"
	"DerivLedger/internal/ingestion"
	"DerivLedger/internal/testutil"

	"github.com/luxfi/geth/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATS_CommandReachesRouter(t *testing.T) {
	testutil.RequireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))
	stream, err := js.Stream(ctx, "DERIV_COMMANDS")
	require.NoError(t, err)
	require.NoError(t, stream.Purge(ctx))

	raw := make(chan ingestion.RawEvent, 4)
	sub := ingestion.NewNATSSubscriber(js, raw, zerolog.Nop())
	durable := fmt.Sprintf("it-%d", time.Now().UnixNano())
	require.NoError(t, sub.Subscribe(ctx, ingestion.DefaultSubjects(durable)))
	defer sub.Stop()

	key := testutil.Key("admin")
	caller := ingestion.KeyAddress(key)
	cmd := &event.TokenRegister{
		Header:   event.Header{Key: "it-register", Caller: caller, Nonce: 0},
		Token:    common.HexToAddress("0x05dc"),
		Symbol:   "USDC",
		Decimals: 6,
	}
	payload, err := ingestion.SignCommand(cmd, key)
	require.NoError(t, err)
	_, err = js.Publish(ctx, ingestion.CommandSubject(cmd.EventType(), caller), payload)
	require.NoError(t, err)

	submissions := make(chan ingestion.Submission, 4)
	go func() { _ = ingestion.Route(ctx, raw, submissions, nil, zerolog.Nop()) }()

	select {
	case s := <-submissions:
		got, ok := s.Command.(*event.TokenRegister)
		require.True(t, ok, "got %T", s.Command)
		assert.Equal(t, "it-register", got.Key)
		assert.Equal(t, caller, got.Caller)
		assert.Equal(t, uint8(6), got.Decimals)
		assert.Equal(t, "nats", s.Source)
		s.Ack()
	case <-ctx.Done():
		t.Fatal("command never reached the router")
	}
}
