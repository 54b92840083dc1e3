package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/ingestion"
	"DerivLedger/internal/observability"
	"DerivLedger/internal/query"
	"DerivLedger/internal/registry"
	"DerivLedger/internal/testutil"

	"github.com/luxfi/geth/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var (
	adminKey = testutil.Key("admin")
	admin    = ingestion.KeyAddress(adminKey)
	usdc     = common.HexToAddress("0x05dc")
)

type testEnv struct {
	srv     *GRPCServer
	conn    *grpc.ClientConn
	reg     *prometheus.Registry
	metrics *observability.Metrics
}

func newTestEnv(t *testing.T, rateLimit float64, burst int) *testEnv {
	t.Helper()
	c, err := core.NewDeterministicCore(core.Genesis{
		Admin:                    admin,
		Governor:                 admin,
		Core:                     common.HexToAddress("0xc0e1"),
		PositionFactory:          common.HexToAddress("0xfac1"),
		TokenSpender:             common.HexToAddress("0x5e1d"),
		OracleAggregator:         common.HexToAddress("0x0a99"),
		SyntheticAggregator:      common.HexToAddress("0x5a99"),
		ExecutionReserveClaimer:  admin,
		RedemptionReserveClaimer: admin,
		SpenderTimelock:          3600,
		Parameters:               registry.DefaultProtocolParameters(),
	}, 0, nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	submissions := make(chan ingestion.Submission, 8)
	go ingestion.RunCoreLoop(ctx, submissions, c, metrics, zerolog.Nop())

	srv := NewGRPCServer("", "", &ServerDeps{
		QueryService:  query.NewQueryService(nil, c),
		IngestService: ingestion.NewGRPCIngestService(submissions, metrics),
		StartTime:     time.Now(),
		HealthChecker: observability.NewHealthChecker(),
		Metrics:       metrics,
		Logger:        zerolog.Nop(),
		RateLimit:     rateLimit,
		RateBurst:     burst,
	})

	lis := bufconn.Listen(1 << 20)
	go srv.ServeGRPC(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testEnv{srv: srv, conn: conn, reg: reg, metrics: metrics}
}

func (e *testEnv) invoke(t *testing.T, method string, req, resp interface{}, opts ...grpc.CallOption) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, opts...)
}

func registerPayload(t *testing.T, key string, nonce int64) json.RawMessage {
	t.Helper()
	data, err := ingestion.SignCommand(&event.TokenRegister{
		Header:   event.Header{Key: key, Caller: admin, Nonce: nonce},
		Token:    usdc,
		Symbol:   "USDC",
		Decimals: 6,
	}, adminKey)
	require.NoError(t, err)
	return data
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestSubmit_AppliesAndDeduplicates(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	var header metadata.MD
	var resp SubmitResponse
	require.NoError(t, env.invoke(t, "Submit", &SubmitRequest{EventType: "TokenRegister", Payload: registerPayload(t, "reg-1", 0)}, &resp, grpc.Header(&header)))
	require.NotNil(t, resp.Event)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, "applied", resp.Event.Status)
	assert.Equal(t, int64(0), resp.Event.Sequence)
	assert.NotEmpty(t, header.Get(RequestIDHeader))

	var dup SubmitResponse
	require.NoError(t, env.invoke(t, "Submit", &SubmitRequest{EventType: "TokenRegister", Payload: registerPayload(t, "reg-1", 0)}, &dup))
	assert.True(t, dup.Duplicate)
	assert.Nil(t, dup.Event)

	var nonce query.NonceResponse
	require.NoError(t, env.invoke(t, "GetNonce", &NonceRequest{Caller: admin}, &nonce))
	assert.Equal(t, int64(1), nonce.Next)

	var bal query.TokenBalanceResponse
	require.NoError(t, env.invoke(t, "GetTokenBalance", &TokenBalanceRequest{Token: usdc, Holder: admin}, &bal))
	assert.Equal(t, "0.000000", bal.Balance.Formatted)
}

func TestSubmit_RejectionIsAnOutcome(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	require.NoError(t, env.invoke(t, "Submit", &SubmitRequest{EventType: "TokenRegister", Payload: registerPayload(t, "reg-1", 0)}, &SubmitResponse{}))

	var resp SubmitResponse
	require.NoError(t, env.invoke(t, "Submit", &SubmitRequest{EventType: "TokenRegister", Payload: registerPayload(t, "reg-2", 1)}, &resp))
	require.NotNil(t, resp.Event)
	assert.Equal(t, "rejected", resp.Event.Status)
	assert.NotEmpty(t, resp.Event.Reason)
}

func TestSubmit_ErrorCodes(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	err := env.invoke(t, "Submit", &SubmitRequest{EventType: "TokenRegister", Payload: json.RawMessage(`{"caller":"0x01"}`)}, &SubmitResponse{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	unsigned := json.RawMessage(fmt.Sprintf(
		`{"command":{"idempotency_key":"x","caller":%q,"nonce":0,"token":%q,"symbol":"USDC","decimals":6}}`,
		admin.Hex(), usdc.Hex(),
	))
	err = env.invoke(t, "Submit", &SubmitRequest{EventType: "TokenRegister", Payload: unsigned}, &SubmitResponse{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	err = env.invoke(t, "Submit", &SubmitRequest{EventType: "TokenRegister", Payload: registerPayload(t, "gap", 5)}, &SubmitResponse{})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	err = env.invoke(t, "GetTicker", &TickerRequest{Hash: common.HexToHash("0x0d1e")}, &query.TickerResponse{})
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = env.invoke(t, "GetAccountBalances", &AccountBalancesRequest{Entity: admin.Hex()}, &AccountBalancesResponse{})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	assert.Equal(t, float64(1), counterValue(t, env.reg, "deriv_query_errors_total", map[string]string{"endpoint": "GetTicker", "code": "NotFound"}))
}

func TestGateway_RoutesAndErrors(t *testing.T) {
	env := newTestEnv(t, 0, 0)
	handler, err := env.srv.Handler()
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/commands/TokenRegister", "application/json", strings.NewReader(string(registerPayload(t, "reg-http", 0))))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	var submitted SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	assert.Equal(t, "applied", submitted.Event.Status)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/nonces/"+admin.Hex(), nil)
	req.Header.Set(RequestIDHeader, "req-42")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-42", resp.Header.Get(RequestIDHeader))
	var nonce query.NonceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&nonce))
	assert.Equal(t, int64(1), nonce.Next)

	cases := []struct {
		path string
		code int
	}{
		{"/v1/tickers/" + common.HexToHash("0x0d1e").Hex(), http.StatusNotFound},
		{"/v1/tickers/0x1234", http.StatusBadRequest},
		{"/v1/tickers/" + strings.TrimPrefix(common.HexToHash("0x0d1e").Hex(), "0x"), http.StatusBadRequest},
		{"/v1/tokens/not-an-address/balances/" + admin.Hex(), http.StatusBadRequest},
		{"/v1/logs?limit=abc", http.StatusBadRequest},
		{"/v1/accounts/" + admin.Hex() + "/balances", http.StatusServiceUnavailable},
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tc.path)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.code, resp.StatusCode)
		})
	}
}

func TestGateway_RateLimit(t *testing.T) {
	env := newTestEnv(t, 0.001, 1)
	handler, err := env.srv.Handler()
	require.NoError(t, err)

	path := "/v1/protocol"
	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	health := httptest.NewRecorder()
	handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, health.Code, "probes bypass the limiter")

	assert.Equal(t, float64(1), counterValue(t, env.reg, "deriv_http_rate_limited_total", map[string]string{"path": path}))
}

func TestCodec_KeepsSignedPayloadBytes(t *testing.T) {
	codec := jsonCodec{}
	assert.Equal(t, CodecName, codec.Name())

	payload := registerPayload(t, "codec", 0)
	data, err := codec.Marshal(&SubmitRequest{EventType: "TokenRegister", Payload: payload})
	require.NoError(t, err)

	var got SubmitRequest
	require.NoError(t, codec.Unmarshal(data, &got))
	assert.Equal(t, "TokenRegister", got.EventType)
	assert.JSONEq(t, string(payload), string(got.Payload))

	cmd, err := ingestion.ParseCommand(got.EventType, got.Payload)
	require.NoError(t, err, "signature must still verify after the round trip")
	assert.Equal(t, admin, cmd.Sender())
}

func TestWriteJSON_UsesWireMarshaler(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusAccepted, errorBody{Code: "OK", Message: "m"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"code":"OK","message":"m"}`, rec.Body.String())
}

func TestToStatus(t *testing.T) {
	assert.NoError(t, toStatus(nil))
	assert.Equal(t, codes.NotFound, status.Code(toStatus(fmt.Errorf("x: %w", query.ErrNotFound))))
	assert.Equal(t, codes.InvalidArgument, status.Code(toStatus(fmt.Errorf("x: %w", ingestion.ErrMalformedCommand))))
	assert.Equal(t, codes.Unauthenticated, status.Code(toStatus(fmt.Errorf("x: %w", ingestion.ErrInvalidSignature))))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(toStatus(context.DeadlineExceeded)))
	assert.Equal(t, codes.FailedPrecondition, status.Code(toStatus(fmt.Errorf("sequence validation failed: %w", core.ErrSequenceGap))))

	already := status.Error(codes.Aborted, "kept")
	assert.Equal(t, already, toStatus(already))
}
