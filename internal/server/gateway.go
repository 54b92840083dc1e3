package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxCommandBytes = 1 << 20

type route struct {
	method   string
	pattern  string
	endpoint string
	call     func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error)
}

// Handler returns the HTTP/JSON surface: health probes plus a gateway mux
// that calls the same service methods the gRPC server exposes.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	for _, rt := range s.routes() {
		err := mux.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			start := time.Now()
			resp, err := rt.call(r.Context(), r, p)
			err = toStatus(err)
			s.observe(rt.endpoint, start, err)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
		if err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.health != nil {
		httpMux.HandleFunc("/healthz", s.health.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.health.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", s.rateLimited(mux))

	return s.withRequestID(httpMux), nil
}

func (s *GRPCServer) routes() []route {
	svc := s.svc
	return []route{
		{"POST", "/v1/commands/{event_type}", "Submit", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
			}
			return svc.Submit(ctx, &SubmitRequest{EventType: p["event_type"], Payload: body})
		}},
		{"GET", "/v1/tokens/{token}/balances/{holder}", "GetTokenBalance", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			token, holder, err := addresses(p, "token", "holder")
			if err != nil {
				return nil, err
			}
			return svc.GetTokenBalance(ctx, &TokenBalanceRequest{Token: token, Holder: holder})
		}},
		{"GET", "/v1/tokens/{token}/allowances/{owner}/{spender}", "GetAllowance", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			token, owner, err := addresses(p, "token", "owner")
			if err != nil {
				return nil, err
			}
			spender, err := address(p, "spender")
			if err != nil {
				return nil, err
			}
			return svc.GetAllowance(ctx, &AllowanceRequest{Token: token, Owner: owner, Spender: spender})
		}},
		{"GET", "/v1/positions/{position}/balances/{holder}", "GetPositionBalance", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			pos, holder, err := addresses(p, "position", "holder")
			if err != nil {
				return nil, err
			}
			return svc.GetPositionBalance(ctx, &PositionBalanceRequest{Position: pos, Holder: holder})
		}},
		{"GET", "/v1/tickers/{hash}", "GetTicker", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			h, err := hash(p)
			if err != nil {
				return nil, err
			}
			return svc.GetTicker(ctx, &TickerRequest{Hash: h})
		}},
		{"GET", "/v1/tickers/{hash}/pair", "PredictPair", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			h, err := hash(p)
			if err != nil {
				return nil, err
			}
			return svc.PredictPair(ctx, &TickerRequest{Hash: h})
		}},
		{"GET", "/v1/vaults/{beneficiary}/{token}", "GetFeeVault", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			beneficiary, token, err := addresses(p, "beneficiary", "token")
			if err != nil {
				return nil, err
			}
			return svc.GetFeeVault(ctx, &FeeVaultRequest{Beneficiary: beneficiary, Token: token})
		}},
		{"GET", "/v1/oracle/{source}/{timestamp}", "GetOracleData", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			source, err := address(p, "source")
			if err != nil {
				return nil, err
			}
			ts, err := strconv.ParseUint(p["timestamp"], 10, 64)
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "timestamp: %v", err)
			}
			return svc.GetOracleData(ctx, &OracleDataRequest{Source: source, Timestamp: ts})
		}},
		{"GET", "/v1/protocol", "GetProtocol", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return svc.GetProtocol(ctx, &ProtocolRequest{})
		}},
		{"GET", "/v1/nonces/{caller}", "GetNonce", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			caller, err := address(p, "caller")
			if err != nil {
				return nil, err
			}
			return svc.GetNonce(ctx, &NonceRequest{Caller: caller})
		}},
		{"GET", "/v1/accounts/{entity}/balances", "GetAccountBalances", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return svc.GetAccountBalances(ctx, &AccountBalancesRequest{Entity: p["entity"]})
		}},
		{"GET", "/v1/receipts/{event_type}/{idempotency_key}", "GetReceipt", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return svc.GetReceipt(ctx, &ReceiptRequest{EventType: p["event_type"], IdempotencyKey: p["idempotency_key"]})
		}},
		{"GET", "/v1/logs", "GetSettlementLogs", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			q := r.URL.Query()
			before, limit, err := paging(q.Get("before_sequence"), q.Get("limit"))
			if err != nil {
				return nil, err
			}
			return svc.GetSettlementLogs(ctx, &SettlementLogsRequest{
				Hash:           q.Get("hash"),
				Account:        q.Get("account"),
				Kind:           q.Get("kind"),
				BeforeSequence: before,
				Limit:          limit,
			})
		}},
		{"GET", "/v1/journals", "GetJournalHistory", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			q := r.URL.Query()
			before, limit, err := paging(q.Get("before_sequence"), q.Get("limit"))
			if err != nil {
				return nil, err
			}
			return svc.GetJournalHistory(ctx, &JournalHistoryRequest{AccountPath: q.Get("account_path"), BeforeSequence: before, Limit: limit})
		}},
		{"GET", "/v1/admin/integrity", "VerifyIntegrity", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return svc.VerifyIntegrity(ctx, &VerifyIntegrityRequest{})
		}},
		{"POST", "/v1/admin/projections/rebuild", "RebuildProjections", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return svc.RebuildProjections(ctx, &RebuildProjectionsRequest{})
		}},
		{"GET", "/v1/admin/event-log", "GetEventLogInfo", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return svc.GetEventLogInfo(ctx, &EventLogInfoRequest{})
		}},
		{"POST", "/v1/admin/snapshots", "TakeSnapshot", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return svc.TakeSnapshot(ctx, &TakeSnapshotRequest{})
		}},
	}
}

// rateLimited refuses requests beyond the configured rate with 429.
func (s *GRPCServer) rateLimited(next http.Handler) http.Handler {
	if s.rateLimit <= 0 {
		return next
	}
	burst := s.rateBurst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(s.rateLimit), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			if s.metrics != nil {
				s.metrics.RateLimited.WithLabelValues(r.URL.Path).Inc()
			}
			writeJSON(w, http.StatusTooManyRequests, errorBody{Code: codes.ResourceExhausted.String(), Message: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRequestID tags each request with the caller's X-Request-Id or a fresh
// uuid and carries a request-scoped logger in the context.
func (s *GRPCServer) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		logger := s.logger.With().Str("request_id", id).Str("path", r.URL.Path).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{Code: st.Code().String(), Message: st.Message()})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	b, err := wireMarshaler.Marshal(body)
	if err != nil {
		code = http.StatusInternalServerError
		b = []byte(`{"code":"Internal","message":"encode response"}`)
	}
	w.Header().Set("Content-Type", wireMarshaler.ContentType(body))
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func address(p map[string]string, name string) (common.Address, error) {
	v := p[name]
	if !common.IsHexAddress(v) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "%s: %q is not a hex address", name, v)
	}
	return common.HexToAddress(v), nil
}

func addresses(p map[string]string, a, b string) (common.Address, common.Address, error) {
	first, err := address(p, a)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	second, err := address(p, b)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return first, second, nil
}

func hash(p map[string]string) (common.Hash, error) {
	v := p["hash"]
	b, err := hexutil.Decode(v)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, status.Errorf(codes.InvalidArgument, "hash: %q is not a 32-byte hex value", v)
	}
	return common.BytesToHash(b), nil
}

func paging(beforeRaw, limitRaw string) (*int64, int, error) {
	var before *int64
	if beforeRaw != "" {
		v, err := strconv.ParseInt(beforeRaw, 10, 64)
		if err != nil {
			return nil, 0, status.Errorf(codes.InvalidArgument, "before_sequence: %v", err)
		}
		before = &v
	}
	limit := 0
	if limitRaw != "" {
		v, err := strconv.Atoi(limitRaw)
		if err != nil {
			return nil, 0, status.Errorf(codes.InvalidArgument, "limit: %v", err)
		}
		limit = v
	}
	return before, limit, nil
}
