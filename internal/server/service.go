package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"DerivLedger/internal/ingestion"
	"DerivLedger/internal/persistence"
	"DerivLedger/internal/projection"
	"DerivLedger/internal/query"

	"github.com/luxfi/geth/common"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name. Messages are JSON,
// so clients call with the "json" content subtype.
const ServiceName = "derivledger.v1.Settlement"

type SubmitRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// SubmitResponse reports what the processor did with a command. Event is
// nil for duplicates.
type SubmitResponse struct {
	Duplicate bool                        `json:"duplicate"`
	Event     *ingestion.PublishableEvent `json:"event,omitempty"`
}

type TokenBalanceRequest struct {
	Token  common.Address `json:"token"`
	Holder common.Address `json:"holder"`
}

type AllowanceRequest struct {
	Token   common.Address `json:"token"`
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
}

type PositionBalanceRequest struct {
	Position common.Address `json:"position"`
	Holder   common.Address `json:"holder"`
}

type TickerRequest struct {
	Hash common.Hash `json:"hash"`
}

type FeeVaultRequest struct {
	Beneficiary common.Address `json:"beneficiary"`
	Token       common.Address `json:"token"`
}

type OracleDataRequest struct {
	Source    common.Address `json:"source"`
	Timestamp uint64         `json:"timestamp"`
}

type ProtocolRequest struct{}

type NonceRequest struct {
	Caller common.Address `json:"caller"`
}

type AccountBalancesRequest struct {
	Entity string `json:"entity"`
}

type AccountBalancesResponse struct {
	Balances     []query.AccountBalance `json:"balances"`
	AsOfSequence int64                  `json:"as_of_sequence"`
}

type ReceiptRequest struct {
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
}

type SettlementLogsRequest struct {
	Hash           string `json:"hash,omitempty"`
	Account        string `json:"account,omitempty"`
	Kind           string `json:"kind,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type SettlementLogsResponse struct {
	Logs         []query.SettlementLogEntry `json:"logs"`
	AsOfSequence int64                      `json:"as_of_sequence"`
}

type JournalHistoryRequest struct {
	AccountPath    string `json:"account_path"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type JournalHistoryResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type VerifyIntegrityRequest struct{}

type RebuildProjectionsRequest struct{}

type RebuildProjectionsResponse struct {
	Watermark int64  `json:"watermark"`
	Duration  string `json:"duration"`
}

type EventLogInfoRequest struct{}

type EventLogInfoResponse struct {
	LastSequence int64  `json:"last_sequence"`
	Uptime       string `json:"uptime"`
}

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

// SettlementServer is the RPC surface: command submission, live reads,
// projection reads and admin operations.
type SettlementServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	GetTokenBalance(context.Context, *TokenBalanceRequest) (*query.TokenBalanceResponse, error)
	GetAllowance(context.Context, *AllowanceRequest) (*query.AllowanceResponse, error)
	GetPositionBalance(context.Context, *PositionBalanceRequest) (*query.PositionBalanceResponse, error)
	GetTicker(context.Context, *TickerRequest) (*query.TickerResponse, error)
	PredictPair(context.Context, *TickerRequest) (*query.PairPrediction, error)
	GetFeeVault(context.Context, *FeeVaultRequest) (*query.FeeVaultResponse, error)
	GetOracleData(context.Context, *OracleDataRequest) (*query.OracleDataResponse, error)
	GetProtocol(context.Context, *ProtocolRequest) (*query.ProtocolResponse, error)
	GetNonce(context.Context, *NonceRequest) (*query.NonceResponse, error)
	GetAccountBalances(context.Context, *AccountBalancesRequest) (*AccountBalancesResponse, error)
	GetReceipt(context.Context, *ReceiptRequest) (*query.ReceiptResponse, error)
	GetSettlementLogs(context.Context, *SettlementLogsRequest) (*SettlementLogsResponse, error)
	GetJournalHistory(context.Context, *JournalHistoryRequest) (*JournalHistoryResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
	RebuildProjections(context.Context, *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error)
	GetEventLogInfo(context.Context, *EventLogInfoRequest) (*EventLogInfoResponse, error)
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*TakeSnapshotResponse, error)
}

// unary builds a method descriptor around fn. Errors leave as gRPC
// status errors.
func unary[Req any, Resp any](name string, fn func(*rpcService, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			call := func(ctx context.Context, req interface{}) (interface{}, error) {
				resp, err := fn(srv.(*rpcService), ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, call)
		},
	}
}

var settlementServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SettlementServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", (*rpcService).Submit),
		unary("GetTokenBalance", (*rpcService).GetTokenBalance),
		unary("GetAllowance", (*rpcService).GetAllowance),
		unary("GetPositionBalance", (*rpcService).GetPositionBalance),
		unary("GetTicker", (*rpcService).GetTicker),
		unary("PredictPair", (*rpcService).PredictPair),
		unary("GetFeeVault", (*rpcService).GetFeeVault),
		unary("GetOracleData", (*rpcService).GetOracleData),
		unary("GetProtocol", (*rpcService).GetProtocol),
		unary("GetNonce", (*rpcService).GetNonce),
		unary("GetAccountBalances", (*rpcService).GetAccountBalances),
		unary("GetReceipt", (*rpcService).GetReceipt),
		unary("GetSettlementLogs", (*rpcService).GetSettlementLogs),
		unary("GetJournalHistory", (*rpcService).GetJournalHistory),
		unary("VerifyIntegrity", (*rpcService).VerifyIntegrity),
		unary("RebuildProjections", (*rpcService).RebuildProjections),
		unary("GetEventLogInfo", (*rpcService).GetEventLogInfo),
		unary("TakeSnapshot", (*rpcService).TakeSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "derivledger/v1/settlement.json",
}

// ============================================================================
// Service implementation
// ============================================================================

type rpcService struct {
	db           *sql.DB
	qs           *query.QueryService
	ingest       *ingestion.GRPCIngestService
	snapMgr      *persistence.SnapshotManager
	takeSnapshot func(ctx context.Context) (int64, error)
	startTime    time.Time
	logger       zerolog.Logger
}

var _ SettlementServer = (*rpcService)(nil)

func (s *rpcService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if s.ingest == nil {
		return nil, status.Error(codes.Unavailable, "ingestion disabled")
	}
	if req.EventType == "" {
		return nil, status.Error(codes.InvalidArgument, "event_type is required")
	}

	res, err := s.ingest.Submit(ctx, req.EventType, req.Payload)
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		return &SubmitResponse{Duplicate: true}, nil
	}
	// Rejections are logged outcomes, not transport failures.
	if res.Envelope == nil {
		return nil, res.Err
	}
	out := ingestion.PublishableFromEnvelope(res.Envelope)
	if res.Err != nil {
		zerolog.Ctx(ctx).Debug().
			Str("event_type", out.EventType).
			Str("reason", out.Reason).
			Msg("command rejected")
	}
	return &SubmitResponse{Event: &out}, nil
}

func (s *rpcService) GetTokenBalance(ctx context.Context, req *TokenBalanceRequest) (*query.TokenBalanceResponse, error) {
	return s.qs.GetTokenBalance(ctx, req.Token, req.Holder)
}

func (s *rpcService) GetAllowance(ctx context.Context, req *AllowanceRequest) (*query.AllowanceResponse, error) {
	return s.qs.GetAllowance(ctx, req.Token, req.Owner, req.Spender)
}

func (s *rpcService) GetPositionBalance(ctx context.Context, req *PositionBalanceRequest) (*query.PositionBalanceResponse, error) {
	return s.qs.GetPositionBalance(ctx, req.Position, req.Holder)
}

func (s *rpcService) GetTicker(ctx context.Context, req *TickerRequest) (*query.TickerResponse, error) {
	return s.qs.GetTicker(ctx, req.Hash)
}

func (s *rpcService) PredictPair(ctx context.Context, req *TickerRequest) (*query.PairPrediction, error) {
	return s.qs.PredictPair(ctx, req.Hash), nil
}

func (s *rpcService) GetFeeVault(ctx context.Context, req *FeeVaultRequest) (*query.FeeVaultResponse, error) {
	return s.qs.GetFeeVault(ctx, req.Beneficiary, req.Token)
}

func (s *rpcService) GetOracleData(ctx context.Context, req *OracleDataRequest) (*query.OracleDataResponse, error) {
	return s.qs.GetOracleData(ctx, req.Source, req.Timestamp)
}

func (s *rpcService) GetProtocol(ctx context.Context, _ *ProtocolRequest) (*query.ProtocolResponse, error) {
	return s.qs.GetProtocol(ctx), nil
}

func (s *rpcService) GetNonce(ctx context.Context, req *NonceRequest) (*query.NonceResponse, error) {
	if req.Caller == (common.Address{}) {
		return nil, status.Error(codes.InvalidArgument, "caller is required")
	}
	return s.qs.GetNonce(ctx, req.Caller), nil
}

func (s *rpcService) GetAccountBalances(ctx context.Context, req *AccountBalancesRequest) (*AccountBalancesResponse, error) {
	if req.Entity == "" {
		return nil, status.Error(codes.InvalidArgument, "entity is required")
	}
	balances, asOf, err := s.qs.GetAccountBalances(ctx, req.Entity)
	if err != nil {
		return nil, err
	}
	return &AccountBalancesResponse{Balances: balances, AsOfSequence: asOf}, nil
}

func (s *rpcService) GetReceipt(ctx context.Context, req *ReceiptRequest) (*query.ReceiptResponse, error) {
	if req.EventType == "" || req.IdempotencyKey == "" {
		return nil, status.Error(codes.InvalidArgument, "event_type and idempotency_key are required")
	}
	return s.qs.GetReceipt(ctx, req.EventType, req.IdempotencyKey)
}

func (s *rpcService) GetSettlementLogs(ctx context.Context, req *SettlementLogsRequest) (*SettlementLogsResponse, error) {
	logs, asOf, err := s.qs.GetSettlementLogs(ctx, query.LogFilter{
		Hash:           req.Hash,
		Account:        req.Account,
		Kind:           req.Kind,
		BeforeSequence: req.BeforeSequence,
		Limit:          req.Limit,
	})
	if err != nil {
		return nil, err
	}
	return &SettlementLogsResponse{Logs: logs, AsOfSequence: asOf}, nil
}

func (s *rpcService) GetJournalHistory(ctx context.Context, req *JournalHistoryRequest) (*JournalHistoryResponse, error) {
	journals, err := s.qs.GetJournalHistory(ctx, req.AccountPath, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, err
	}
	return &JournalHistoryResponse{Journals: journals}, nil
}

func (s *rpcService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	return s.qs.VerifyIntegrity(ctx)
}

func (s *rpcService) RebuildProjections(ctx context.Context, _ *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error) {
	if s.db == nil {
		return nil, query.ErrNoDatabase
	}
	start := time.Now()
	if err := projection.RebuildProjections(ctx, s.db, s.logger); err != nil {
		return nil, fmt.Errorf("rebuild projections: %w", err)
	}
	mark, err := projection.LoadWatermark(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	return &RebuildProjectionsResponse{Watermark: mark, Duration: time.Since(start).String()}, nil
}

func (s *rpcService) GetEventLogInfo(ctx context.Context, _ *EventLogInfoRequest) (*EventLogInfoResponse, error) {
	if s.snapMgr == nil {
		return nil, query.ErrNoDatabase
	}
	latestSeq, err := s.snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("get latest sequence: %w", err)
	}
	return &EventLogInfoResponse{LastSequence: latestSeq, Uptime: time.Since(s.startTime).String()}, nil
}

func (s *rpcService) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	if s.takeSnapshot == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots disabled")
	}
	seq, err := s.takeSnapshot(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "take snapshot: %v", err)
	}
	return &TakeSnapshotResponse{Sequence: seq}, nil
}
