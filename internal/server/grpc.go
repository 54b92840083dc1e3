package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/ingestion"
	"DerivLedger/internal/observability"
	"DerivLedger/internal/persistence"
	"DerivLedger/internal/query"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const RequestIDHeader = "x-request-id"

// GRPCServer wraps the gRPC server and the HTTP gateway in front of it.
type GRPCServer struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	svc        *rpcService
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	logger     zerolog.Logger
	rateLimit  float64
	rateBurst  int
}

// ServerDeps holds all dependencies needed by the services.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	// TakeSnapshot saves and verifies a snapshot of the live core and
	// returns its sequence.
	TakeSnapshot  func(ctx context.Context) (int64, error)
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger

	// HTTP requests per second and burst; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:  grpcAddr,
		httpAddr:  httpAddr,
		health:    deps.HealthChecker,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With().Str("component", "server").Logger(),
		rateLimit: deps.RateLimit,
		rateBurst: deps.RateBurst,
		svc: &rpcService{
			db:           deps.DB,
			qs:           deps.QueryService,
			ingest:       deps.IngestService,
			snapMgr:      deps.SnapshotMgr,
			takeSnapshot: deps.TakeSnapshot,
			startTime:    deps.StartTime,
			logger:       deps.Logger,
		},
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.unaryInterceptor))
	s.grpcServer.RegisterService(&settlementServiceDesc, s.svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return s
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on lis until ctx is done.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP gateway shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *GRPCServer) unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	requestID := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(RequestIDHeader); len(ids) > 0 {
			requestID = ids[0]
		}
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, requestID))

	logger := s.logger.With().Str("request_id", requestID).Logger()
	ctx = logger.WithContext(ctx)

	endpoint := path.Base(info.FullMethod)
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe(endpoint, start, err)
	if err != nil && status.Code(err) == codes.Internal {
		logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
	}
	return resp, err
}

func (s *GRPCServer) observe(endpoint string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	code := status.Code(err)
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
		s.metrics.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, result).Inc()
}

// toStatus maps service errors onto gRPC status errors.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, query.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, query.ErrNoDatabase):
		code = codes.Unavailable
	case errors.Is(err, query.ErrInvalidRequest), errors.Is(err, ingestion.ErrMalformedCommand):
		code = codes.InvalidArgument
	case errors.Is(err, ingestion.ErrInvalidSignature):
		code = codes.Unauthenticated
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = core.GRPCCode(err)
	}
	return status.Error(code, err.Error())
}
