package ingestion

import (
	"context"
	"fmt"
	"time"

	"DerivLedger/internal/event"
	"DerivLedger/internal/observability"
)

// GRPCIngestService submits commands on behalf of RPC clients and waits for
// the core's verdict. It shares the core loop's input channel with the
// NATS router.
type GRPCIngestService struct {
	submissions chan<- Submission
	metrics     *observability.Metrics
}

func NewGRPCIngestService(submissions chan<- Submission, metrics *observability.Metrics) *GRPCIngestService {
	return &GRPCIngestService{submissions: submissions, metrics: metrics}
}

// Submit verifies and decodes payload as eventType and blocks until the core
// processed it. Decode failures return ErrMalformedCommand and bad signatures
// ErrInvalidSignature, both without reaching the core.
func (s *GRPCIngestService) Submit(ctx context.Context, eventType string, payload []byte) (Result, error) {
	if s.metrics != nil {
		s.metrics.IngestReceived.WithLabelValues("grpc").Inc()
	}
	cmd, err := ParseCommand(eventType, payload)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IngestParseErrors.WithLabelValues("grpc").Inc()
		}
		return Result{}, err
	}
	return s.submit(ctx, cmd)
}

func (s *GRPCIngestService) submit(ctx context.Context, cmd event.Command) (Result, error) {
	reply := make(chan Result, 1)
	sub := Submission{Command: cmd, Source: "grpc", Received: time.Now(), Reply: reply}

	select {
	case s.submissions <- sub:
	case <-ctx.Done():
		return Result{}, fmt.Errorf("enqueue %s: %w", cmd.EventType(), ctx.Err())
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("await %s: %w", cmd.EventType(), ctx.Err())
	}
}
