package client

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const recordTransactionMethod = "/finance.v1.FinanceService/RecordTransaction"

// FinanceGRPCClient is a gRPC client for the finance service. Requests and
// responses are google.protobuf.Struct messages; calls go through a circuit
// breaker so a finance outage fails fast instead of piling up retries.
type FinanceGRPCClient struct {
	conn    *grpc.ClientConn
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// FinanceClientConfig configures the finance client.
type FinanceClientConfig struct {
	Address           string
	Timeout           time.Duration
	BreakerMaxFails   uint32
	BreakerOpenPeriod time.Duration
}

// NewFinanceGRPCClient creates a new finance gRPC client.
func NewFinanceGRPCClient(cfg FinanceClientConfig, opts ...grpc.DialOption) (*FinanceGRPCClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to finance service: %w", err)
	}

	maxFails := cfg.BreakerMaxFails
	if maxFails == 0 {
		maxFails = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "finance-grpc",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFails
		},
		IsSuccessful: func(err error) bool {
			// Business rejections from finance do not indicate an outage.
			switch status.Code(err) {
			case codes.OK, codes.AlreadyExists, codes.InvalidArgument, codes.FailedPrecondition:
				return true
			}
			return false
		},
	})

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &FinanceGRPCClient{conn: conn, cb: cb, timeout: timeout}, nil
}

// Close closes the gRPC connection
func (c *FinanceGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// RecordTransaction books a finance transaction. AlreadyExists is treated as
// success so repeated calls for the same source are harmless.
func (c *FinanceGRPCClient) RecordTransaction(ctx context.Context, tx *FinanceTransaction) error {
	req, err := structpb.NewStruct(map[string]any{
		"project_id":       tx.ProjectID,
		"source_type":      tx.SourceType,
		"source_id":        tx.SourceID,
		"transaction_type": tx.TransactionType,
		"amount":           float64(tx.Amount),
		"description":      tx.Description,
	})
	if err != nil {
		return fmt.Errorf("failed to build finance request: %w", err)
	}

	_, err = c.cb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp := &structpb.Struct{}
		return resp, c.conn.Invoke(callCtx, recordTransactionMethod, req, resp)
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record finance transaction: %w", err)
	}
	return nil
}
