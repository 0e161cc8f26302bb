package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// generateMethod is the unary RPC exposed by the message generator. Payloads
// are google.protobuf.Struct in both directions.
const generateMethod = "/cheatcode.messaging.v1.MessageGenerator/GenerateAndSendMessage"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errGeneratorRejected        = errors.New("message generator rejected request")
)

// GrpcTrigger calls the message generator over gRPC.
type GrpcTrigger struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcConfig holds configuration for the gRPC client.
type GrpcConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcConfig returns default configuration for addr.
func DefaultGrpcConfig(addr string) GrpcConfig {
	return GrpcConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcTrigger connects to the message generator and waits until the
// connection is ready so bad endpoints fail at startup.
func NewGrpcTrigger(cfg GrpcConfig, logger *slog.Logger) (*GrpcTrigger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, ErrNotConfigured
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("create message generator client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("message generator at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to message generator", "address", cfg.Address)

	return &GrpcTrigger{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcTrigger) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the generator through the standard gRPC health service.
func (c *GrpcTrigger) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("message generator status %s", resp.GetStatus())
	}
	return nil
}

// GenerateAndSendMessage asks the generator to produce and send a message.
func (c *GrpcTrigger) GenerateAndSendMessage(ctx context.Context, req Request) (*Result, error) {
	in, err := requestToStruct(req)
	if err != nil {
		return nil, err
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, generateMethod, in, out); err != nil {
		c.logger.Warn("GenerateAndSendMessage failed", "error", err, "contact_id", req.ContactID, "agent_id", req.AgentID)
		return nil, fmt.Errorf("generate and send message: %w", err)
	}
	return resultFromStruct(out)
}

func requestToStruct(req Request) (*structpb.Struct, error) {
	triggerContext := make(map[string]any, len(req.TriggerContext))
	for k, v := range req.TriggerContext {
		triggerContext[k] = v
	}
	s, err := structpb.NewStruct(map[string]any{
		"contact_id":      req.ContactID,
		"agent_id":        req.AgentID,
		"message_type":    req.MessageType,
		"trigger_context": triggerContext,
	})
	if err != nil {
		return nil, fmt.Errorf("encode dispatch request: %w", err)
	}
	return s, nil
}

func resultFromStruct(s *structpb.Struct) (*Result, error) {
	fields := s.GetFields()
	if ok, present := fields["ok"]; present && !ok.GetBoolValue() {
		if msg := fields["error"].GetStringValue(); msg != "" {
			return nil, fmt.Errorf("%w: %s", errGeneratorRejected, msg)
		}
		return nil, errGeneratorRejected
	}
	return &Result{
		MessageID: fields["message_id"].GetStringValue(),
		Channel:   fields["channel"].GetStringValue(),
	}, nil
}
