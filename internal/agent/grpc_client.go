package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Backend method names. Messages are google.protobuf.Struct on both sides.
const (
	ChatMethod         = "/labassistant.v1.AssistantService/Chat"
	ResetSessionMethod = "/labassistant.v1.AssistantService/ResetSession"
)

var chatStreamDesc = &grpc.StreamDesc{StreamName: "Chat", ServerStreams: true}

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errChatResponse             = errors.New("chat response returned error")
)

// GrpcClient is a gRPC client to the assistant backend.
type GrpcClient struct {
	conn           *grpc.ClientConn
	health         healthpb.HealthClient
	addr           string
	requestTimeout time.Duration
	logger         *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   120 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the backend and waits until it is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to assistant backend at %s: %w", cfg.Address, err)
	}

	// Fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("assistant backend at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to assistant backend", "address", cfg.Address)

	return &GrpcClient{
		conn:           conn,
		health:         healthpb.NewHealthClient(conn),
		addr:           cfg.Address,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}, nil
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
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the backend with the standard gRPC health service.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("assistant backend status %s", resp.GetStatus())
	}
	return nil
}

// Chat streams the backend's reply.
func (c *GrpcClient) Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatResponse, error] {
	return func(yield func(*ChatResponse, error) bool) {
		msg, err := chatRequestStruct(req)
		if err != nil {
			yield(nil, fmt.Errorf("encode chat request: %w", err))
			return
		}

		ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()

		stream, err := c.conn.NewStream(ctx, chatStreamDesc, ChatMethod)
		if err != nil {
			yield(nil, fmt.Errorf("chat request failed: %w", err))
			return
		}
		if err := stream.SendMsg(msg); err != nil {
			yield(nil, fmt.Errorf("chat request failed: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, fmt.Errorf("chat request failed: %w", err))
			return
		}

		for {
			resp := &structpb.Struct{}
			err := stream.RecvMsg(resp)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				c.logger.Error("Chat stream error", "error", err, "learner_id", req.LearnerID)
				yield(nil, fmt.Errorf("chat stream error: %w", err))
				return
			}

			fields := resp.GetFields()
			if errMsg := fields["error"].GetStringValue(); errMsg != "" {
				yield(nil, fmt.Errorf("%w: %s", errChatResponse, errMsg))
				return
			}
			if content := fields["content"].GetStringValue(); content != "" {
				if !yield(&ChatResponse{Content: content}, nil) {
					return
				}
			}
			if fields["done"].GetBoolValue() {
				return
			}
		}
	}
}

// ResetSession clears the backend conversation of a session.
func (c *GrpcClient) ResetSession(ctx context.Context, learnerID, sessionID string) error {
	req, err := structpb.NewStruct(map[string]any{
		"learner_id": learnerID,
		"session_id": sessionID,
	})
	if err != nil {
		return fmt.Errorf("encode reset request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ResetSessionMethod, req, resp); err != nil {
		c.logger.Warn("ResetSession failed", "error", err, "learner_id", learnerID)
		return err
	}
	// The backend reports validation and storage failures with ok=false.
	if !resp.GetFields()["ok"].GetBoolValue() {
		return fmt.Errorf("ResetSession: %s", resp.GetFields()["status"].GetStringValue())
	}
	return nil
}

func chatRequestStruct(req ChatRequest) (*structpb.Struct, error) {
	fields := map[string]any{
		"message":     req.Message,
		"learner_id":  req.LearnerID,
		"session_id":  req.SessionID,
		"exercise_id": req.ExerciseID,
		"course_id":   req.CourseID,
	}
	if req.Context != nil {
		fields["context"] = map[string]any{
			"file_name":    req.Context.FileName,
			"code_excerpt": req.Context.CodeExcerpt,
			"error_text":   req.Context.ErrorText,
		}
	}
	return structpb.NewStruct(fields)
}
