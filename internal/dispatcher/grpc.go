package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// dispatchMethod is the fully qualified server-streaming RPC the external
// dispatcher process exposes. No .proto-generated client stub is available
// in this build, so the call is made through grpc's low-level streaming API
// against google.golang.org/protobuf's structpb.Struct — a real,
// already-compiled protobuf message — rather than a hand-authored generated
// type. This keeps the wire format genuinely protobuf (structpb marshals
// through the standard proto codec) without requiring a protoc run.
const dispatchMethod = "/clawline.dispatcher.v1.ReplyDispatcher/Dispatch"

var dispatchStreamDesc = grpc.StreamDesc{
	StreamName:    "Dispatch",
	ServerStreams: true,
}

var (
	errConnectionShutdown       = errors.New("dispatcher connection shutdown")
	errConnectionStateUnchanged = errors.New("dispatcher connection state did not change")
)

// Config holds gRPC dispatcher client configuration.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultConfig mirrors the teacher's DefaultGrpcClientConfig defaults.
func DefaultConfig(addr string) Config {
	return Config{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// grpcDispatcher is the shipped ReplyDispatcher adapter.
type grpcDispatcher struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
	cfg    Config
}

// NewGRPCDispatcher dials the external dispatcher process, failing fast if
// it never reaches a Ready state within cfg.ConnectTimeout, exactly as the
// teacher's NewGrpcClient does for the Python agent service.
func NewGRPCDispatcher(cfg Config, logger *slog.Logger) (ReplyDispatcher, error) {
	if logger == nil {
		logger = slog.Default()
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
		return nil, fmt.Errorf("connect to dispatcher at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close dispatcher connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("dispatcher at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("connected to reply dispatcher", "address", cfg.Address)
	return &grpcDispatcher{conn: conn, addr: cfg.Address, logger: logger, cfg: cfg}, nil
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

// Close tears down the dispatcher connection.
func (d *grpcDispatcher) Close() {
	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			d.logger.Warn("failed to close dispatcher connection", "error", err)
		}
	}
}

// Dispatch streams DispatchReply values from the external dispatcher,
// classifying transport errors with containerd/errdefs so the caller can
// distinguish "dispatcher produced nothing" from "dispatcher unreachable".
func (d *grpcDispatcher) Dispatch(ctx context.Context, req DispatchRequest) iter.Seq2[*DispatchReply, error] {
	return func(yield func(*DispatchReply, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()

		reqMsg, err := requestToStruct(req)
		if err != nil {
			yield(nil, fmt.Errorf("encode dispatch request: %w", err))
			return
		}

		stream, err := d.conn.NewStream(ctx, &dispatchStreamDesc, dispatchMethod)
		if err != nil {
			yield(nil, classifyTransportError(err))
			return
		}
		if err := stream.SendMsg(reqMsg); err != nil {
			yield(nil, classifyTransportError(err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, classifyTransportError(err))
			return
		}

		for {
			msg := &structpb.Struct{}
			err := stream.RecvMsg(msg)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, classifyTransportError(err))
				return
			}

			reply, err := structToReply(msg)
			if err != nil {
				yield(nil, fmt.Errorf("decode dispatch reply: %w", err))
				return
			}
			if !yield(reply, nil) {
				return
			}
		}
	}
}

// classifyTransportError uses errdefs to tell a transient "dispatcher
// unreachable" condition (retryable, surfaces as server_error per §7) apart
// from a definitive rejection.
func classifyTransportError(err error) error {
	switch {
	case errdefs.IsUnavailable(err):
		return fmt.Errorf("dispatcher unavailable: %w", err)
	case errdefs.IsCanceled(err):
		return fmt.Errorf("dispatcher call canceled: %w", err)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("dispatcher endpoint not found: %w", err)
	default:
		return fmt.Errorf("dispatcher transport error: %w", err)
	}
}

func requestToStruct(req DispatchRequest) (*structpb.Struct, error) {
	attachments := make([]interface{}, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, map[string]interface{}{
			"type":     a.Type,
			"mimeType": a.MimeType,
			"data":     a.Data,
			"assetId":  a.AssetID,
			"url":      a.URL,
		})
	}
	return structpb.NewStruct(map[string]interface{}{
		"userId":      req.UserID,
		"deviceId":    req.DeviceID,
		"sessionKey":  req.SessionKey,
		"messageId":   req.MessageID,
		"content":     req.Content,
		"attachments": attachments,
	})
}

func structToReply(s *structpb.Struct) (*DispatchReply, error) {
	m := s.AsMap()
	reply := &DispatchReply{}
	if v, ok := m["content"].(string); ok {
		reply.Content = v
	}
	if v, ok := m["final"].(bool); ok {
		reply.Final = v
	}
	if raw, ok := m["attachments"].([]interface{}); ok {
		for _, item := range raw {
			fields, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			a := DispatchAttachment{}
			if v, ok := fields["type"].(string); ok {
				a.Type = v
			}
			if v, ok := fields["mimeType"].(string); ok {
				a.MimeType = v
			}
			if v, ok := fields["data"].(string); ok {
				a.Data = v
			}
			if v, ok := fields["assetId"].(string); ok {
				a.AssetID = v
			}
			if v, ok := fields["url"].(string); ok {
				a.URL = v
			}
			reply.Attachments = append(reply.Attachments, a)
		}
	}
	return reply, nil
}
