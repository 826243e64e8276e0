package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/stockchat/internal/errs"
)

const (
	grpcProviderName = "grpc"

	// ModelServiceName is the fully qualified name of the inference service.
	ModelServiceName = "stockchat.model.v1.ModelService"
	generateMethod   = "/" + ModelServiceName + "/Generate"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("model service not serving")
)

var generateStreamDesc = grpc.StreamDesc{
	StreamName:    "Generate",
	ServerStreams: true,
}

// GRPCConfig holds connection settings for a remote inference service.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCConfig returns default connection settings for addr.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPC streams generations from a remote inference service. Requests
// and events travel as google.protobuf.Struct messages carrying the JSON
// form of Request and Event.
type GRPC struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// DialGRPC connects to the inference service and waits until the
// connection is ready so bad endpoints fail at startup.
func DialGRPC(cfg GRPCConfig, logger *slog.Logger) (*GRPC, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client for %s: %w", cfg.Address, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(ctx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("model service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to model service", "address", cfg.Address)
	return NewGRPC(conn, logger), nil
}

// NewGRPC wraps an existing connection.
func NewGRPC(conn *grpc.ClientConn, logger *slog.Logger) *GRPC {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPC{conn: conn, logger: logger}
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

// Name implements Provider.
func (g *GRPC) Name() string { return grpcProviderName }

// Health asks the standard health service whether the model service is serving.
func (g *GRPC) Health(ctx context.Context) error {
	resp, err := grpc_health_v1.NewHealthClient(g.conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{
		Service: ModelServiceName,
	})
	if err != nil {
		return errs.Provider(grpcProviderName, "health", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return errs.Provider(grpcProviderName, "health", fmt.Errorf("%w: %s", errNotServing, resp.GetStatus()))
	}
	return nil
}

// Close closes the connection.
func (g *GRPC) Close() error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

// Generate implements Provider.
func (g *GRPC) Generate(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		in, err := toStruct(sanitizeRequest(req))
		if err != nil {
			yield(Event{}, errs.Provider(grpcProviderName, "generate", err))
			return
		}

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := g.conn.NewStream(streamCtx, &generateStreamDesc, generateMethod)
		if err != nil {
			yield(Event{}, errs.Provider(grpcProviderName, "generate", err))
			return
		}
		if err := stream.SendMsg(in); err != nil {
			yield(Event{}, errs.Provider(grpcProviderName, "generate", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(Event{}, errs.Provider(grpcProviderName, "generate", err))
			return
		}

		for {
			out := new(structpb.Struct)
			err := stream.RecvMsg(out)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Event{}, errs.Provider(grpcProviderName, "stream", err))
				return
			}

			ev, err := eventFromStruct(out)
			if err != nil {
				yield(Event{}, errs.Provider(grpcProviderName, "stream", err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// ModelServer is implemented by inference backends served over gRPC.
type ModelServer interface {
	Generate(ctx context.Context, req Request, send func(Event) error) error
}

// RegisterModelServer registers srv on s under ModelServiceName.
func RegisterModelServer(s grpc.ServiceRegistrar, srv ModelServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: ModelServiceName,
		HandlerType: (*ModelServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    generateStreamDesc.StreamName,
			Handler:       generateHandler,
			ServerStreams: true,
		}},
		Metadata: "stockchat/model/v1/model.proto",
	}, srv)
}

func generateHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	var req Request
	if err := fromStruct(in, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return srv.(ModelServer).Generate(stream.Context(), req, func(ev Event) error {
		out, err := toStruct(wireEventFrom(ev))
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	})
}

// wireEvent carries tool arguments as a string so malformed model output
// survives the Struct round trip.
type wireEvent struct {
	Type     EventType     `json:"type"`
	Text     string        `json:"text,omitempty"`
	ToolCall *wireToolCall `json:"tool_call,omitempty"`
}

type wireToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func wireEventFrom(ev Event) wireEvent {
	w := wireEvent{Type: ev.Type, Text: ev.Text}
	if ev.ToolCall != nil {
		w.ToolCall = &wireToolCall{
			ID:        ev.ToolCall.ID,
			Name:      ev.ToolCall.Name,
			Arguments: string(ev.ToolCall.Arguments),
		}
	}
	return w
}

func eventFromStruct(s *structpb.Struct) (Event, error) {
	var w wireEvent
	if err := fromStruct(s, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	ev := Event{Type: w.Type, Text: w.Text}
	switch w.Type {
	case EventTextDelta:
	case EventToolCall:
		if w.ToolCall == nil {
			return Event{}, fmt.Errorf("tool-call event without tool_call")
		}
		ev.ToolCall = &ToolCall{
			ID:        w.ToolCall.ID,
			Name:      w.ToolCall.Name,
			Arguments: json.RawMessage(w.ToolCall.Arguments),
		}
	default:
		return Event{}, fmt.Errorf("unknown event type %q", w.Type)
	}
	return ev, nil
}

// sanitizeRequest makes every raw JSON field marshalable.
func sanitizeRequest(req Request) Request {
	out := req
	out.Messages = make([]Message, len(req.Messages))
	for i, m := range req.Messages {
		if len(m.ToolCalls) > 0 {
			calls := make([]ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				if !json.Valid(tc.Arguments) {
					quoted, _ := json.Marshal(string(tc.Arguments))
					tc.Arguments = quoted
				}
				calls[j] = tc
			}
			m.ToolCalls = calls
		}
		out.Messages[i] = m
	}
	out.Tools = make([]ToolDefinition, len(req.Tools))
	for i, t := range req.Tools {
		if !json.Valid(t.Parameters) {
			t.Parameters = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools[i] = t
	}
	return out
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
