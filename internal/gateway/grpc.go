// ABOUTME: Gateway gRPC service implementation for agents and consoles
// ABOUTME: Connect is a bidirectional stream of JSON envelopes sharing the WebSocket session loop

package gateway

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/mskumargvd/arushi-cloud/internal/auth"
	"github.com/mskumargvd/arushi-cloud/internal/hub"
	"github.com/mskumargvd/arushi-cloud/internal/protocol"
)

// connectServer is the handler type for gatewayServiceDesc.
type connectServer interface {
	Connect(stream grpc.ServerStream) error
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(connectServer).Connect(stream)
}

var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: protocol.ServiceName,
	HandlerType: (*connectServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    protocol.ConnectStreamDesc.StreamName,
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// gatewayService implements connectServer.
type gatewayService struct {
	gateway *Gateway
	logger  *slog.Logger
}

func newGatewayService(gw *Gateway, logger *slog.Logger) *gatewayService {
	return &gatewayService{
		gateway: gw,
		logger:  logger,
	}
}

// grpcWriter sends frames on the server stream. Only the link's send loop
// calls Write, so SendMsg is never used concurrently.
type grpcWriter struct {
	stream grpc.ServerStream
}

func (w *grpcWriter) Write(ctx context.Context, env protocol.Envelope) error {
	return w.stream.SendMsg(&env)
}

// Close is a no-op; the stream ends when Connect returns.
func (w *grpcWriter) Close(reason string) error {
	return nil
}

// Connect handles one peer stream. The auth interceptor has already attached
// the identity; the session ends when the peer closes its send side.
func (s *gatewayService) Connect(stream grpc.ServerStream) error {
	id := auth.FromContext(stream.Context())
	if id == nil {
		return status.Error(codes.Unauthenticated, auth.ErrUnauthorized.Error())
	}

	link := hub.NewLink(id, &grpcWriter{stream: stream}, hub.DefaultOutboxSize, s.logger)

	var remote string
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		remote = p.Addr.String()
	}
	s.logger.Info("peer connected",
		"transport", "grpc",
		"conn_id", link.ID(),
		"role", string(id.Role),
		"subject", id.Subject,
		"remote_addr", remote,
	)

	s.gateway.serveLink(stream.Context(), link, func(ctx context.Context) (protocol.Envelope, error) {
		var env protocol.Envelope
		err := stream.RecvMsg(&env)
		return env, err
	})
	return nil
}
