// ABOUTME: gRPC stream interceptor that authenticates Connect streams
// ABOUTME: Extracts the token from metadata and attaches the Identity to the stream context

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates streams.
// The optional logger enables auth failure logging for security monitoring.
func StreamInterceptor(validator Validator, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		id, err := extractIdentity(ss.Context(), validator, logger)
		if err != nil {
			return err
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithIdentity(ss.Context(), id),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// extractIdentity reads the "authorization" metadata once and validates it.
// Both "Bearer <token>" and a bare token are accepted.
func extractIdentity(ctx context.Context, validator Validator, logger *slog.Logger) (*Identity, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing_metadata")
		return nil, status.Error(codes.Unauthenticated, ErrUnauthorized.Error())
	}

	values := md.Get("authorization")
	if len(values) == 0 {
		logAuthFailure(logger, ctx, "missing_token")
		return nil, status.Error(codes.Unauthenticated, ErrUnauthorized.Error())
	}

	token := strings.TrimSpace(strings.TrimPrefix(values[0], "Bearer "))
	id, err := validator.Validate(token)
	if err != nil {
		logAuthFailure(logger, ctx, "invalid_token", "error", err.Error())
		return nil, status.Error(codes.Unauthenticated, ErrUnauthorized.Error())
	}
	return id, nil
}
