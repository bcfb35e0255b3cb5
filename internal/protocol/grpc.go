// ABOUTME: gRPC binding of the envelope: a JSON codec and the Connect bidi stream
// ABOUTME: Both the gateway and gRPC peers use these so frames match the WebSocket wire

package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

const (
	// CodecName is the gRPC content subtype carrying JSON envelopes.
	CodecName = "json"

	// ServiceName is the fully qualified gRPC service.
	ServiceName = "arushi.gateway.v1.Gateway"

	// ConnectMethod is the full method name of the bidi stream.
	ConnectMethod = "/" + ServiceName + "/Connect"
)

// ConnectStreamDesc describes the Connect stream for clients and servers.
var ConnectStreamDesc = grpc.StreamDesc{
	StreamName:    "Connect",
	ServerStreams: true,
	ClientStreams: true,
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// OpenConnect starts a Connect stream authenticated with token. Frames are
// exchanged with SendMsg(*Envelope) and RecvMsg(*Envelope).
func OpenConnect(ctx context.Context, cc grpc.ClientConnInterface, token string) (grpc.ClientStream, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	stream, err := cc.NewStream(ctx, &ConnectStreamDesc, ConnectMethod, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, fmt.Errorf("opening connect stream: %w", err)
	}
	return stream, nil
}
