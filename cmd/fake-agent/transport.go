// ABOUTME: WebSocket and gRPC peers for the fake agent behind one send/receive interface
// ABOUTME: Sends are serialized so heartbeats and command results can share a connection

package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mskumargvd/arushi-cloud/internal/protocol"
)

type peer interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Recv(ctx context.Context) (protocol.Envelope, error)
	Close() error
}

func dialPeer(ctx context.Context, opts options) (peer, error) {
	switch opts.transport {
	case "ws", "websocket":
		return dialWS(ctx, opts.addr, opts.secret)
	case "grpc":
		return dialGRPC(ctx, opts.addr, opts.secret)
	default:
		return nil, fmt.Errorf("unknown transport %q (ws, grpc)", opts.transport)
	}
}

type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func dialWS(ctx context.Context, addr, secret string) (*wsPeer, error) {
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + secret}},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	return &wsPeer{conn: conn}, nil
}

func (p *wsPeer) Send(ctx context.Context, env protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return wsjson.Write(ctx, p.conn, env)
}

func (p *wsPeer) Recv(ctx context.Context) (protocol.Envelope, error) {
	var env protocol.Envelope
	err := wsjson.Read(ctx, p.conn, &env)
	return env, err
}

func (p *wsPeer) Close() error {
	return p.conn.Close(websocket.StatusNormalClosure, "agent shutting down")
}

type grpcPeer struct {
	mu     sync.Mutex
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
}

func dialGRPC(ctx context.Context, addr, secret string) (*grpcPeer, error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("creating grpc client: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := protocol.OpenConnect(streamCtx, cc, secret)
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, err
	}
	return &grpcPeer{cc: cc, stream: stream, cancel: cancel}, nil
}

func (p *grpcPeer) Send(_ context.Context, env protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream.SendMsg(&env)
}

// Recv ignores ctx; the stream context ends it on Close.
func (p *grpcPeer) Recv(_ context.Context) (protocol.Envelope, error) {
	var env protocol.Envelope
	err := p.stream.RecvMsg(&env)
	return env, err
}

func (p *grpcPeer) Close() error {
	p.mu.Lock()
	_ = p.stream.CloseSend()
	p.mu.Unlock()
	p.cancel()
	return p.cc.Close()
}
