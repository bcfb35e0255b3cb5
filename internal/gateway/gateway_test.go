// ABOUTME: End-to-end tests for the gateway over real WebSocket and gRPC connections
// ABOUTME: Covers auth, registration fan-out, command round trips, the role gate and grace entry

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/mskumargvd/arushi-cloud/internal/agent"
	"github.com/mskumargvd/arushi-cloud/internal/auth"
	"github.com/mskumargvd/arushi-cloud/internal/config"
	"github.com/mskumargvd/arushi-cloud/internal/protocol"
	"github.com/mskumargvd/arushi-cloud/internal/store"
)

const (
	testAgentSecret = "agent-secret"
	testJWTSecret   = "test-jwt-secret-that-is-long-enough"
	readTimeout     = 5 * time.Second
)

// testConfig creates a minimal config backed by an in-memory sqlite store.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: "127.0.0.1:0",
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   ":memory:",
		},
		Auth: config.AuthConfig{
			AgentSecret: testAgentSecret,
			JWTSecret:   testJWTSecret,
		},
		Agents: config.AgentsConfig{
			ReconnectGracePeriod: 5 * time.Minute,
			SampleInterval:       time.Millisecond,
			SampleBurst:          100,
		},
		Commands: config.CommandsConfig{
			CorrelationTTL: time.Minute,
		},
		Telemetry: config.TelemetryConfig{
			AuditSeverity: 2,
		},
		Metrics: config.MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway serves the gateway's HTTP handler on an httptest server.
func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	gw, err := New(testConfig(), testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw, srv
}

func consoleToken(t *testing.T) string {
	t.Helper()
	token, err := auth.NewJWTVerifier([]byte(testJWTSecret)).Generate("alice", time.Hour)
	require.NoError(t, err)
	return token
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event protocol.Event, data any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, protocol.MustNew(event, data)))
}

// readUntil skips frames until one with the wanted event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event protocol.Event) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	for {
		var env protocol.Envelope
		require.NoError(t, wsjson.Read(ctx, conn, &env), "waiting for %s", event)
		if env.Event == event {
			return env
		}
	}
}

func decodeData[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

// connectConsole dials and subscribes a console, returning once agent_list arrives.
func connectConsole(t *testing.T, srv *httptest.Server) (*websocket.Conn, []protocol.AgentInfo) {
	t.Helper()
	conn := dial(t, srv, consoleToken(t))
	send(t, conn, protocol.EventRegister, struct{}{})
	list := readUntil(t, conn, protocol.EventAgentList)
	return conn, decodeData[[]protocol.AgentInfo](t, list)
}

// connectAgent dials and registers an agent, returning once the console sees it.
func connectAgent(t *testing.T, srv *httptest.Server, console *websocket.Conn, id string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv, testAgentSecret)
	send(t, conn, protocol.EventRegister, protocol.Register{ID: id, Hostname: id + ".lan", Platform: "linux"})
	connected := readUntil(t, console, protocol.EventAgentConnected)
	require.Equal(t, id, decodeData[protocol.AgentInfo](t, connected).ID)
	return conn
}

func heartbeat(id string, cpu float64) map[string]any {
	return map[string]any{"id": id, "cpu": cpu, "ram": 40.0, "disk": 70.0, "uptime": 12.5}
}

func TestGatewayNew(t *testing.T) {
	gw, _ := newTestGateway(t)

	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.hub)
	assert.NotNil(t, gw.registry)
	assert.NotNil(t, gw.router)
	assert.NotNil(t, gw.relay)
	assert.NotNil(t, gw.grpcServer)
	assert.NotNil(t, gw.httpServer)
}

func TestGatewayNew_InvalidDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Driver = "mysql"

	_, err := New(cfg, testLogger())
	require.Error(t, err)
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	_, srv := newTestGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	for _, token := range []string{"", "wrong-secret"} {
		_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
		})
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestWebSocket_TokenQueryParameter(t *testing.T) {
	_, srv := newTestGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + consoleToken(t)
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	send(t, conn, protocol.EventRegister, struct{}{})
	readUntil(t, conn, protocol.EventAgentList)
}

func TestWebSocket_RegisterAndHeartbeat(t *testing.T) {
	_, srv := newTestGateway(t)

	console, initial := connectConsole(t, srv)
	assert.Empty(t, initial)

	agentConn := connectAgent(t, srv, console, "web-01")

	send(t, agentConn, protocol.EventHeartbeat, heartbeat("web-01", 12.5))
	updated := decodeData[protocol.AgentInfo](t, readUntil(t, console, protocol.EventAgentUpdated))
	assert.Equal(t, "web-01", updated.ID)
	assert.Equal(t, "online", updated.Status)
	assert.InDelta(t, 12.5, updated.Stats.CPU, 0.001)
	assert.NotNil(t, updated.LastHeartbeat)

	// A late console sees the agent in its snapshot.
	_, list := connectConsole(t, srv)
	require.Len(t, list, 1)
	assert.Equal(t, "web-01", list[0].ID)
}

func TestWebSocket_CommandRoundTrip(t *testing.T) {
	_, srv := newTestGateway(t)

	console, _ := connectConsole(t, srv)
	agentConn := connectAgent(t, srv, console, "web-01")

	send(t, console, protocol.EventSendCommand, protocol.SendCommand{AgentID: "web-01", Command: "uptime"})

	exec := decodeData[protocol.ExecuteCommand](t, readUntil(t, agentConn, protocol.EventExecuteCommand))
	assert.Equal(t, "uptime", exec.Command)
	assert.NotEmpty(t, exec.CommandID)
	assert.NotEmpty(t, exec.ReplyTo)

	send(t, agentConn, protocol.EventCommandResult, protocol.CommandResult{
		ReplyTo:   exec.ReplyTo,
		CommandID: exec.CommandID,
		Result:    json.RawMessage(`{"output":"up 3 days"}`),
	})

	out := decodeData[protocol.CommandOutput](t, readUntil(t, console, protocol.EventCommandOutput))
	assert.Equal(t, "web-01", out.AgentID)
	assert.Equal(t, exec.CommandID, out.CommandID)
	assert.JSONEq(t, `{"output":"up 3 days"}`, string(out.Result))
}

func TestWebSocket_CommandToUnknownAgent(t *testing.T) {
	_, srv := newTestGateway(t)

	console, _ := connectConsole(t, srv)
	send(t, console, protocol.EventSendCommand, protocol.SendCommand{AgentID: "ghost", Command: "uptime"})

	cmdErr := decodeData[protocol.CommandError](t, readUntil(t, console, protocol.EventCommandError))
	assert.Equal(t, "ghost", cmdErr.AgentID)
	assert.Equal(t, "agent not found", cmdErr.Message)
}

func TestWebSocket_RoleGate(t *testing.T) {
	_, srv := newTestGateway(t)

	console, _ := connectConsole(t, srv)
	send(t, console, protocol.EventHeartbeat, heartbeat("web-01", 1))
	msg := decodeData[protocol.ErrorMessage](t, readUntil(t, console, protocol.EventError))
	assert.Contains(t, msg.Message, "not permitted")

	agentConn := connectAgent(t, srv, console, "web-01")
	send(t, agentConn, protocol.EventSendCommand, protocol.SendCommand{AgentID: "web-01", Command: "uptime"})
	msg = decodeData[protocol.ErrorMessage](t, readUntil(t, agentConn, protocol.EventError))
	assert.Contains(t, msg.Message, "not permitted")
}

func TestWebSocket_UnknownEvent(t *testing.T) {
	_, srv := newTestGateway(t)

	console, _ := connectConsole(t, srv)
	send(t, console, protocol.Event("reboot_everything"), struct{}{})
	msg := decodeData[protocol.ErrorMessage](t, readUntil(t, console, protocol.EventError))
	assert.Contains(t, msg.Message, "unknown event")

	// The connection stays usable.
	send(t, console, protocol.EventRegister, struct{}{})
	readUntil(t, console, protocol.EventAgentList)
}

func TestWebSocket_HeartbeatBeforeRegister(t *testing.T) {
	_, srv := newTestGateway(t)

	agentConn := dial(t, srv, testAgentSecret)
	send(t, agentConn, protocol.EventHeartbeat, heartbeat("web-01", 1))

	msg := decodeData[protocol.ErrorMessage](t, readUntil(t, agentConn, protocol.EventError))
	assert.Equal(t, "agent must register first", msg.Message)
}

func TestWebSocket_HeartbeatIDMismatch(t *testing.T) {
	_, srv := newTestGateway(t)

	console, _ := connectConsole(t, srv)
	agentConn := connectAgent(t, srv, console, "web-01")

	send(t, agentConn, protocol.EventHeartbeat, heartbeat("web-02", 1))
	msg := decodeData[protocol.ErrorMessage](t, readUntil(t, agentConn, protocol.EventError))
	assert.Contains(t, msg.Message, "does not match")
}

func TestWebSocket_ThreatAlertFanOut(t *testing.T) {
	gw, srv := newTestGateway(t)

	console, _ := connectConsole(t, srv)
	agentConn := connectAgent(t, srv, console, "fw-01")

	send(t, agentConn, protocol.EventThreatAlert, map[string]any{
		"src_ip":    "10.0.0.5",
		"dest_ip":   "192.168.1.1",
		"proto":     "TCP",
		"signature": "ET SCAN Nmap",
		"severity":  1,
	})

	update := decodeData[protocol.ThreatUpdate](t, readUntil(t, console, protocol.EventThreatUpdate))
	assert.Equal(t, "fw-01", update.AgentID)
	assert.Equal(t, 1, update.Severity)
	assert.NotEmpty(t, update.ID)

	agentID := "fw-01"
	entries, err := gw.store.ListAuditLog(context.Background(), store.AuditFilter{AgentID: &agentID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, update.ID, entries[0].ID)
}

func TestWebSocket_DisconnectEntersGrace(t *testing.T) {
	gw, srv := newTestGateway(t)

	console, _ := connectConsole(t, srv)
	agentConn := connectAgent(t, srv, console, "web-01")
	require.Equal(t, agent.StateOnline, gw.registry.State("web-01"))

	require.NoError(t, agentConn.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		return gw.registry.State("web-01") == agent.StateGrace
	}, readTimeout, 10*time.Millisecond)

	// Consoles still see the agent online while it is in grace.
	info, ok := gw.registry.Get("web-01")
	require.True(t, ok)
	assert.Equal(t, "online", info.Status)

	// Reconnecting inside the window resumes without an offline transition.
	connectAgent(t, srv, console, "web-01")
	assert.Equal(t, agent.StateOnline, gw.registry.State("web-01"))
}

// serveGRPC starts the gateway's gRPC server on a loopback listener.
func serveGRPC(t *testing.T, gw *Gateway) *grpc.ClientConn {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = gw.grpcServer.Serve(lis) }()

	cc, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

func TestGRPC_AgentCommandRoundTrip(t *testing.T) {
	gw, srv := newTestGateway(t)
	cc := serveGRPC(t, gw)
	console, _ := connectConsole(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := protocol.OpenConnect(ctx, cc, testAgentSecret)
	require.NoError(t, err)

	reg := protocol.MustNew(protocol.EventRegister, protocol.Register{ID: "db-01", Hostname: "db-01.lan", Platform: "linux"})
	require.NoError(t, stream.SendMsg(&reg))
	connected := decodeData[protocol.AgentInfo](t, readUntil(t, console, protocol.EventAgentConnected))
	assert.Equal(t, "db-01", connected.ID)

	send(t, console, protocol.EventSendCommand, protocol.SendCommand{AgentID: "db-01", Command: "check_logs"})

	var env protocol.Envelope
	require.NoError(t, stream.RecvMsg(&env))
	require.Equal(t, protocol.EventExecuteCommand, env.Event)
	exec := decodeData[protocol.ExecuteCommand](t, env)
	assert.Equal(t, "check_logs", exec.Command)

	result := protocol.MustNew(protocol.EventCommandResult, protocol.CommandResult{
		ReplyTo:   exec.ReplyTo,
		CommandID: exec.CommandID,
		Result:    json.RawMessage(`"no errors"`),
	})
	require.NoError(t, stream.SendMsg(&result))

	out := decodeData[protocol.CommandOutput](t, readUntil(t, console, protocol.EventCommandOutput))
	assert.Equal(t, "db-01", out.AgentID)
	assert.JSONEq(t, `"no errors"`, string(out.Result))

	require.NoError(t, stream.CloseSend())
	require.Eventually(t, func() bool {
		return gw.registry.State("db-01") == agent.StateGrace
	}, readTimeout, 10*time.Millisecond)
}

func TestGRPC_Unauthenticated(t *testing.T) {
	gw, _ := newTestGateway(t)
	cc := serveGRPC(t, gw)

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	stream, err := protocol.OpenConnect(ctx, cc, "wrong-secret")
	if err == nil {
		var env protocol.Envelope
		err = stream.RecvMsg(&env)
	}
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "arushi_")
}
