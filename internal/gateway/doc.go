// Package gateway orchestrates the arushi-gateway server components.
//
// # Overview
//
// The gateway owns the store, the connection hub, the agent registry, the
// command router and the telemetry relay, and exposes them over two
// transports that carry the same JSON envelope:
//
//	{"event": "heartbeat", "data": {...}}
//
// WebSocket peers connect to GET /ws with a bearer token (header or ?token=).
// gRPC peers open the Connect bidi stream on arushi.gateway.v1.Gateway with
// the json content subtype and an authorization metadata entry.
//
// # Sessions
//
// Both transports hand an authenticated hub.Link to serveLink, which decodes
// each frame, applies the role gate and dispatches:
//
//   - register (agent)       -> agent.Registry.Register
//   - heartbeat (agent)      -> agent.Registry.Heartbeat
//   - command_result (agent) -> router.Router.OnResult
//   - threat_alert (agent)   -> telemetry.Relay.OnThreat
//   - register (console)     -> agent_list snapshot
//   - send_command (console) -> router.Router.Dispatch
//
// When a registered agent's session ends the registry starts its grace
// period; the agent is only reported offline if it does not come back.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 when at least one agent is online
//   - GET /api/agents - Registry snapshot (console token)
//   - GET /api/stats/history/{agentId} - Stat samples (console token)
//   - GET /api/logs - Audit log (console token)
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//	cancel()
//
// Run shuts the gateway down when ctx is canceled.
package gateway
