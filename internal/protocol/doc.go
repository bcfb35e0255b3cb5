// Package protocol defines the messages exchanged between the gateway and
// its peers.
//
// Frames are JSON envelopes, {"event": "...", "data": {...}}, on both the
// WebSocket endpoint and the gRPC Connect stream. Decode is the only way
// inbound frames reach the rest of the gateway: it rejects events the
// sender's role may not emit, then parses the payload into one of the
// Inbound variants and checks its required fields.
//
//	agent   -> register, heartbeat, command_result, threat_alert
//	console -> register, send_command
package protocol
