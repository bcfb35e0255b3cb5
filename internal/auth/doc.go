// Package auth provides authentication for arushi-gateway connections.
//
// # Peer roles
//
// Every connection presents exactly one token, read once at connect time:
//
//   - Agents present the pre-shared agent secret (auth.agent_secret, or a
//     bcrypt hash of it in auth.agent_secret_hash). They get RoleAgent with
//     no subject; the agent id is bound later by the first register event.
//
//   - Consoles present an HS256 JWT signed with auth.jwt_secret carrying
//     "sub" and "exp". They get RoleConsole with Subject set to "sub".
//
// Anything else fails with ErrUnauthorized. There is no anonymous mode.
//
// # Transports
//
// WebSocket and HTTP requests carry the token in the Authorization header
// ("Bearer <token>") or the token query parameter; see TokenFromRequest.
// gRPC streams carry it in the "authorization" metadata key; see
// StreamInterceptor, which rejects with codes.Unauthenticated.
//
// The role is attached to the request context with WithIdentity and never
// re-evaluated for the lifetime of the connection.
package auth
