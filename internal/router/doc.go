// Package router forwards console commands to agents and correlates results.
//
// Dispatch looks the target up in the agent registry. An unknown agent, or one
// without a live connection, gets a command_error back to the issuing console
// and nothing else. Otherwise the agent receives execute_command carrying the
// issuing connection id as replyTo.
//
// OnResult delivers command_output to the replyTo console if it is still
// connected. If it is gone the result is broadcast to every console, unless
// fallback is disabled, in which case it is dropped. Delivery is at-most-once
// and nothing is queued.
package router
