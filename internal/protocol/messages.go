// ABOUTME: Typed payloads for every wire event with required-field validation
// ABOUTME: Inbound variants implement Inbound; outbound payloads are plain structs

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// Inbound is implemented by the closed set of messages peers may send.
type Inbound interface {
	Event() Event
	Validate() error
}

// Register is sent by an agent to announce itself.
type Register struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Platform string `json:"platform"`
}

func (*Register) Event() Event { return EventRegister }

func (m *Register) Validate() error {
	if m.ID == "" {
		return errors.New("id is required")
	}
	if m.Hostname == "" {
		return errors.New("hostname is required")
	}
	if m.Platform == "" {
		return errors.New("platform is required")
	}
	return nil
}

// Subscribe is a console "register"; it carries no fields.
type Subscribe struct{}

func (*Subscribe) Event() Event   { return EventRegister }
func (*Subscribe) Validate() error { return nil }

// Stats is the last-known resource usage of an agent.
type Stats struct {
	CPU    float64 `json:"cpu"`
	RAM    float64 `json:"ram"`
	Disk   float64 `json:"disk"`
	Uptime float64 `json:"uptime"` // hours
}

// Heartbeat carries periodic stats from an agent. Pointers distinguish a
// reported zero from a missing field.
type Heartbeat struct {
	ID     string   `json:"id"`
	CPU    *float64 `json:"cpu"`
	RAM    *float64 `json:"ram"`
	Disk   *float64 `json:"disk"`
	Uptime *float64 `json:"uptime"`
}

func (*Heartbeat) Event() Event { return EventHeartbeat }

func (m *Heartbeat) Validate() error {
	if m.ID == "" {
		return errors.New("id is required")
	}
	for _, f := range []struct {
		name string
		v    *float64
	}{{"cpu", m.CPU}, {"ram", m.RAM}, {"disk", m.Disk}, {"uptime", m.Uptime}} {
		if f.v == nil {
			return fmt.Errorf("%s is required", f.name)
		}
		if *f.v < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
	}
	return nil
}

// Stats returns the validated values.
func (m *Heartbeat) Stats() Stats {
	return Stats{CPU: *m.CPU, RAM: *m.RAM, Disk: *m.Disk, Uptime: *m.Uptime}
}

// CommandResult is an agent's reply to an execute_command.
type CommandResult struct {
	ReplyTo   string          `json:"replyTo"`
	CommandID string          `json:"commandId,omitempty"`
	Result    json.RawMessage `json:"result"`
}

func (*CommandResult) Event() Event { return EventCommandResult }

func (m *CommandResult) Validate() error {
	if m.ReplyTo == "" {
		return errors.New("replyTo is required")
	}
	if len(m.Result) == 0 || string(m.Result) == "null" {
		return errors.New("result is required")
	}
	return nil
}

// ThreatAlert is an IDS notification forwarded by an agent.
// Severity follows Suricata: 1 is the most severe.
type ThreatAlert struct {
	SrcIP     string `json:"src_ip"`
	DestIP    string `json:"dest_ip"`
	Proto     string `json:"proto"`
	Signature string `json:"signature"`
	Severity  *int   `json:"severity"`
}

func (*ThreatAlert) Event() Event { return EventThreatAlert }

func (m *ThreatAlert) Validate() error {
	if _, err := netip.ParseAddr(m.SrcIP); err != nil {
		return fmt.Errorf("src_ip: %w", err)
	}
	if _, err := netip.ParseAddr(m.DestIP); err != nil {
		return fmt.Errorf("dest_ip: %w", err)
	}
	if m.Proto == "" {
		return errors.New("proto is required")
	}
	if m.Signature == "" {
		return errors.New("signature is required")
	}
	if m.Severity == nil {
		return errors.New("severity is required")
	}
	if *m.Severity < 1 {
		return errors.New("severity must be at least 1")
	}
	return nil
}

// SendCommand is a console request to run a command on an agent.
type SendCommand struct {
	AgentID string          `json:"agentId"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (*SendCommand) Event() Event { return EventSendCommand }

func (m *SendCommand) Validate() error {
	if m.AgentID == "" {
		return errors.New("agentId is required")
	}
	if m.Command == "" {
		return errors.New("command is required")
	}
	return nil
}

// AgentInfo is the registry view of one agent sent to consoles.
type AgentInfo struct {
	ID            string     `json:"id"`
	Hostname      string     `json:"hostname"`
	Platform      string     `json:"platform"`
	Status        string     `json:"status"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	Stats         Stats      `json:"stats"`
}

// ExecuteCommand is forwarded to an agent.
type ExecuteCommand struct {
	CommandID string          `json:"commandId"`
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ReplyTo   string          `json:"replyTo"`
}

// CommandOutput delivers an agent's result to a console.
type CommandOutput struct {
	AgentID   string          `json:"agentId"`
	CommandID string          `json:"commandId,omitempty"`
	Result    json.RawMessage `json:"result"`
}

// CommandError reports a dispatch failure to the issuing console.
type CommandError struct {
	AgentID   string `json:"agentId"`
	CommandID string `json:"commandId,omitempty"`
	Message   string `json:"message"`
}

// ThreatUpdate is a ThreatAlert enriched by the gateway.
type ThreatUpdate struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	SrcIP      string    `json:"src_ip"`
	DestIP     string    `json:"dest_ip"`
	Proto      string    `json:"proto"`
	Signature  string    `json:"signature"`
	Severity   int       `json:"severity"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ErrorMessage is the payload of an "error" event.
type ErrorMessage struct {
	Message string `json:"message"`
}
