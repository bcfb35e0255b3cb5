// ABOUTME: Wire envelope and event names shared by the WebSocket and gRPC transports
// ABOUTME: Every frame is {"event": name, "data": payload} encoded as JSON

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mskumargvd/arushi-cloud/internal/auth"
)

// Event names a wire message.
type Event string

// Inbound events.
const (
	EventRegister      Event = "register"
	EventHeartbeat     Event = "heartbeat"
	EventCommandResult Event = "command_result"
	EventThreatAlert   Event = "threat_alert"
	EventSendCommand   Event = "send_command"
)

// Outbound events.
const (
	EventAgentConnected Event = "agent_connected"
	EventAgentUpdated   Event = "agent_updated"
	EventAgentList      Event = "agent_list"
	EventCommandOutput  Event = "command_output"
	EventCommandError   Event = "command_error"
	EventThreatUpdate   Event = "threat_update"
	EventExecuteCommand Event = "execute_command"
	EventError          Event = "error"
)

// Decode errors. The gateway reports these to the sender and drops the frame.
var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrNotPermitted   = errors.New("event not permitted for role")
	ErrMalformed      = errors.New("malformed payload")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Envelope is the unit of exchange on every transport.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope by marshaling data.
func New(event Event, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// MustNew is New for payload types that always marshal.
func MustNew(event Event, data any) Envelope {
	env, err := New(event, data)
	if err != nil {
		panic(err)
	}
	return env
}

// ErrorEnvelope builds an "error" event.
func ErrorEnvelope(message string) Envelope {
	return MustNew(EventError, ErrorMessage{Message: message})
}

// permitted lists the inbound events each role may emit.
var permitted = map[auth.Role]map[Event]bool{
	auth.RoleAgent: {
		EventRegister:      true,
		EventHeartbeat:     true,
		EventCommandResult: true,
		EventThreatAlert:   true,
	},
	auth.RoleConsole: {
		EventRegister:    true,
		EventSendCommand: true,
	},
}

// Permitted reports whether role may send event.
func Permitted(role auth.Role, event Event) bool {
	return permitted[role][event]
}

// Decode checks the role gate, then parses and validates the payload into
// the closed set of inbound variants. "register" decodes to Register for
// agents and Subscribe for consoles.
func Decode(role auth.Role, env Envelope) (Inbound, error) {
	msg, err := variantFor(role, env.Event)
	if err != nil {
		return nil, err
	}
	if !Permitted(role, env.Event) {
		return nil, fmt.Errorf("%w: %s may not send %s", ErrNotPermitted, role, env.Event)
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
		}
	}

	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
	}
	return msg, nil
}

func variantFor(role auth.Role, event Event) (Inbound, error) {
	switch event {
	case EventRegister:
		if role == auth.RoleConsole {
			return &Subscribe{}, nil
		}
		return &Register{}, nil
	case EventHeartbeat:
		return &Heartbeat{}, nil
	case EventCommandResult:
		return &CommandResult{}, nil
	case EventThreatAlert:
		return &ThreatAlert{}, nil
	case EventSendCommand:
		return &SendCommand{}, nil
	case EventAgentConnected, EventAgentUpdated, EventAgentList, EventCommandOutput,
		EventCommandError, EventThreatUpdate, EventExecuteCommand, EventError:
		return nil, fmt.Errorf("%w: %s is outbound only", ErrNotPermitted, event)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}
