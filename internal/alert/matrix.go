// ABOUTME: Matrix alert sink that posts presence alerts to an operations room
// ABOUTME: Uses a mautrix client authenticated with a bot access token

package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// networkTimeout is the timeout for Matrix API calls.
const networkTimeout = 10 * time.Second

// MatrixSink posts a text message per transition.
type MatrixSink struct {
	client *mautrix.Client
	room   id.RoomID
	logger *slog.Logger
}

// NewMatrixSink creates a Matrix client for the bot account.
func NewMatrixSink(homeserver, userID, accessToken, roomID string, logger *slog.Logger) (*MatrixSink, error) {
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MatrixSink{
		client: client,
		room:   id.RoomID(roomID),
		logger: logger.With("component", "alert", "sink", "matrix"),
	}, nil
}

func (s *MatrixSink) Name() string { return "matrix" }

// Notify implements Sink.
func (s *MatrixSink) Notify(ctx context.Context, agentID string, t Transition) error {
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	resp, err := s.client.SendText(ctx, s.room, formatAlert(agentID, t))
	if err != nil {
		return fmt.Errorf("sending to %s: %w", s.room, err)
	}
	s.logger.Debug("alert sent", "agent_id", agentID, "event_id", resp.EventID.String())
	return nil
}

func formatAlert(agentID string, t Transition) string {
	switch t {
	case TransitionOffline:
		return fmt.Sprintf("Agent %s is offline: no reconnect within the grace period.", agentID)
	default:
		return fmt.Sprintf("Agent %s: %s", agentID, t)
	}
}
