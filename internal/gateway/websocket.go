// ABOUTME: WebSocket transport: authenticates before upgrade, then runs the session loop
// ABOUTME: Frames are JSON envelopes read and written with wsjson

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mskumargvd/arushi-cloud/internal/auth"
	"github.com/mskumargvd/arushi-cloud/internal/hub"
	"github.com/mskumargvd/arushi-cloud/internal/protocol"
)

const (
	// wsReadLimit caps one inbound frame.
	wsReadLimit = 1 << 20

	// wsWriteTimeout bounds a single outbound frame.
	wsWriteTimeout = 10 * time.Second
)

// wsWriter adapts a WebSocket connection to hub.Writer.
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) Write(ctx context.Context, env protocol.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, w.conn, env)
}

func (w *wsWriter) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}

// handleWebSocket handles GET /ws. The token is read once; a bad token gets
// 401 and no upgrade.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, err := g.validator.Validate(auth.TokenFromRequest(r))
	if err != nil {
		g.metrics.Rejected("unauthorized")
		g.logger.Warn("auth failure", "transport", "websocket", "remote_addr", r.RemoteAddr, "error", err)
		g.sendJSONError(w, http.StatusUnauthorized, auth.ErrUnauthorized.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.WebSocket.AllowedOrigins,
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	link := hub.NewLink(id, &wsWriter{conn: conn}, hub.DefaultOutboxSize, g.logger)
	g.logger.Info("peer connected",
		"transport", "websocket",
		"conn_id", link.ID(),
		"role", string(id.Role),
		"subject", id.Subject,
		"remote_addr", r.RemoteAddr,
	)

	g.serveLink(r.Context(), link, func(ctx context.Context) (protocol.Envelope, error) {
		var env protocol.Envelope
		err := wsjson.Read(ctx, conn, &env)
		return env, err
	})
}
