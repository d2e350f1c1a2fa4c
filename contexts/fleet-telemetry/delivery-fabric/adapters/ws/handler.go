// Package ws is the gorilla/websocket transport adapter for the delivery
// fabric.
package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"haulmatch/contexts/fleet-telemetry/delivery-fabric/application"
	"haulmatch/contexts/fleet-telemetry/delivery-fabric/ports"
	"haulmatch/internal/shared/events"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pingPeriod = 25 * time.Second
	pongWait   = 20 * time.Second
	writeWait  = 10 * time.Second
)

// Handler upgrades HTTP requests into fabric sessions.
type Handler struct {
	Hub      *application.Hub
	Verifier ports.TokenVerifier
	Logger   *slog.Logger

	upgrader websocket.Upgrader
}

// NewHandler builds an upgrade handler bound to a hub.
func NewHandler(hub *application.Hub, verifier ports.TokenVerifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Hub:      hub,
		Verifier: verifier,
		Logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP authenticates the bearer token, upgrades, and runs the
// per-connection pumps. Verification failure rejects before the connection is
// established.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	identity, err := h.Verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed",
			"event", "fabric_upgrade_failed",
			"module", "fleet-telemetry/delivery-fabric",
			"layer", "transport",
			"user_id", identity.UserID,
			"error", err.Error(),
		)
		return
	}

	session := application.NewSession(
		uuid.NewString(),
		identity.UserID,
		identity.Role,
		&wsConn{conn: conn},
		0,
		time.Now().UTC(),
	)
	h.Hub.Register(r.Context(), session)

	done := make(chan struct{})
	go session.WritePump(done)
	go h.pingLoop(conn, done)

	// Read pump owns the connection lifetime.
	conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
		h.Hub.HandleInbound(r.Context(), session, raw)
	}

	close(done)
	h.Hub.Unregister(session)
}

func (h *Handler) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// wsConn adapts a gorilla connection to the fabric Conn interface. Gorilla
// permits one concurrent writer; the session write pump is that writer, and
// ping frames go through WriteControl which is safe alongside it.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteEnvelope(envelope events.Envelope) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(envelope)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
