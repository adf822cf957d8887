package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
	"ringnet/internal/core/services"
	"ringnet/pkg/utils"
)

// PresenceGateway pushes invitation mailbox changes to connected devices and
// takes accept/decline back. One socket per device; a reconnect replaces the
// previous socket for the same user.
type PresenceGateway struct {
	mailbox     ports.InviteMailbox
	authService services.AuthService

	connections map[domain.UserID]*gatewayConn
	mu          sync.RWMutex

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

// gatewayConn serializes writes; the mailbox observer and the ping loop both
// write, and gorilla allows one writer at a time.
type gatewayConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *gatewayConn) writeJSON(timeout time.Duration, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(v)
}

func (c *gatewayConn) ping(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// GatewayMessage is the envelope for both directions of the socket.
type GatewayMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	msgInvitation = "invitation"
	msgDismissed  = "dismissed"
	msgAccept     = "accept"
	msgDecline    = "decline"
	msgError      = "error"
)

func NewPresenceGateway(
	mailbox ports.InviteMailbox,
	authService services.AuthService,
	pingInterval, pongTimeout time.Duration,
	allowedOrigins []string,
	logger *zap.SugaredLogger,
) *PresenceGateway {
	return &PresenceGateway{
		mailbox:     mailbox,
		authService: authService,
		connections: make(map[domain.UserID]*gatewayConn),

		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		writeTimeout: 10 * time.Second,

		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	allowAll := false
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
		}
		set[origin] = true
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		return set[r.Header.Get("Origin")]
	}
}

func (g *PresenceGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := g.authService.ValidateToken(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	userID := claims.UserID

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Errorw("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	defer conn.Close()
	gc := &gatewayConn{conn: conn}

	g.mu.Lock()
	if old, ok := g.connections[userID]; ok && old != nil {
		old.conn.Close()
		g.logger.Infow("replacing connection for reconnecting user", "user_id", userID)
	}
	g.connections[userID] = gc
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.connections[userID] == gc {
			delete(g.connections, userID)
		}
		g.mu.Unlock()
		g.logger.Infow("user disconnected", "user_id", userID)
	}()

	g.logger.Infow("user connected", "user_id", userID)

	conn.SetReadDeadline(time.Now().Add(g.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(g.pongTimeout))
		return nil
	})

	// Every mailbox change for this user is pushed down the socket; the
	// device decides what to render.
	ctx := r.Context()
	cancelWatch, err := g.mailbox.Observe(ctx, userID, func(inv *domain.Invitation) {
		g.pushInvitation(gc, userID, inv)
	})
	if err != nil {
		g.logger.Errorw("failed to watch mailbox", "user_id", userID, "error", err)
		return
	}
	defer cancelWatch()

	messageChan := make(chan GatewayMessage, 10)
	errorChan := make(chan error, 1)
	// Closed when this handler returns, so a reader blocked on a full
	// messageChan does not outlive the connection.
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg GatewayMessage
			if err := conn.ReadJSON(&msg); err != nil {
				select {
				case errorChan <- err:
				case <-done:
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(g.pongTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(g.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case msg := <-messageChan:
			if err := g.handleMessage(ctx, userID, msg); err != nil {
				g.logger.Infow("error handling message", "user_id", userID, "type", msg.Type, "error", err)
				g.sendError(gc, err.Error())
			}
		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warnw("websocket read failed", "user_id", userID, "error", err)
			}
			return
		case <-pingTicker.C:
			if err := gc.ping(g.writeTimeout); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *PresenceGateway) handleMessage(ctx context.Context, userID domain.UserID, msg GatewayMessage) error {
	switch msg.Type {
	case msgAccept:
		return g.mailbox.SetStatus(ctx, userID, domain.InviteStatusAccepted)
	case msgDecline:
		return g.mailbox.SetStatus(ctx, userID, domain.InviteStatusDeclined)
	default:
		g.logger.Debugw("ignoring unknown message type", "user_id", userID, "type", msg.Type)
		return nil
	}
}

func (g *PresenceGateway) pushInvitation(gc *gatewayConn, userID domain.UserID, inv *domain.Invitation) {
	msg := GatewayMessage{Type: msgDismissed}
	if inv.PendingFor(userID) {
		payload, err := json.Marshal(inv)
		if err != nil {
			g.logger.Errorw("failed to marshal invitation", "user_id", userID, "error", err)
			return
		}
		msg = GatewayMessage{Type: msgInvitation, Payload: payload}
	}

	if err := gc.writeJSON(g.writeTimeout, msg); err != nil {
		g.logger.Warnw("failed to push invitation", "user_id", userID, "error", err)
	}
}

func (g *PresenceGateway) sendError(gc *gatewayConn, message string) {
	// Wrapped store errors can carry long chains; cap what goes to the device.
	payload, _ := json.Marshal(map[string]string{"message": utils.TruncateString(message, 200)})
	if err := gc.writeJSON(g.writeTimeout, GatewayMessage{Type: msgError, Payload: payload}); err != nil {
		g.logger.Warnw("failed to send error", "error", err)
	}
}

// ConnectedUsers reports how many devices are currently attached.
func (g *PresenceGateway) ConnectedUsers() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.connections)
}
