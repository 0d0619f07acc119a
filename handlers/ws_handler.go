package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"caresim/models"
	"caresim/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// WebSocketHandler upgrades authenticated requests and attaches the
// connection to the hub, which pushes chat_updated frames as background
// work finishes.
type WebSocketHandler struct {
	hubService *services.HubService
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

func NewWebSocketHandler(hubService *services.HubService, allowedOrigins []string, log *zap.Logger) *WebSocketHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return &WebSocketHandler{
		hubService: hubService,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
		log: log.Named("ws"),
	}
}

func (wh *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	raw, exists := c.Get("user_id")
	userID, ok := raw.(uint)
	if !exists || !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	conn, err := wh.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		wh.log.Warn("upgrade failed", zap.Uint("user_id", userID), zap.Error(err))
		return
	}

	client := models.NewClient(wh.hubService.GetHub(), conn, userID)
	wh.log.Debug("connection upgraded", zap.String("client_id", client.ID), zap.Uint("user_id", userID))

	client.Hub.Register <- client
	go wh.writePump(client)
	go wh.readPump(client)
}

func (wh *WebSocketHandler) readPump(client *models.Client) {
	defer func() {
		client.Hub.Unregister <- client
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				wh.log.Debug("unexpected close", zap.String("client_id", client.ID), zap.Error(err))
			}
			return
		}

		var wsMessage models.WSMessage
		if err := json.Unmarshal(message, &wsMessage); err != nil {
			wh.log.Debug("malformed frame", zap.String("client_id", client.ID), zap.Error(err))
			continue
		}

		switch wsMessage.Type {
		case models.WSClientConnect:
			responseBytes, err := json.Marshal(models.WSMessage{
				Type: models.WSClientConnected,
				Data: map[string]string{"client_id": client.ID},
			})
			if err != nil {
				continue
			}

			select {
			case client.Send <- responseBytes:
			default:
				// Send is full; the deferred unregister closes it.
				wh.log.Warn("client send buffer full", zap.String("client_id", client.ID))
				return
			}

		default:
			wh.log.Debug("unknown message type", zap.String("type", wsMessage.Type), zap.String("client_id", client.ID))
		}
	}
}

func (wh *WebSocketHandler) writePump(client *models.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per message; clients parse each frame as JSON.
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				wh.log.Debug("write failed", zap.String("client_id", client.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
