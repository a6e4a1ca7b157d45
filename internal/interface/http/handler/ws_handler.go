package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/agent-escrow/internal/logger"
	"github.com/ignatzorin/agent-escrow/internal/ws"
)

// WSHandler отвечает за установку WebSocket соединений.
type WSHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

// NewWSHandler создаёт новый хэндлер. allowedOrigins ограничивает браузерные подключения.
func NewWSHandler(hub *ws.Hub, allowedOrigins []string) *WSHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins[origin]
			},
		},
	}
}

// Handle обслуживает GET /api/ws?token=... Участник уже разобран QueryTokenAuth.
func (h *WSHandler) Handle(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Get().WithFields(logrus.Fields{"actor": actor.String(), "error": err}).Warn("ws: не удалось установить соединение")
		return
	}

	ws.NewClient(conn, h.hub, actor.Wallet).Run(c.Request.Context())
}
