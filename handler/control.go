package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS middleware decides who may talk to the proxy
	},
}

// controlServer answers control messages; *service.Proxy implements it.
type controlServer interface {
	Handle(ctx context.Context, msg model.ControlMessage) model.ControlReply
}

// ControlHandler serves the control channel over a websocket. Messages on
// one connection are answered in the order they arrive.
type ControlHandler struct {
	server controlServer
}

func NewControlHandler(server controlServer) *ControlHandler {
	return &ControlHandler{server: server}
}

func (h *ControlHandler) Serve(c *gin.Context) {
	ctx := c.Request.Context()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(ctx, "WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logger.Debug(ctx, "Control channel connected", "remote", c.ClientIP())
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn(ctx, "Control channel read error", "error", err)
			}
			return
		}

		var reply model.ControlReply
		var msg model.ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn(ctx, "Malformed control message", "error", err)
			reply = model.ControlReply{Error: "malformed control message", Kind: model.KindProtocol}
		} else {
			reply = h.server.Handle(ctx, msg)
		}

		if err := conn.WriteJSON(reply); err != nil {
			logger.Warn(ctx, "Control channel write error", "error", err)
			return
		}
	}
}
