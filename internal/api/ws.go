package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler serves UI sessions over websockets.
type WSHandler struct {
	Views  *protocol.Registry
	Logger *zap.Logger
}

// HandleWS upgrades the connection and runs a session until either side
// closes it.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	log := L(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	sess := protocol.NewSession(h.Views, log)
	defer sess.Close()
	log.Info("session opened", zap.String("session", sess.ID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sess.Run(ctx, conn.WriteJSON); err != nil && ctx.Err() == nil {
			log.Warn("ws write error", zap.Error(err))
			conn.Close()
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("ws read error", zap.Error(err))
			}
			break
		}
		sess.HandleMessage(ctx, msg)
	}
	cancel()
	<-done
	log.Info("session closed", zap.String("session", sess.ID))
}
