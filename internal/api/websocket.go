package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// GET /telegram/ws/logs/:uid — chat-id or uid accepted.
func (s *Server) handleWSLogs(c *gin.Context) {
	uid, err := s.resolver.ResolveToUID(c.Request.Context(), c.Param("uid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.streamLogs(c, uid)
}

// GET /telegram/ws/logs/by_okx_uid/:uid
func (s *Server) handleWSLogsByUID(c *gin.Context) {
	s.streamLogs(c, c.Param("uid"))
}

// streamLogs upgrades the connection and relays the user's live log
// channel until either side closes.
func (s *Server) streamLogs(c *gin.Context, uid string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("okx_uid", uid).Msg("ws upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.store.Subscribe(ctx, store.LogChannelKey(uid))
	if err != nil {
		cancel()
		_ = conn.Close()
		s.logger.Warn().Err(err).Str("okx_uid", uid).Msg("log channel subscribe failed")
		return
	}

	go s.wsReadPump(conn, cancel)
	go s.wsWritePump(ctx, conn, sub, uid, cancel)
}

// wsReadPump discards client frames and notices disconnects.
func (s *Server) wsReadPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWritePump(ctx context.Context, conn *websocket.Conn,
	sub store.Subscription, uid string, cancel context.CancelFunc) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		_ = sub.Close()
		_ = conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				s.logger.Debug().Err(err).Str("okx_uid", uid).Msg("ws write failed, dropping client")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
