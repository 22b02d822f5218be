package gateway

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/websocket"
	"github.com/mbeoliero/kit/log"
)

// HandleHertzConnection handles a WebSocket connection from Hertz using hertz-contrib/websocket
func (s *WsServer) HandleHertzConnection(ctx context.Context, c *app.RequestContext, upgrader *websocket.HertzUpgrader) {
	claims, status := s.authenticate(ctx, string(c.Query(QueryToken)), string(c.Query(QuerySendId)))
	if claims == nil {
		c.String(status, http.StatusText(status))
		return
	}

	// the handler blocks for the lifetime of the connection
	err := upgrader.Upgrade(c, func(conn *websocket.Conn) {
		s.serve(context.Background(), NewHertzWebSocketClientConn(conn, s.connOpts), claims)
	})
	if err != nil {
		log.CtxWarn(ctx, "websocket upgrade failed: %v", err)
	}
}
