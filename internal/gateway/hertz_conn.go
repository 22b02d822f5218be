package gateway

import (
	gorilla "github.com/gorilla/websocket"
	"github.com/hertz-contrib/websocket"
)

// NewWebSocketClientConn wraps a connection upgraded by net/http
func NewWebSocketClientConn(conn *gorilla.Conn, opts ConnOptions) ClientConn {
	return newClientConn(conn, opts, false)
}

// NewHertzWebSocketClientConn wraps a connection upgraded by hertz. The hijacked
// conn may already be gone when the handler returned, so writes are guarded.
func NewHertzWebSocketClientConn(conn *websocket.Conn, opts ConnOptions) ClientConn {
	return newClientConn(conn, opts, true)
}
