package server

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/chatline/pkg/protocol"
)

// WebSocketPath is where the bridge accepts upgrades.
const WebSocketPath = "/ws"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients are CLIs and scripts as often as browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) webSocketHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, s.handleWebSocket)
	return mux
}

// handleWebSocket upgrades the request and runs an ordinary connection
// worker over it on the request goroutine.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if s.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.handleConn(newWSConn(ws, r.RemoteAddr))
}

// wsConn carries one frame per text message.
type wsConn struct {
	ws        *websocket.Conn
	remote    string
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn, remote string) *wsConn {
	ws.SetReadLimit(4 * protocol.MaxLineLength)
	return &wsConn{ws: ws, remote: remote}
}

func (c *wsConn) ReadLine() (string, error) {
	// Gorilla read errors are sticky, so an over-limit message ends the
	// connection instead of producing a recoverable ErrLineTooLong.
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", err
	}
	data = bytes.ReplaceAll(bytes.TrimSuffix(data, []byte("\n")), []byte("\r"), nil)
	if len(data) > protocol.MaxLineLength {
		return "", protocol.ErrLineTooLong
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return "", protocol.ErrEmbeddedNewline
	}
	return string(data), nil
}

func (c *wsConn) WriteLine(line string) error {
	var buf bytes.Buffer
	if err := protocol.WriteLine(&buf, line); err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) RemoteAddr() string { return c.remote }
