package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/wajeehajaved01/real-time-chat-application/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// wsReadLimit bounds one inbound websocket message. Control frames never
// exceed MaxFrameBytes, and file payload bytes arrive in chunks no larger
// than a frame plus the 4-byte size prefix. Gorilla buffers a whole
// message before the stream adapter sees any of it, so without this cap a
// client could allocate arbitrary memory server-side.
const wsReadLimit = protocol.MaxFrameBytes + 4

// handleWebSocket upgrades one request and hands the connection to the
// relay's session handler. Browser clients speak the identical
// newline-framed control protocol; the adapter below presents the
// message-oriented websocket as a byte stream.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	s.control.ServeControl(c.Request().Context(), &wsConn{ws: conn}, conn.RemoteAddr().String())
	return nil
}

// wsConn adapts a websocket connection to relay.Conn. Reads concatenate
// incoming messages into one stream; each Write becomes one binary
// message. The relay's single-writer discipline matches gorilla's
// one-reader/one-writer concurrency model.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}
