package core

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// WebSocketConn adapts a *websocket.Conn (gorilla/websocket) to ChannelConn
// by treating the message stream as an ordinary byte stream: writes become
// one binary message each, reads drain messages into the caller's buffer
// one at a time. This is the `--transport=ws` transport endpoint (§4.1
// ADDED).
type WebSocketConn struct {
	BasicConn
	ws *websocket.Conn

	readMu  sync.Mutex
	writeMu sync.Mutex
	readBuf []byte
}

// NewWebSocketConn wraps an already-established websocket connection
// (client dial or server upgrade) as a ChannelConn.
func NewWebSocketConn(logger Logger, ws *websocket.Conn) (*WebSocketConn, error) {
	c := &WebSocketConn{ws: ws}
	c.InitBasicConn(logger, c, "WebSocketConn(%s)", ws.RemoteAddr())
	return c, nil
}

// HandleOnceShutdown closes the underlying websocket connection.
func (c *WebSocketConn) HandleOnceShutdown(completionErr error) error {
	err := c.ws.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// CloseWrite sends a websocket close control frame, letting the peer
// observe end-of-stream while this side keeps reading.
func (c *WebSocketConn) CloseWrite() error {
	err := c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return c.Errorf("CloseWrite failed: %s", err)
	}
	return nil
}

func (c *WebSocketConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for len(c.readBuf) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.readBuf = data
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	if n > 0 {
		atomic.AddInt64(&c.NumBytesRead, int64(n))
		c.touch()
	}
	return n, nil
}

func (c *WebSocketConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	atomic.AddInt64(&c.NumBytesWritten, int64(len(p)))
	c.touch()
	return len(p), nil
}
