package core

import (
	"fmt"
	"net"
	"sync/atomic"
)

// SocketConn implements a ChannelConn backed by any net.Conn: a raw TCP
// transport endpoint inbound or outbound, or the local half of an
// in-process socket pair (used by the local SOCKS5 endpoint).
type SocketConn struct {
	BasicConn
	netConn net.Conn
}

// NewSocketConn wraps an already-connected net.Conn as a ChannelConn.
func NewSocketConn(logger Logger, netConn net.Conn) (*SocketConn, error) {
	c := &SocketConn{netConn: netConn}
	c.InitBasicConn(logger, c, "SocketConn(%s)", netConn.RemoteAddr())
	return c, nil
}

// CloseWrite half-closes the write side, letting the peer observe
// end-of-stream while the read side stays open.
func (c *SocketConn) CloseWrite() error {
	whc, ok := c.netConn.(WriteHalfCloser)
	if !ok {
		c.DLogf("CloseWrite ignored: not implemented by underlying net.Conn")
		return nil
	}
	if err := whc.CloseWrite(); err != nil {
		return c.Errorf("CloseWrite failed: %s", err)
	}
	return nil
}

// HandleOnceShutdown closes the underlying socket.
func (c *SocketConn) HandleOnceShutdown(completionErr error) error {
	err := c.netConn.Close()
	if err != nil {
		err = fmt.Errorf("%s: %s", c.Logger.Prefix(), err)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (c *SocketConn) Read(p []byte) (n int, err error) {
	n, err = c.netConn.Read(p)
	if n > 0 {
		atomic.AddInt64(&c.NumBytesRead, int64(n))
		c.touch()
	}
	return n, err
}

func (c *SocketConn) Write(p []byte) (n int, err error) {
	n, err = c.netConn.Write(p)
	if n > 0 {
		atomic.AddInt64(&c.NumBytesWritten, int64(n))
		c.touch()
	}
	return n, err
}
