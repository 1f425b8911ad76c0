package core

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// WriteHalfCloser is implemented by streams that support a half-close of
// their write side (net.TCPConn.CloseWrite() and friends).
type WriteHalfCloser interface {
	CloseWrite() error
}

// ChannelConn is a virtual bidirectional byte stream: either end of a
// Transport endpoint (§4.1) after it has been opened or accepted. It is the
// concrete realization of spec's "transport endpoint... exposes
// bidirectional byte I/O".
type ChannelConn interface {
	io.ReadWriteCloser
	WriteHalfCloser
	AsyncShutdowner

	// WaitForClose blocks until Close has been called and has completed,
	// returning the same status as the first Close call.
	WaitForClose() error

	GetNumBytesRead() int64
	GetNumBytesWritten() int64

	// LastActivityUnixNano reports the wall-clock time, in Unix
	// nanoseconds, at which the most recent read or write moved bytes, or
	// 0 if none has yet. Used by the relay's idle timer (§4.5).
	LastActivityUnixNano() int64
}

var nextConnID int32

// AllocConnID allocates a unique ChannelConn ID, for log prefixes.
func AllocConnID() int32 {
	return atomic.AddInt32(&nextConnID, 1)
}

// BasicConn is the common base for ChannelConn implementations: it tracks
// byte counters, last-activity time and delegates lifecycle to a
// ShutdownHelper, mirroring how every concrete endpoint in this package is
// built.
type BasicConn struct {
	ShutdownHelper
	ID              int32
	Strname         string
	NumBytesRead    int64
	NumBytesWritten int64
	lastActivity    int64
}

// InitBasicConn initializes the BasicConn portion of a new connection.
func (c *BasicConn) InitBasicConn(logger Logger, shutdownHandler OnceShutdownHandler, namef string, args ...interface{}) {
	c.ID = AllocConnID()
	c.Strname = fmt.Sprintf("[%d]", c.ID) + fmt.Sprintf(namef, args...)
	c.InitShutdownHelper(logger.Fork("%s", c.Strname), shutdownHandler)
	c.PanicOnError(c.Activate())
}

func (c *BasicConn) GetNumBytesRead() int64    { return atomic.LoadInt64(&c.NumBytesRead) }
func (c *BasicConn) GetNumBytesWritten() int64 { return atomic.LoadInt64(&c.NumBytesWritten) }

func (c *BasicConn) LastActivityUnixNano() int64 { return atomic.LoadInt64(&c.lastActivity) }

func (c *BasicConn) touch() { atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano()) }

func (c *BasicConn) WaitForClose() error { return c.WaitShutdown() }

func (c *BasicConn) String() string { return c.Strname }
