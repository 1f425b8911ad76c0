package core

import (
	"net"
)

// DialTCP opens a plain TCP connection and wraps it as a ChannelConn.
func DialTCP(logger Logger, addr string) (ChannelConn, error) {
	netConn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, WrapError(ErrKindConnectFailed, err, "dial tcp %s", addr)
	}
	return NewSocketConn(logger, netConn)
}

// ListenTCP binds a TCP listener, per the hub's bind address (§4.6).
func ListenTCP(bindAddr string) (net.Listener, error) {
	l, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, WrapError(ErrKindBindFailed, err, "bind tcp %s", bindAddr)
	}
	return l, nil
}

// AcceptTCP wraps one accepted net.Conn as a ChannelConn.
func AcceptTCP(logger Logger, netConn net.Conn) (ChannelConn, error) {
	return NewSocketConn(logger, netConn)
}
