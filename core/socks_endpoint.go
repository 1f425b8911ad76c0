package core

import (
	"context"
	"fmt"
	"net"
	"strconv"

	socks5 "github.com/armon/go-socks5"
	"github.com/prep/socketpair"
)

// SocksEndpoint is the local front end a client hub offers its
// applications: an ordinary SOCKS5 server (armon/go-socks5) whose Dial
// callback, instead of actually connecting anywhere, captures the
// requested destination and hands back one end of a socketpair. The other
// end becomes the ChannelConn a client-role Relay pumps through the
// tunnel, so the real connection to the destination happens on the far
// side of the pipeline rather than locally — the opposite of how the
// upstream SOCKS5 skeleton endpoint this is grounded on lets go-socks5
// dial for real (§4.1, "Local SOCKS5 endpoint").
type SocksEndpoint struct {
	logger Logger
}

// NewSocksEndpoint creates a SocksEndpoint. A fresh *socks5.Server is built
// per accepted connection (see Accept) since Dial needs to close over that
// connection's own result channel.
func NewSocksEndpoint(logger Logger) (*SocksEndpoint, error) {
	return &SocksEndpoint{logger: logger.Fork("socks5")}, nil
}

type socksDialResult struct {
	addr Address
	conn ChannelConn
	err  error
}

// Accept services one already-accepted local connection as a SOCKS5 front
// end. It blocks until the client's CONNECT request has been parsed (or
// the session fails before getting that far), then returns the requested
// destination and a ChannelConn carrying the post-handshake byte stream.
// The go-socks5 session continues running in the background for the
// lifetime of the connection, relaying bytes between netConn and the
// ChannelConn's socketpair peer.
func (ep *SocksEndpoint) Accept(netConn net.Conn) (Address, ChannelConn, error) {
	resultCh := make(chan socksDialResult, 1)
	conf := &socks5.Config{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dst, err := parseSocksTarget(addr)
			if err != nil {
				resultCh <- socksDialResult{err: err}
				return nil, err
			}
			local, remote, err := socketpair.New("unix")
			if err != nil {
				resultCh <- socksDialResult{err: err}
				return nil, err
			}
			conn, err := NewSocketConn(ep.logger, local)
			if err != nil {
				local.Close()
				remote.Close()
				resultCh <- socksDialResult{err: err}
				return nil, err
			}
			resultCh <- socksDialResult{addr: dst, conn: conn}
			return remote, nil
		},
	}
	server, err := socks5.New(conf)
	if err != nil {
		return Address{}, nil, err
	}
	go func() {
		if err := server.ServeConn(netConn); err != nil {
			ep.logger.DLogf("socks5 session ended: %s", err)
			select {
			case resultCh <- socksDialResult{err: err}:
			default:
			}
		}
	}()
	res := <-resultCh
	if res.err != nil {
		return Address{}, nil, res.err
	}
	return res.addr, res.conn, nil
}

func parseSocksTarget(addr string) (Address, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid SOCKS5 target %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid SOCKS5 target port %q: %w", addr, err)
	}
	return NewAddress(host, uint16(port)), nil
}
