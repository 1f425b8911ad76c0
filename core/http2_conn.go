package core

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"golang.org/x/net/http2"
)

// http2Conn adapts one HTTP/2 request/response pair into a full-duplex
// ChannelConn: the request body is the client->server byte stream, the
// response body is server->client. This is the `--transport=h2` transport
// endpoint (§4.1), an alternative to ws for environments that proxy
// HTTP/2 but block raw WebSocket upgrades.
type http2Conn struct {
	BasicConn
	reader  io.ReadCloser
	writer  io.Writer
	flusher http.Flusher // non-nil on the server (accepting) side
	closer  io.Closer    // extra thing to close alongside reader, if any
}

// DialHTTP2 opens an HTTP/2 connection to addr's /tunnel endpoint and
// returns it as a ChannelConn. The dial is always https over TLS; a nil
// tlsConfig means Go's default TLS settings (system roots), not h2c.
func DialHTTP2(logger Logger, addr string, tlsConfig *tls.Config) (ChannelConn, error) {
	transport := &http2.Transport{TLSClientConfig: tlsConfig}
	pr, pw := io.Pipe()
	req, err := http.NewRequest(http.MethodPost, "https://"+addr+"/tunnel", pr)
	if err != nil {
		return nil, WrapError(ErrKindConnectFailed, err, "build h2 request")
	}
	client := &http.Client{Transport: transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, WrapError(ErrKindConnectFailed, err, "dial h2 %s", addr)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, NewError(ErrKindConnectFailed, "h2 dial %s: unexpected status %s", addr, resp.Status)
	}

	c := &http2Conn{reader: resp.Body, writer: pw, closer: pw}
	c.InitBasicConn(logger, c, "http2Conn(client,%s)", addr)
	return c, nil
}

// AcceptHTTP2 wraps one incoming /tunnel request as a ChannelConn, for use
// from an http.Handler. The handler must not return until the relay built
// from this connection has finished.
func AcceptHTTP2(logger Logger, w http.ResponseWriter, r *http.Request) (ChannelConn, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("http2: ResponseWriter does not support flushing")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c := &http2Conn{reader: r.Body, writer: w, flusher: flusher}
	c.InitBasicConn(logger, c, "http2Conn(server,%s)", r.RemoteAddr)
	return c, nil
}

// HandleOnceShutdown closes the request/response body side(s) this end
// owns.
func (c *http2Conn) HandleOnceShutdown(completionErr error) error {
	err := c.reader.Close()
	if c.closer != nil {
		if cerr := c.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// CloseWrite ends the request body on the dialing side (closing its pipe
// writer). On the accepting side there is nothing it owns to close, so it
// does nothing.
func (c *http2Conn) CloseWrite() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

func (c *http2Conn) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	if n > 0 {
		atomic.AddInt64(&c.NumBytesRead, int64(n))
		c.touch()
	}
	return n, err
}

func (c *http2Conn) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	if n > 0 {
		atomic.AddInt64(&c.NumBytesWritten, int64(n))
		c.touch()
		if c.flusher != nil {
			c.flusher.Flush()
		}
	}
	return n, err
}
