package core

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"golang.org/x/net/http2"
)

// ConfigSource is anything that can hand back the current validated
// config, satisfied by config.Watcher and by StaticConfig's wrapper around
// a single *CoreConfig (the hub only ever reads Current(), never mutates
// it — §9 "CoreConfig snapshot design").
type ConfigSource interface {
	Current() *CoreConfig
}

type staticConfigSource struct{ cc *CoreConfig }

func (s staticConfigSource) Current() *CoreConfig { return s.cc }

// StaticConfig wraps a single CoreConfig as a ConfigSource, for callers
// that don't want hot reload.
func StaticConfig(cc *CoreConfig) ConfigSource { return staticConfigSource{cc} }

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServerHub is the server-side hub (§4.6): binds one listener per the
// configured transport, accepts connections, and spins up a Relay per
// connection from the current config's preset chain.
type ServerHub struct {
	ShutdownHelper
	configs  ConfigSource
	stats    ConnStats
	profile  ProfileSink
	listener net.Listener
	httpSrv  *http.Server
}

// NewServerHub builds a ServerHub. Call Run to start accepting.
func NewServerHub(logger Logger, configs ConfigSource) *ServerHub {
	h := &ServerHub{configs: configs}
	h.InitShutdownHelper(logger.Fork("server-hub"), h)
	h.PanicOnError(h.Activate())
	return h
}

// SetProfileSink attaches a ProfileSink every relay this hub spawns from
// now on will report its teardown stats to (§6 ADDED `--profile`).
func (h *ServerHub) SetProfileSink(sink ProfileSink) { h.profile = sink }

// Stats returns the hub's open/total relay counters, for SIGUSR2 (§4.6 ADDED).
func (h *ServerHub) Stats() *ConnStats { return &h.stats }

// Run binds according to the transport named in the current config and
// accepts connections until ctx is done or shutdown is otherwise started.
func (h *ServerHub) Run(ctx context.Context) error {
	h.ShutdownOnContext(ctx)
	cc := h.configs.Current()
	bindAddr := net.JoinHostPort(cc.Host, itoa(cc.Port))

	switch cc.Transport {
	case TransportTCP:
		l, err := ListenTCP(bindAddr)
		if err != nil {
			return err
		}
		h.listener = l
		h.ILogf("listening (tcp) on %s", bindAddr)
		go h.acceptTCPLoop()
	case TransportWS, TransportH2:
		mux := http.NewServeMux()
		mux.HandleFunc("/tunnel", h.handleUpgrade)
		var handler http.Handler = mux
		if h.GetLogLevel() >= LogLevelDebug {
			handler = requestlog.Wrap(handler)
		}
		srv := &http.Server{Addr: bindAddr, Handler: handler}
		l, err := ListenTCP(bindAddr)
		if err != nil {
			return err
		}
		h.listener = l
		if cc.Transport == TransportH2 {
			// ALPN must negotiate h2 (§4.1): load the server's own
			// certificate and wrap the raw listener in TLS rather than
			// serving h2c, so a pinned-CA client can verify the peer.
			cert, err := tls.LoadX509KeyPair(cc.CertFile, cc.KeyFile)
			if err != nil {
				return WrapError(ErrKindBindFailed, err, "loading h2 cert/key")
			}
			tlsConfig := &tls.Config{
				Certificates: []tls.Certificate{cert},
				NextProtos:   []string{"h2"},
			}
			if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
				return WrapError(ErrKindBindFailed, err, "configuring h2 server")
			}
			l = tls.NewListener(l, tlsConfig)
			h.listener = l
		}
		h.httpSrv = srv
		h.ILogf("listening (%s) on %s", cc.Transport, bindAddr)
		go func() {
			if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
				h.ELogf("http server exited: %s", err)
			}
		}()
	default:
		return NewError(ErrKindConfigInvalid, "unknown transport %q", cc.Transport)
	}
	return nil
}

func (h *ServerHub) acceptTCPLoop() {
	for {
		netConn, err := h.listener.Accept()
		if err != nil {
			if h.IsStartedShutdown() {
				return
			}
			h.ELogf("accept failed: %s", err)
			return
		}
		conn, err := AcceptTCP(h.Logger, netConn)
		if err != nil {
			h.ELogf("wrap accepted conn: %s", err)
			netConn.Close()
			continue
		}
		h.spawnRelay(conn)
	}
}

func (h *ServerHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	cc := h.configs.Current()
	var conn ChannelConn
	var err error
	if cc.Transport == TransportWS {
		var wsConn *websocket.Conn
		wsConn, err = wsUpgrader.Upgrade(w, r, nil)
		if err == nil {
			conn, err = NewWebSocketConn(h.Logger, wsConn)
		}
	} else {
		conn, err = AcceptHTTP2(h.Logger, w, r)
	}
	if err != nil {
		h.ELogf("upgrade failed: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.spawnRelay(conn)
	if cc.Transport == TransportH2 {
		// Hold the handler open for the relay's lifetime: the request body
		// (client->server bytes) and response body (server->client bytes)
		// are this connection's only transport, so returning here would
		// tear it down out from under the relay.
		<-conn.ShutdownDoneChan()
	}
}

func (h *ServerHub) spawnRelay(conn ChannelConn) {
	cc := h.configs.Current()
	pipeline, err := cc.BuildPipeline(RoleServer)
	if err != nil {
		h.ELogf("building pipeline: %s", err)
		conn.Close()
		return
	}
	opener := func(dst Address) (ChannelConn, error) {
		return DialTCP(h.Logger, dst.String())
	}
	var redirect OutboundOpener
	if cc.Redirect != "" {
		redirect = func(Address) (ChannelConn, error) {
			return DialTCP(h.Logger, cc.Redirect)
		}
	}
	relay := NewServerRelay(h.Logger, conn, pipeline, opener, redirect, secondsToDuration(cc.Timeout), &h.stats)
	if h.profile != nil {
		relay.SetProfileSink(h.profile)
	}
	h.AddShutdownChild(relay)
	relay.Start(Address{})
}

// HandleOnceShutdown stops accepting new connections; already-spawned
// relays are torn down independently via AddShutdownChild.
func (h *ServerHub) HandleOnceShutdown(completionErr error) error {
	var err error
	if h.listener != nil {
		err = h.listener.Close()
	}
	if h.httpSrv != nil {
		if serr := h.httpSrv.Close(); serr != nil && err == nil {
			err = serr
		}
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
