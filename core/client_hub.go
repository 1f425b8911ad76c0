package core

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

// ClientHub is the client-side hub (§4.6): accepts local application
// connections through a SocksEndpoint, dials one of the configured
// servers per connection (retrying with backoff if the dial fails), and
// spins up a client-role Relay wiring the two together.
type ClientHub struct {
	ShutdownHelper
	configs  ConfigSource
	stats    ConnStats
	profile  ProfileSink
	listener net.Listener
	socks    *SocksEndpoint
}

// NewClientHub builds a ClientHub. Call Run to start accepting.
func NewClientHub(logger Logger, configs ConfigSource) *ClientHub {
	h := &ClientHub{configs: configs}
	h.InitShutdownHelper(logger.Fork("client-hub"), h)
	h.PanicOnError(h.Activate())
	return h
}

// SetProfileSink attaches a ProfileSink every relay this hub spawns from
// now on will report its teardown stats to (§6 ADDED `--profile`).
func (h *ClientHub) SetProfileSink(sink ProfileSink) { h.profile = sink }

// Stats returns the hub's open/total relay counters, for SIGUSR2 (§4.6 ADDED).
func (h *ClientHub) Stats() *ConnStats { return &h.stats }

// Run binds the local SOCKS5 front end and accepts connections until ctx
// is done or shutdown is otherwise started.
func (h *ClientHub) Run(ctx context.Context) error {
	h.ShutdownOnContext(ctx)
	cc := h.configs.Current()
	bindAddr := net.JoinHostPort(cc.Host, itoa(cc.Port))

	l, err := ListenTCP(bindAddr)
	if err != nil {
		return err
	}
	h.listener = l

	socks, err := NewSocksEndpoint(h.Logger)
	if err != nil {
		return WrapError(ErrKindConfigInvalid, err, "building socks endpoint")
	}
	h.socks = socks

	h.ILogf("listening (socks5) on %s", bindAddr)
	go h.acceptLoop()
	return nil
}

func (h *ClientHub) acceptLoop() {
	for {
		netConn, err := h.listener.Accept()
		if err != nil {
			if h.IsStartedShutdown() {
				return
			}
			h.ELogf("accept failed: %s", err)
			return
		}
		go h.handleConn(netConn)
	}
}

func (h *ClientHub) handleConn(netConn net.Conn) {
	dst, inbound, err := h.socks.Accept(netConn)
	if err != nil {
		h.DLogf("socks5 negotiation failed: %s", err)
		netConn.Close()
		return
	}

	cc := h.configs.Current()
	outbound, err := h.dialServer(cc)
	if err != nil {
		h.ELogf("dialing server: %s", err)
		inbound.Close()
		return
	}

	pipeline, err := cc.BuildPipeline(RoleClient)
	if err != nil {
		h.ELogf("building pipeline: %s", err)
		inbound.Close()
		outbound.Close()
		return
	}

	relay := NewClientRelay(h.Logger, inbound, outbound, pipeline, secondsToDuration(cc.Timeout), &h.stats)
	if h.profile != nil {
		relay.SetProfileSink(h.profile)
	}
	h.AddShutdownChild(relay)
	relay.Start(dst)
}

// dialServer dials the first healthy configured server, retrying with
// exponential backoff across the whole list before giving up, mirroring
// the teacher's reconnect loop (§4.6 ADDED).
func (h *ClientHub) dialServer(cc *CoreConfig) (ChannelConn, error) {
	b := &backoff.Backoff{Max: 30 * time.Second}
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		for _, server := range cc.Servers {
			conn, err := h.dialOne(cc, server)
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		d := b.Duration()
		h.DLogf("all servers unreachable (%s), retrying in %s", lastErr, d)
		time.Sleep(d)
	}
	return nil, WrapError(ErrKindConnectFailed, lastErr, "exhausted retries dialing servers %v", cc.Servers)
}

func (h *ClientHub) dialOne(cc *CoreConfig, server string) (ChannelConn, error) {
	switch cc.Transport {
	case TransportTCP, "":
		return DialTCP(h.Logger, server)
	case TransportWS:
		return h.dialWS(server)
	case TransportH2:
		return h.dialH2(cc, server)
	default:
		return nil, NewError(ErrKindConfigInvalid, "unknown transport %q", cc.Transport)
	}
}

func (h *ClientHub) dialH2(cc *CoreConfig, server string) (ChannelConn, error) {
	tlsConfig := &tls.Config{}
	if cc.CAFile != "" {
		pem, err := os.ReadFile(cc.CAFile)
		if err != nil {
			return nil, WrapError(ErrKindConnectFailed, err, "reading cafile %s", cc.CAFile)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, NewError(ErrKindConnectFailed, "cafile %s contains no usable certificates", cc.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cc.Fingerprint != "" {
		// Verify the server cert's SHA256 fingerprint ourselves instead of (or
		// in addition to) chain validation, mirroring the teacher's own
		// host-key fingerprint pinning for man-in-the-middle detection.
		tlsConfig.InsecureSkipVerify = cc.CAFile == ""
		want := strings.ToLower(strings.ReplaceAll(cc.Fingerprint, ":", ""))
		tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return NewError(ErrKindConnectFailed, "no peer certificate presented")
			}
			sum := sha256.Sum256(rawCerts[0])
			got := hex.EncodeToString(sum[:])
			if !strings.HasPrefix(got, want) {
				return NewError(ErrKindConnectFailed, "server fingerprint %s does not match expected %s", got, cc.Fingerprint)
			}
			return nil
		}
	}
	return DialHTTP2(h.Logger, server, tlsConfig)
}

// HandleOnceShutdown stops accepting new local connections; already
// accepted relays are torn down independently via AddShutdownChild.
func (h *ClientHub) HandleOnceShutdown(completionErr error) error {
	var err error
	if h.listener != nil {
		err = h.listener.Close()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
