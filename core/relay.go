package core

import (
	"bytes"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
)

// RelayState is a read-only view derived from the embedded ShutdownHelper's
// own activation/shutdown bookkeeping plus one extra bit (established),
// rather than a hand-rolled parallel state enum (§4.5).
type RelayState int

const (
	RelayConnecting RelayState = iota
	RelayEstablished
	RelayClosing
	RelayClosed
)

func (s RelayState) String() string {
	switch s {
	case RelayEstablished:
		return "established"
	case RelayClosing:
		return "closing"
	case RelayClosed:
		return "closed"
	default:
		return "connecting"
	}
}

const relayReadBufSize = 32 * 1024

// OutboundOpener opens the outbound side of a relay. The server-role relay
// calls it once ServerIn's handshake names a destination; the client-role
// relay's outbound is already open at construction (it is the tunnel
// connection itself), so it never calls one.
type OutboundOpener func(dst Address) (ChannelConn, error)

// Relay drives one pipeline between an inbound and an outbound ChannelConn
// until either side closes, a preset fails, or the idle timeout elapses
// (§4.5). It is built on ShutdownHelper exactly like every other long-lived
// object in this package.
type Relay struct {
	ShutdownHelper

	id          int32
	role        Role
	pipeline    *Pipeline
	inbound     ChannelConn
	outbound    ChannelConn
	opener      OutboundOpener
	redirect    OutboundOpener
	idleTimeout time.Duration
	stats       *ConnStats
	profile     ProfileSink
	startedAt   time.Time

	established bool

	// connectingBuf accumulates every raw byte read from inbound while
	// still Connecting, so a redirect-on-fail splice (§9) can replay them
	// to the fallback target before handing the connection over to a raw
	// passthrough — the bytes were already consumed off the wire deciding
	// the handshake failed, so they cannot be re-read from inbound itself.
	connectingBuf bytes.Buffer

	backwardStarted bool
	doneForward     chan struct{}
	doneBackward    chan struct{}
}

// NewServerRelay builds a relay for the server side of a tunnel: inbound is
// the accepted client connection, pipeline is RoleServer, and opener dials
// the destination named by the client's handshake. redirect, if non-nil,
// is used to splice the raw connection through to a fallback target
// instead of just closing when the handshake fails or the real destination
// cannot be reached.
func NewServerRelay(logger Logger, inbound ChannelConn, pipeline *Pipeline, opener OutboundOpener, redirect OutboundOpener, idleTimeout time.Duration, stats *ConnStats) *Relay {
	r := &Relay{
		id:           AllocConnID(),
		role:         RoleServer,
		pipeline:     pipeline,
		inbound:      inbound,
		opener:       opener,
		redirect:     redirect,
		idleTimeout:  idleTimeout,
		stats:        stats,
		startedAt:    time.Now(),
		doneForward:  make(chan struct{}),
		doneBackward: make(chan struct{}),
	}
	r.InitShutdownHelper(logger.Fork("relay"), r)
	r.PanicOnError(r.Activate())
	return r
}

// NewClientRelay builds a relay for the client side of a tunnel: inbound is
// the locally-accepted connection (e.g. from the SOCKS5 endpoint) and
// outbound is the already-open tunnel transport connection to the remote
// server. dst is the final destination to hand to the server via the
// pipeline's handshake-bearing preset.
func NewClientRelay(logger Logger, inbound, outbound ChannelConn, pipeline *Pipeline, idleTimeout time.Duration, stats *ConnStats) *Relay {
	r := &Relay{
		id:           AllocConnID(),
		role:         RoleClient,
		pipeline:     pipeline,
		inbound:      inbound,
		outbound:     outbound,
		idleTimeout:  idleTimeout,
		stats:        stats,
		established:  true,
		startedAt:    time.Now(),
		doneForward:  make(chan struct{}),
		doneBackward: make(chan struct{}),
	}
	r.InitShutdownHelper(logger.Fork("relay"), r)
	r.PanicOnError(r.Activate())
	return r
}

// SetProfileSink attaches a ProfileSink that records this relay's teardown
// stats (§6 ADDED `--profile`). Must be called before Start.
func (r *Relay) SetProfileSink(sink ProfileSink) {
	r.profile = sink
}

// ID returns the relay's unique id, for logging and profile output.
func (r *Relay) ID() int32 { return r.id }

// State reports the relay's current lifecycle phase.
func (r *Relay) State() RelayState {
	if r.IsDoneShutdown() {
		return RelayClosed
	}
	if r.IsStartedShutdown() {
		return RelayClosing
	}
	r.Lock.Lock()
	established := r.established
	r.Lock.Unlock()
	if established {
		return RelayEstablished
	}
	return RelayConnecting
}

// Start begins pumping. dst is the destination to dial/hand to the server;
// for a client relay it is the final target behind the tunnel, for a
// server relay it is ignored (the real destination comes from the client's
// handshake instead).
func (r *Relay) Start(dst Address) {
	if r.stats != nil {
		r.stats.New()
		r.stats.Open()
	}
	if r.role == RoleClient {
		go r.runClientForward(dst)
	} else {
		go r.runServerForward()
	}
	if r.idleTimeout > 0 {
		go r.watchIdle()
	}
}

func (r *Relay) setEstablished() {
	r.Lock.Lock()
	r.established = true
	r.Lock.Unlock()
}

// setOutbound and getOutbound guard r.outbound the same way setEstablished
// guards r.established: it is set once by whichever forward goroutine opens
// the destination, but read concurrently by watchIdle and by teardown.
func (r *Relay) setOutbound(c ChannelConn) {
	r.Lock.Lock()
	r.outbound = c
	r.Lock.Unlock()
}

func (r *Relay) getOutbound() ChannelConn {
	r.Lock.Lock()
	defer r.Lock.Unlock()
	return r.outbound
}

// runClientForward reads from inbound, feeding the first chunk through
// BeginForward (which carries dst to the handshake-bearing preset) and
// every subsequent chunk through plain Forward, writing the pipeline's
// output to outbound. Once the handshake frame is away it starts the
// backward pump.
func (r *Relay) runClientForward(dst Address) {
	defer close(r.doneForward)
	buf := make([]byte, relayReadBufSize)
	first := true
	for {
		n, err := r.inbound.Read(buf)
		if n > 0 {
			chunk := Chunk(append([]byte(nil), buf[:n]...))
			var out Chunk
			var ev Event
			var perr error
			if first {
				out, ev, perr = r.pipeline.BeginForward(dst, chunk)
				first = false
				if perr == nil {
					r.startBackward()
				}
			} else {
				out, ev, perr = r.pipeline.Forward(chunk)
			}
			if perr != nil {
				r.StartShutdown(WrapError(ErrKindPresetProtocol, perr, "client forward"))
				return
			}
			if ev.Kind == EventFail {
				r.StartShutdown(NewError(ErrKindPresetProtocol, "%s", ev.Reason))
				return
			}
			if len(out) > 0 {
				if _, werr := r.outbound.Write(out); werr != nil {
					r.StartShutdown(WrapError(ErrKindTransportIO, werr, "client forward write"))
					return
				}
			}
		}
		if err != nil {
			if first {
				// never sent anything: nothing to drain, just report.
			}
			r.StartShutdown(WrapError(ErrKindTransportIO, err, "client forward read"))
			return
		}
	}
}

// runServerForward reads from inbound, feeding chunks through Forward
// (ServerIn chain). On EventConnectToDst it dials the named destination,
// resumes the preset, writes any buffered post-handshake data, and starts
// the backward pump; on failure it either redirects the raw connection to
// a fallback target or shuts down.
func (r *Relay) runServerForward() {
	defer close(r.doneForward)
	buf := make([]byte, relayReadBufSize)
	for {
		n, err := r.inbound.Read(buf)
		if n > 0 {
			chunk := Chunk(append([]byte(nil), buf[:n]...))
			if !r.established {
				r.connectingBuf.Write(chunk)
			}
			out, ev, perr := r.pipeline.Forward(chunk)
			if perr != nil {
				r.fail(WrapError(ErrKindPresetProtocol, perr, "server forward"))
				return
			}
			switch ev.Kind {
			case EventFail:
				r.fail(NewError(ErrKindPresetProtocol, "%s", ev.Reason))
				return
			case EventConnectToDst:
				if !r.connectToDst(ev.Dst) {
					return
				}
			default:
				if len(out) > 0 {
					if _, werr := r.outbound.Write(out); werr != nil {
						r.StartShutdown(WrapError(ErrKindTransportIO, werr, "server forward write"))
						return
					}
				}
			}
		}
		if err != nil {
			if !r.established {
				if derr := r.pipeline.Drain(); derr != nil {
					r.fail(derr)
					return
				}
			}
			r.StartShutdown(WrapError(ErrKindTransportIO, err, "server forward read"))
			return
		}
	}
}

// connectToDst opens the outbound destination named by a CONNECT_TO_DST
// event, resumes the preset and writes any buffered data. Returns false if
// the caller's read loop should stop (either a real failure with no
// redirect, or a redirect splice that now owns the connection).
func (r *Relay) connectToDst(dst *ConnectToDst) bool {
	outbound, err := r.opener(dst.Address)
	if err != nil {
		dst.Resume(err)
		return r.redirectOrFail(WrapError(ErrKindConnectFailed, err, "dial %s", dst.Address))
	}
	dst.Resume(nil)
	r.setOutbound(outbound)
	r.setEstablished()
	if len(dst.Data) > 0 {
		if _, werr := outbound.Write(dst.Data); werr != nil {
			r.StartShutdown(WrapError(ErrKindTransportIO, werr, "writing buffered handshake data"))
			return false
		}
	}
	r.startBackward()
	return true
}

func (r *Relay) startBackward() {
	r.Lock.Lock()
	r.backwardStarted = true
	r.Lock.Unlock()
	go r.runBackward()
}

// redirectOrFail implements §9's redirect-on-fail splice: if a redirect
// target is configured, the connectingBuf bytes already consumed from
// inbound are replayed to it before the two raw connections are spliced
// together, bypassing the pipeline entirely from then on. Otherwise the
// relay just shuts down with failErr.
func (r *Relay) redirectOrFail(failErr error) bool {
	if r.redirect == nil {
		r.StartShutdown(failErr)
		return false
	}
	redirected, rerr := r.redirect(Address{})
	if rerr != nil {
		r.StartShutdown(failErr)
		return false
	}
	if r.connectingBuf.Len() > 0 {
		if _, werr := redirected.Write(r.connectingBuf.Bytes()); werr != nil {
			r.StartShutdown(WrapError(ErrKindTransportIO, werr, "redirect replay"))
			return false
		}
	}
	r.setOutbound(redirected)
	r.setEstablished()
	go func() {
		SplicePipe(r.inbound, redirected)
		r.StartShutdown(nil)
	}()
	return false
}

// logTeardown reports each side's total byte counts in human-readable form,
// matching the teacher's own connection-close log line.
func (r *Relay) logTeardown() {
	outbound := r.getOutbound()
	var outRead, outWritten int64
	if outbound != nil {
		outRead = outbound.GetNumBytesRead()
		outWritten = outbound.GetNumBytesWritten()
	}
	r.ILogf("closed (in: read %s wrote %s, out: read %s wrote %s)",
		sizestr.ToString(r.inbound.GetNumBytesRead()), sizestr.ToString(r.inbound.GetNumBytesWritten()),
		sizestr.ToString(outRead), sizestr.ToString(outWritten))

	if r.profile != nil {
		chain := make([]string, 0, len(r.pipeline.Presets()))
		for _, p := range r.pipeline.Presets() {
			chain = append(chain, p.Name())
		}
		r.profile.Record(ProfileEntry{
			ID:            r.ID(),
			Role:          r.role.String(),
			BytesSent:     r.inbound.GetNumBytesWritten() + outWritten,
			BytesReceived: r.inbound.GetNumBytesRead() + outRead,
			DurationMs:    time.Since(r.startedAt).Milliseconds(),
			PresetChain:   chain,
		})
	}
}

func (r *Relay) fail(err error) {
	r.redirectOrFailIfServer(err)
}

func (r *Relay) redirectOrFailIfServer(err error) {
	if r.role == RoleServer && !r.established {
		r.redirectOrFail(err)
		return
	}
	r.StartShutdown(err)
}

// runBackward pumps outbound->inbound through the pipeline's Backward
// chain until either side closes or the relay starts shutting down.
func (r *Relay) runBackward() {
	defer close(r.doneBackward)
	outbound := r.getOutbound()
	buf := make([]byte, relayReadBufSize)
	for {
		n, err := outbound.Read(buf)
		if n > 0 {
			chunk := Chunk(append([]byte(nil), buf[:n]...))
			out, ev, perr := r.pipeline.Backward(chunk)
			if perr != nil {
				r.StartShutdown(WrapError(ErrKindPresetProtocol, perr, "backward"))
				return
			}
			if ev.Kind == EventFail {
				r.StartShutdown(NewError(ErrKindPresetProtocol, "%s", ev.Reason))
				return
			}
			if len(out) > 0 {
				if _, werr := r.inbound.Write(out); werr != nil {
					r.StartShutdown(WrapError(ErrKindTransportIO, werr, "backward write"))
					return
				}
			}
		}
		if err != nil {
			r.StartShutdown(WrapError(ErrKindTransportIO, err, "backward read"))
			return
		}
	}
}

func (r *Relay) watchIdle() {
	ticker := time.NewTicker(r.idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-r.ShutdownDoneChan():
			return
		case <-ticker.C:
			last := r.inbound.LastActivityUnixNano()
			if outbound := r.getOutbound(); outbound != nil {
				if ob := outbound.LastActivityUnixNano(); ob > last {
					last = ob
				}
			}
			if last == 0 {
				// no I/O yet on either side: idle since the relay started.
				last = r.startedAt.UnixNano()
			}
			if time.Since(time.Unix(0, last)) > r.idleTimeout {
				r.StartShutdown(NewError(ErrKindTimeout, "idle for longer than %s", r.idleTimeout))
				return
			}
		}
	}
}

// HandleOnceShutdown closes both sides and waits for the pump goroutines to
// notice and exit, so neither leaks past the relay's own lifetime.
func (r *Relay) HandleOnceShutdown(completionErr error) error {
	var wg sync.WaitGroup
	closeBoth := func(c ChannelConn) {
		if c == nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	closeBoth(r.inbound)
	closeBoth(r.getOutbound())
	wg.Wait()
	<-r.doneForward
	r.Lock.Lock()
	backwardStarted := r.backwardStarted
	r.Lock.Unlock()
	if backwardStarted {
		<-r.doneBackward
	}
	if r.stats != nil {
		r.stats.Close()
	}
	r.logTeardown()
	return completionErr
}
