package core

// Role says which side of a relay a Pipeline is wired for. The preset chain
// itself is symmetric; only which of each preset's four operations gets
// called, and in which order, depends on Role.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Pipeline runs an ordered preset chain over one relay's two byte streams
// (§4.2). Presets are listed innermost-first: index 0 is closest to the
// plaintext application data (and is the only one ever asked to carry
// address delivery), index len-1 is closest to the wire.
//
// A client-role Pipeline calls ClientOut (listed order, index 0 outward) to
// wrap outbound bytes and ClientIn (reverse order, index len-1 inward) to
// unwrap inbound bytes. A server-role Pipeline calls ServerIn (reverse
// order) to unwrap inbound bytes and ServerOut (listed order) to wrap
// outbound bytes. This mirrors onion layering: whichever preset wrapped
// last, unwraps first.
type Pipeline struct {
	presets []Preset
	role    Role
}

// NewPipeline builds a Pipeline over presets, innermost-first, for role.
func NewPipeline(role Role, presets []Preset) *Pipeline {
	return &Pipeline{presets: presets, role: role}
}

func (pl *Pipeline) Presets() []Preset { return pl.presets }

// BeginForward sends the first chunk of the client->server direction. Only
// valid for a client-role Pipeline. The innermost preset receives dst
// directly via HandshakeBeginner if it implements one (exp-base-auth-stream
// does); otherwise it is treated as an ordinary ClientOut call and dst is
// silently unused by the chain (a chain with no address-delivery preset has
// nowhere to put it, which is a configuration error the caller should have
// already rejected).
func (pl *Pipeline) BeginForward(dst Address, data Chunk) (Chunk, Event, error) {
	if pl.role != RoleClient {
		return nil, Event{}, NewError(ErrKindPresetValidation, "BeginForward called on a non-client pipeline")
	}
	if len(pl.presets) == 0 {
		return data, Event{}, nil
	}

	first := pl.presets[0]
	var out Chunk
	var err error
	if beginner, ok := first.(HandshakeBeginner); ok {
		out, err = beginner.BeginHandshake(dst, data)
		if err != nil {
			return nil, Event{Kind: EventFail, Reason: err.Error()}, err
		}
	} else {
		var ev Event
		out, ev, err = first.ClientOut(data)
		if err != nil {
			return nil, ev, err
		}
		if ev.Kind != EventNone {
			return nil, ev, nil
		}
	}

	for _, p := range pl.presets[1:] {
		var ev Event
		out, ev, err = p.ClientOut(out)
		if err != nil {
			return nil, ev, err
		}
		if ev.Kind != EventNone {
			return nil, ev, nil
		}
	}
	return out, Event{}, nil
}

// Forward processes one chunk traveling client->server: ClientOut chain
// (listed order) for a client-role pipeline, ServerIn chain (reverse order)
// for a server-role pipeline. Returns the transformed chunk and, if a
// preset along the way emitted one, the control event that stops the
// chain — whatever that preset returned as its chunk (usually nil) is what
// is returned alongside it.
func (pl *Pipeline) Forward(chunk Chunk) (Chunk, Event, error) {
	if pl.role == RoleClient {
		return pl.runChain(chunk, pl.presets, Preset.ClientOut)
	}
	return pl.runChain(chunk, reversed(pl.presets), Preset.ServerIn)
}

// Backward processes one chunk traveling server->client: ServerOut chain
// (listed order) for a server-role pipeline, ClientIn chain (reverse order)
// for a client-role pipeline.
func (pl *Pipeline) Backward(chunk Chunk) (Chunk, Event, error) {
	if pl.role == RoleServer {
		return pl.runChain(chunk, pl.presets, Preset.ServerOut)
	}
	return pl.runChain(chunk, reversed(pl.presets), Preset.ClientIn)
}

func (pl *Pipeline) runChain(chunk Chunk, chain []Preset, op func(Preset, Chunk) (Chunk, Event, error)) (Chunk, Event, error) {
	out := chunk
	for _, p := range chain {
		var ev Event
		var err error
		out, ev, err = op(p, out)
		if err != nil {
			return nil, ev, err
		}
		if ev.Kind != EventNone {
			return out, ev, nil
		}
	}
	return out, Event{}, nil
}

func reversed(presets []Preset) []Preset {
	out := make([]Preset, len(presets))
	for i, p := range presets {
		out[len(presets)-1-i] = p
	}
	return out
}

// Drain gives every preset in the chain one last chance to report a
// handshake that was left incomplete when the connection ended (§8 S2):
// any preset implementing HandshakeFinalizer is asked to finalize, and the
// first error wins.
func (pl *Pipeline) Drain() error {
	for _, p := range pl.presets {
		if hf, ok := p.(HandshakeFinalizer); ok {
			if err := hf.FinalizeIncomplete(); err != nil {
				return err
			}
		}
	}
	return nil
}
