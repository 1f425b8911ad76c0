package core

import "testing"

// orderRecorder is a Preset that records which of its four operations ran,
// so chaining tests can assert call order without depending on byte content.
type orderRecorder struct {
	BasicPreset
	log *[]string
}

func (p *orderRecorder) ClientOut(chunk Chunk) (Chunk, Event, error) {
	*p.log = append(*p.log, p.Name()+".ClientOut")
	return chunk, Event{}, nil
}
func (p *orderRecorder) ServerIn(chunk Chunk) (Chunk, Event, error) {
	*p.log = append(*p.log, p.Name()+".ServerIn")
	return chunk, Event{}, nil
}
func (p *orderRecorder) ServerOut(chunk Chunk) (Chunk, Event, error) {
	*p.log = append(*p.log, p.Name()+".ServerOut")
	return chunk, Event{}, nil
}
func (p *orderRecorder) ClientIn(chunk Chunk) (Chunk, Event, error) {
	*p.log = append(*p.log, p.Name()+".ClientIn")
	return chunk, Event{}, nil
}

func newRecorder(name string, log *[]string) Preset {
	return &orderRecorder{BasicPreset: BasicPreset{PresetName: name}, log: log}
}

// TestPipelineForwardOrdering confirms a client-role Forward call drives
// presets innermost-first, mirroring onion-layering (§4.2).
func TestPipelineForwardOrdering(t *testing.T) {
	var log []string
	presets := []Preset{newRecorder("inner", &log), newRecorder("outer", &log)}
	pl := NewPipeline(RoleClient, presets)

	if _, _, err := pl.Forward(Chunk("x")); err != nil {
		t.Fatalf("Forward: %s", err)
	}
	want := []string{"inner.ClientOut", "outer.ClientOut"}
	if !equalStrings(log, want) {
		t.Errorf("forward order = %v, want %v", log, want)
	}
}

// TestPipelineServerForwardOrdering confirms a server-role Forward call
// drives presets outermost-first (ServerIn, reverse order) — whichever
// preset wrapped last on the client side unwraps first on the server.
func TestPipelineServerForwardOrdering(t *testing.T) {
	var log []string
	presets := []Preset{newRecorder("inner", &log), newRecorder("outer", &log)}
	pl := NewPipeline(RoleServer, presets)

	if _, _, err := pl.Forward(Chunk("x")); err != nil {
		t.Fatalf("Forward: %s", err)
	}
	want := []string{"outer.ServerIn", "inner.ServerIn"}
	if !equalStrings(log, want) {
		t.Errorf("server forward order = %v, want %v", log, want)
	}
}

// TestPipelineBackwardOrdering confirms a client-role Backward call drives
// presets outermost-first (ClientIn, reverse order).
func TestPipelineBackwardOrdering(t *testing.T) {
	var log []string
	presets := []Preset{newRecorder("inner", &log), newRecorder("outer", &log)}
	pl := NewPipeline(RoleClient, presets)

	if _, _, err := pl.Backward(Chunk("x")); err != nil {
		t.Fatalf("Backward: %s", err)
	}
	want := []string{"outer.ClientIn", "inner.ClientIn"}
	if !equalStrings(log, want) {
		t.Errorf("backward order = %v, want %v", log, want)
	}
}

// TestPipelineLengthPrefixFraming confirms a server-role pipeline holding
// only length-prefix-framing reassembles a frame split across two ServerIn
// calls into one payload.
func TestPipelineLengthPrefixFraming(t *testing.T) {
	lp, err := NewPreset("length-prefix-framing", nil)
	if err != nil {
		t.Fatalf("NewPreset: %s", err)
	}
	pl := NewPipeline(RoleServer, []Preset{lp})

	frame := encodeFrame(Chunk("hello world"))
	half := len(frame) / 2

	out, ev, err := pl.Forward(frame[:half])
	if err != nil || ev.Kind != EventNone {
		t.Fatalf("Forward first half: ev=%v err=%s", ev.Kind, err)
	}
	if len(out) != 0 {
		t.Errorf("Forward first half returned %q, want empty (frame incomplete)", out)
	}

	out, ev, err = pl.Forward(frame[half:])
	if err != nil || ev.Kind != EventNone {
		t.Fatalf("Forward second half: ev=%v err=%s", ev.Kind, err)
	}
	if string(out) != "hello world" {
		t.Errorf("reassembled payload = %q, want %q", out, "hello world")
	}
}

// TestPipelineDrainFinalizesIncompleteHandshake confirms Drain surfaces a
// HandshakeFinalizer preset's short-handshake error (§8 S2).
func TestPipelineDrainFinalizesIncompleteHandshake(t *testing.T) {
	p, err := NewPreset("exp-base-auth-stream", PresetParams{"method": "aes-128-ctr", "key": "k"})
	if err != nil {
		t.Fatalf("NewPreset: %s", err)
	}
	pl := NewPipeline(RoleServer, []Preset{p})
	if _, _, err := pl.Forward(Chunk{0, 0}); err != nil {
		t.Fatalf("Forward: %s", err)
	}
	if err := pl.Drain(); err == nil {
		t.Fatal("expected Drain to report an incomplete handshake")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
