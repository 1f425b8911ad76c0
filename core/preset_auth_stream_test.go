package core

import "testing"

func newAuthStream(t *testing.T, key string) *authStreamPreset {
	t.Helper()
	p, err := newAuthStreamPreset(PresetParams{"method": "aes-128-ctr", "key": key})
	if err != nil {
		t.Fatalf("newAuthStreamPreset: %s", err)
	}
	return p.(*authStreamPreset)
}

// TestAuthStreamHandshakeRoundTrip drives a client instance's BeginHandshake
// frame through a server instance's ServerIn, confirming the address and
// payload the server recovers match what the client sent.
func TestAuthStreamHandshakeRoundTrip(t *testing.T) {
	client := newAuthStream(t, "shared-secret")
	server := newAuthStream(t, "shared-secret")

	dst := NewAddress("example.com", 443)
	payload := Chunk("hello")

	frame, err := client.BeginHandshake(dst, payload)
	if err != nil {
		t.Fatalf("BeginHandshake: %s", err)
	}

	out, ev, err := server.ServerIn(frame)
	if err != nil {
		t.Fatalf("ServerIn: %s", err)
	}
	if ev.Kind != EventConnectToDst {
		t.Fatalf("ServerIn event = %v, want EventConnectToDst", ev.Kind)
	}
	if out != nil {
		t.Errorf("ServerIn returned non-nil chunk alongside EventConnectToDst: %v", out)
	}
	if ev.Dst.Address.Host != dst.Host || ev.Dst.Address.Port != dst.Port {
		t.Errorf("recovered address %+v, want %+v", ev.Dst.Address, dst)
	}
	if string(ev.Dst.Data) != string(payload) {
		t.Errorf("recovered payload %q, want %q", ev.Dst.Data, payload)
	}

	ev.Dst.Resume(nil)
	if !server.IsHandshakeDone() {
		t.Error("server handshake not marked done after Resume(nil)")
	}
	if !client.IsHandshakeDone() {
		t.Error("client handshake not marked done after BeginHandshake")
	}
}

// TestAuthStreamPayloadRoundTrip exercises ClientOut/ServerIn and
// ServerOut/ClientIn for bytes following the handshake frame.
func TestAuthStreamPayloadRoundTrip(t *testing.T) {
	client := newAuthStream(t, "shared-secret")
	server := newAuthStream(t, "shared-secret")

	frame, err := client.BeginHandshake(NewAddress("example.com", 80), Chunk("x"))
	if err != nil {
		t.Fatalf("BeginHandshake: %s", err)
	}
	_, ev, err := server.ServerIn(frame)
	if err != nil || ev.Kind != EventConnectToDst {
		t.Fatalf("ServerIn setup failed: ev=%v err=%s", ev.Kind, err)
	}
	ev.Dst.Resume(nil)

	clientMsg := Chunk("forward payload")
	wrapped, ev, err := client.ClientOut(clientMsg)
	if err != nil || ev.Kind != EventNone {
		t.Fatalf("ClientOut: ev=%v err=%s", ev.Kind, err)
	}
	unwrapped, ev, err := server.ServerIn(wrapped)
	if err != nil || ev.Kind != EventNone {
		t.Fatalf("ServerIn payload: ev=%v err=%s", ev.Kind, err)
	}
	if string(unwrapped) != string(clientMsg) {
		t.Errorf("forward payload round trip got %q, want %q", unwrapped, clientMsg)
	}

	serverMsg := Chunk("backward payload")
	wrapped, ev, err = server.ServerOut(serverMsg)
	if err != nil || ev.Kind != EventNone {
		t.Fatalf("ServerOut: ev=%v err=%s", ev.Kind, err)
	}
	unwrapped, ev, err = client.ClientIn(wrapped)
	if err != nil || ev.Kind != EventNone {
		t.Fatalf("ClientIn: ev=%v err=%s", ev.Kind, err)
	}
	if string(unwrapped) != string(serverMsg) {
		t.Errorf("backward payload round trip got %q, want %q", unwrapped, serverMsg)
	}
}

// TestAuthStreamRejectsTamperedHMAC confirms a single flipped bit in the
// HMAC tag causes ServerIn to fail instead of silently accepting a forged
// address (§8 S3).
func TestAuthStreamRejectsTamperedHMAC(t *testing.T) {
	client := newAuthStream(t, "shared-secret")
	server := newAuthStream(t, "shared-secret")

	frame, err := client.BeginHandshake(NewAddress("example.com", 443), Chunk("x"))
	if err != nil {
		t.Fatalf("BeginHandshake: %s", err)
	}
	tampered := append(Chunk(nil), frame...)
	tampered[authStreamIVLen] ^= 0xff // flip every bit of the tag's first byte

	_, ev, err := server.ServerIn(tampered)
	if err == nil {
		t.Fatal("expected error for tampered HMAC tag")
	}
	if ev.Kind != EventFail {
		t.Errorf("event kind = %v, want EventFail", ev.Kind)
	}
	if KindOf(err) != ErrKindPresetProtocol {
		t.Errorf("error kind = %v, want PresetProtocol", KindOf(err))
	}
}

// TestAuthStreamFragmentedHandshake feeds the handshake frame to ServerIn
// one byte at a time, confirming the preset tolerates arbitrary
// fragmentation of the wire bytes (§8 S4).
func TestAuthStreamFragmentedHandshake(t *testing.T) {
	client := newAuthStream(t, "shared-secret")
	server := newAuthStream(t, "shared-secret")

	dst := NewAddress("fragmented.example", 9000)
	frame, err := client.BeginHandshake(dst, Chunk("payload"))
	if err != nil {
		t.Fatalf("BeginHandshake: %s", err)
	}

	var gotEvent Event
	for i := 0; i < len(frame); i++ {
		_, ev, err := server.ServerIn(frame[i : i+1])
		if err != nil {
			t.Fatalf("ServerIn byte %d: %s", i, err)
		}
		if ev.Kind == EventConnectToDst {
			gotEvent = ev
			break
		}
	}
	if gotEvent.Kind != EventConnectToDst {
		t.Fatal("fragmented handshake never produced EventConnectToDst")
	}
	if gotEvent.Dst.Address.Host != dst.Host || gotEvent.Dst.Address.Port != dst.Port {
		t.Errorf("recovered address %+v, want %+v", gotEvent.Dst.Address, dst)
	}
	if string(gotEvent.Dst.Data) != "payload" {
		t.Errorf("recovered payload %q, want %q", gotEvent.Dst.Data, "payload")
	}
}

// TestAuthStreamFinalizeIncompleteOnShortHandshake confirms a handshake that
// ends before the address header is fully received is reported as a
// protocol failure rather than silently dropped (§8 S2).
func TestAuthStreamFinalizeIncompleteOnShortHandshake(t *testing.T) {
	server := newAuthStream(t, "shared-secret")
	short := make([]byte, authStreamIVLen+authStreamTagLen)
	if _, _, err := server.ServerIn(short); err != nil {
		t.Fatalf("ServerIn on short handshake should not itself error: %s", err)
	}
	if err := server.FinalizeIncomplete(); err == nil {
		t.Fatal("expected FinalizeIncomplete to report a short handshake")
	}
}

// TestAuthStreamFinalizeIncompleteNoOpWhenParsed confirms a completed
// handshake never trips FinalizeIncomplete.
func TestAuthStreamFinalizeIncompleteNoOpWhenParsed(t *testing.T) {
	client := newAuthStream(t, "shared-secret")
	server := newAuthStream(t, "shared-secret")

	frame, err := client.BeginHandshake(NewAddress("example.com", 443), Chunk("x"))
	if err != nil {
		t.Fatalf("BeginHandshake: %s", err)
	}
	if _, _, err := server.ServerIn(frame); err != nil {
		t.Fatalf("ServerIn: %s", err)
	}
	if err := server.FinalizeIncomplete(); err != nil {
		t.Errorf("FinalizeIncomplete on completed handshake returned %s, want nil", err)
	}
	if err := client.FinalizeIncomplete(); err != nil {
		t.Errorf("client FinalizeIncomplete returned %s, want nil", err)
	}
}

func TestNewAuthStreamPresetRejectsMissingKey(t *testing.T) {
	if _, err := newAuthStreamPreset(PresetParams{"method": "aes-128-ctr"}); err == nil {
		t.Fatal("expected error constructing preset without a key")
	}
}

func TestNewAuthStreamPresetRejectsUnknownMethod(t *testing.T) {
	if _, err := newAuthStreamPreset(PresetParams{"method": "rot13", "key": "x"}); err == nil {
		t.Fatal("expected error constructing preset with unknown method")
	}
}
