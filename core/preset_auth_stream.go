package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"fmt"

	"github.com/aead/camellia"
)

func init() {
	RegisterPreset("exp-base-auth-stream", newAuthStreamPreset)
}

const (
	authStreamIVLen  = 16
	authStreamTagLen = 16
	// authStreamMinFrame is IV(16)+tag(16)+ALEN(1)+min host(1)+port(2)+min data(1).
	authStreamMinFrame = 37
)

type cipherMethod struct {
	keyLen   int
	newBlock func(key []byte) (cipher.Block, error)
	mode     string // "ctr" or "cfb"
}

var authStreamMethods = map[string]cipherMethod{
	"aes-128-ctr":      {16, aes.NewCipher, "ctr"},
	"aes-192-ctr":      {24, aes.NewCipher, "ctr"},
	"aes-256-ctr":      {32, aes.NewCipher, "ctr"},
	"aes-128-cfb":      {16, aes.NewCipher, "cfb"},
	"aes-192-cfb":      {24, aes.NewCipher, "cfb"},
	"aes-256-cfb":      {32, aes.NewCipher, "cfb"},
	"camellia-128-cfb": {16, camellia.NewCipher, "cfb"},
	"camellia-192-cfb": {24, camellia.NewCipher, "cfb"},
	"camellia-256-cfb": {32, camellia.NewCipher, "cfb"},
}

// HandshakeFinalizer is implemented by presets that buffer partial wire
// state before they can validate it. The relay calls FinalizeIncomplete
// when the inbound side reaches EOF while still Connecting, so a short or
// truncated handshake that will never be completed can be reported as a
// protocol failure (§8 S2) instead of silently hanging.
type HandshakeFinalizer interface {
	FinalizeIncomplete() error
}

// HandshakeBeginner is implemented by presets whose client-forward
// operation needs relay-level context (the dial target) that the generic
// four-op Preset interface has no slot for. The client-side relay calls
// BeginHandshake once, for the first forward chunk of the connection,
// instead of ClientOut.
type HandshakeBeginner interface {
	BeginHandshake(dst Address, data Chunk) (Chunk, error)
}

// authStreamPreset implements exp-base-auth-stream (§4.4): address
// delivery, HMAC-SHA1 authentication and a stream cipher, combined into a
// single handshake frame on the first forward chunk.
//
// Per §9's Open Question, both directions are seeded with the same (key,
// IV) but via two independently-instantiated cipher.Stream values, exactly
// reproducing the source protocol's keystream-sharing property rather than
// silently correcting it.
type authStreamPreset struct {
	BasicPreset
	method cipherMethod
	key    []byte

	ready         bool
	readyWait     chan struct{}
	encryptStream cipher.Stream
	decryptStream cipher.Stream

	// clientHandshakeDone flips true once BeginHandshake has built and
	// returned the handshake frame (§3 invariant: false->true exactly once).
	clientHandshakeDone bool

	// Server-side parse state, meaningful only until the address header has
	// been fully parsed.
	raw       []byte // all bytes received so far, pre-parse
	bodyPlain []byte // decrypted plaintext of raw[32:]
	parsed    bool

	// serverHandshakeDone flips true inside Resume, once the outbound
	// connection is open and the relay has taken the buffered Data.
	serverHandshakeDone bool
}

func newAuthStreamPreset(params PresetParams) (Preset, error) {
	methodName, _ := params["method"].(string)
	method, ok := authStreamMethods[methodName]
	if !ok {
		return nil, fmt.Errorf("exp-base-auth-stream: unsupported or missing method %q", methodName)
	}
	secret, _ := params["key"].(string)
	if secret == "" {
		return nil, fmt.Errorf("exp-base-auth-stream: missing required param \"key\"")
	}
	key, _ := EVPBytesToKey([]byte(secret), method.keyLen, authStreamIVLen)
	return &authStreamPreset{
		BasicPreset: BasicPreset{PresetName: "exp-base-auth-stream"},
		method:      method,
		key:         key,
		readyWait:   make(chan struct{}),
	}, nil
}

func (p *authStreamPreset) newStreamPair(iv []byte) (encrypt, decrypt cipher.Stream, err error) {
	block, err := p.method.newBlock(p.key)
	if err != nil {
		return nil, nil, err
	}
	switch p.method.mode {
	case "ctr":
		return cipher.NewCTR(block, iv), cipher.NewCTR(block, iv), nil
	case "cfb":
		return cipher.NewCFBEncrypter(block, iv), cipher.NewCFBDecrypter(block, iv), nil
	default:
		return nil, nil, fmt.Errorf("exp-base-auth-stream: unknown cipher mode %q", p.method.mode)
	}
}

// initCipher sets up both directions' streams from (key, iv) and unblocks
// any ClientIn/ServerOut call waiting on the other direction's handshake.
func (p *authStreamPreset) initCipher(iv []byte) error {
	encrypt, decrypt, err := p.newStreamPair(iv)
	if err != nil {
		return err
	}
	p.encryptStream = encrypt
	p.decryptStream = decrypt
	p.ready = true
	close(p.readyWait)
	return nil
}

func (p *authStreamPreset) waitReady() {
	<-p.readyWait
}

// ClientOut is only reached for chunks after the handshake; the relay must
// route the connection's first forward chunk through BeginHandshake
// instead, since that is where the dial target is known.
func (p *authStreamPreset) ClientOut(chunk Chunk) (Chunk, Event, error) {
	if !p.clientHandshakeDone {
		err := fmt.Errorf("exp-base-auth-stream: ClientOut called before BeginHandshake")
		return nil, Event{Kind: EventFail, Reason: err.Error()}, err
	}
	p.waitReady()
	out := make(Chunk, len(chunk))
	p.encryptStream.XORKeyStream(out, chunk)
	return out, Event{}, nil
}

// BeginHandshake performs steps 1-6 of §4.4: sample an IV, derive both
// cipher directions, encrypt ADDR||PORT||DATA, tag the encrypted address
// region with HMAC-SHA1, and assemble IV||TAG||CIPHERTEXT.
func (p *authStreamPreset) BeginHandshake(dst Address, data Chunk) (Chunk, error) {
	if p.clientHandshakeDone {
		return nil, fmt.Errorf("exp-base-auth-stream: handshake already sent")
	}
	iv := make([]byte, authStreamIVLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	if err := p.initCipher(iv); err != nil {
		return nil, err
	}

	addrBytes, err := EncodeAddress(dst)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(addrBytes)+len(data))
	copy(plaintext, addrBytes)
	copy(plaintext[len(addrBytes):], data)

	ciphertext := make([]byte, len(plaintext))
	p.encryptStream.XORKeyStream(ciphertext, plaintext)

	encAddr := ciphertext[:len(addrBytes)]
	tag := hmacTag(p.key, encAddr)

	frame := make([]byte, authStreamIVLen+authStreamTagLen+len(ciphertext))
	copy(frame, iv)
	copy(frame[authStreamIVLen:], tag)
	copy(frame[authStreamIVLen+authStreamTagLen:], ciphertext)

	p.clientHandshakeDone = true
	return frame, nil
}

func hmacTag(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)[:authStreamTagLen]
}

// ClientIn unwraps a chunk arriving from the server.
func (p *authStreamPreset) ClientIn(chunk Chunk) (Chunk, Event, error) {
	p.waitReady()
	out := make(Chunk, len(chunk))
	p.decryptStream.XORKeyStream(out, chunk)
	return out, Event{}, nil
}

// ServerOut wraps a chunk before sending it back to the client, reusing the
// encrypt stream set up while parsing the handshake.
func (p *authStreamPreset) ServerOut(chunk Chunk) (Chunk, Event, error) {
	p.waitReady()
	out := make(Chunk, len(chunk))
	p.encryptStream.XORKeyStream(out, chunk)
	return out, Event{}, nil
}

// ServerIn unwraps a chunk arriving from the client: accumulates bytes
// until the handshake frame can be validated, then emits EventConnectToDst;
// afterward, decrypts payload directly.
func (p *authStreamPreset) ServerIn(chunk Chunk) (Chunk, Event, error) {
	if p.parsed {
		p.waitReady()
		out := make(Chunk, len(chunk))
		p.decryptStream.XORKeyStream(out, chunk)
		return out, Event{}, nil
	}

	p.raw = append(p.raw, chunk...)

	if len(p.raw) < authStreamIVLen {
		return nil, Event{}, nil
	}
	if !p.ready {
		if err := p.initCipher(p.raw[:authStreamIVLen]); err != nil {
			return nil, Event{Kind: EventFail, Reason: "cipher init failure"}, err
		}
	}
	if len(p.raw) < authStreamIVLen+authStreamTagLen {
		return nil, Event{}, nil
	}

	bodyRaw := p.raw[authStreamIVLen+authStreamTagLen:]
	if len(bodyRaw) > len(p.bodyPlain) {
		delta := bodyRaw[len(p.bodyPlain):]
		decrypted := make([]byte, len(delta))
		p.decryptStream.XORKeyStream(decrypted, delta)
		p.bodyPlain = append(p.bodyPlain, decrypted...)
	}

	if len(p.bodyPlain) < 1 {
		return nil, Event{}, nil
	}
	alen := int(p.bodyPlain[0])
	if alen == 0 {
		reason := "invalid ALEN: zero"
		return nil, Event{Kind: EventFail, Reason: reason}, NewError(ErrKindPresetProtocol, reason)
	}
	addrHeaderLen := 1 + alen + 2
	if len(p.bodyPlain) <= addrHeaderLen {
		// Either still fragmented (more may arrive) or, if nothing more ever
		// arrives, a post-ALEN short handshake: FinalizeIncomplete catches
		// that case once the connection ends.
		return nil, Event{}, nil
	}

	cipherAddrRegion := bodyRaw[:addrHeaderLen]
	expectedTag := hmacTag(p.key, cipherAddrRegion)
	gotTag := p.raw[authStreamIVLen : authStreamIVLen+authStreamTagLen]
	if !hmac.Equal(expectedTag, gotTag) {
		reason := "bad HMAC"
		return nil, Event{Kind: EventFail, Reason: reason}, NewError(ErrKindPresetProtocol, reason)
	}

	addr, _, err := DecodeAddress(p.bodyPlain[:addrHeaderLen])
	if err != nil {
		return nil, Event{Kind: EventFail, Reason: err.Error()}, err
	}
	data := append(Chunk(nil), p.bodyPlain[addrHeaderLen:]...)

	p.parsed = true
	p.raw = nil
	p.bodyPlain = nil

	dst := &ConnectToDst{
		Address: addr,
		Data:    data,
		Resume:  p.resume,
	}
	return nil, Event{Kind: EventConnectToDst, Dst: dst}, nil
}

// resume is the ConnectToDst.Resume callback: the relay calls it once the
// outbound endpoint is open (or failed to open). On success it flips
// handshake_done; the Data the relay should now write to the outbound
// endpoint was already handed over as ConnectToDst.Data.
func (p *authStreamPreset) resume(outboundOpenErr error) {
	if outboundOpenErr == nil {
		p.serverHandshakeDone = true
	}
}

// FinalizeIncomplete implements HandshakeFinalizer: if the server side
// never finished parsing the handshake before the relay observed EOF, that
// is a short-handshake protocol failure (§8 S2).
func (p *authStreamPreset) FinalizeIncomplete() error {
	if p.parsed || p.clientHandshakeDone {
		return nil
	}
	if len(p.raw) < authStreamMinFrame {
		return NewError(ErrKindPresetProtocol, "short handshake")
	}
	return NewError(ErrKindPresetProtocol, "short handshake (post-ALEN)")
}

// IsHandshakeDone reports whether this instance's relevant direction has
// completed its handshake transition (§3 invariant: false->true exactly
// once, never back).
func (p *authStreamPreset) IsHandshakeDone() bool {
	return p.clientHandshakeDone || p.serverHandshakeDone
}
