package core

import "encoding/binary"

func init() {
	RegisterPreset("length-prefix-framing", newLengthPrefixPreset)
}

const lengthPrefixMaxFrame = 16 * 1024 * 1024

// lengthPrefixPreset splits the wrapped byte stream into
// uint32(big-endian length) || payload frames on send, and reassembles them
// on receive independent of how the underlying transport happens to
// fragment or coalesce TCP segments. It demonstrates a preset that
// deliberately coalesces/splits chunks (§3) ahead of exp-base-auth-stream in
// a chain like [length-prefix-framing, exp-base-auth-stream].
//
// The two directions buffer independently: forwardBuf reassembles frames
// arriving at ServerIn, backwardBuf reassembles frames arriving at
// ClientIn. Each is only ever touched by its own direction's task, per the
// pipeline's single-task-per-direction guarantee.
type lengthPrefixPreset struct {
	BasicPreset
	forwardBuf  []byte
	backwardBuf []byte
}

func newLengthPrefixPreset(params PresetParams) (Preset, error) {
	return &lengthPrefixPreset{BasicPreset: BasicPreset{PresetName: "length-prefix-framing"}}, nil
}

func encodeFrame(chunk Chunk) Chunk {
	out := make(Chunk, 4+len(chunk))
	binary.BigEndian.PutUint32(out, uint32(len(chunk)))
	copy(out[4:], chunk)
	return out
}

// decodeFrames appends incoming to buf, extracts every complete frame it
// can, and returns the concatenated frame payloads plus the updated
// (possibly non-empty, for a trailing partial frame) buffer.
func decodeFrames(buf []byte, incoming Chunk) (payloads Chunk, rest []byte, err error) {
	buf = append(buf, incoming...)
	out := make([]byte, 0, len(incoming))
	pos := 0
	for {
		if len(buf)-pos < 4 {
			break
		}
		frameLen := binary.BigEndian.Uint32(buf[pos : pos+4])
		if frameLen > lengthPrefixMaxFrame {
			return nil, nil, NewError(ErrKindPresetProtocol, "length-prefix-framing: frame of %d bytes exceeds max %d", frameLen, lengthPrefixMaxFrame)
		}
		if uint32(len(buf)-pos-4) < frameLen {
			break
		}
		out = append(out, buf[pos+4:pos+4+int(frameLen)]...)
		pos += 4 + int(frameLen)
	}
	return out, append([]byte(nil), buf[pos:]...), nil
}

func (p *lengthPrefixPreset) ClientOut(chunk Chunk) (Chunk, Event, error) {
	return encodeFrame(chunk), Event{}, nil
}

func (p *lengthPrefixPreset) ServerOut(chunk Chunk) (Chunk, Event, error) {
	return encodeFrame(chunk), Event{}, nil
}

func (p *lengthPrefixPreset) ServerIn(chunk Chunk) (Chunk, Event, error) {
	payloads, rest, err := decodeFrames(p.forwardBuf, chunk)
	if err != nil {
		return nil, Event{Kind: EventFail, Reason: err.Error()}, err
	}
	p.forwardBuf = rest
	return payloads, Event{}, nil
}

func (p *lengthPrefixPreset) ClientIn(chunk Chunk) (Chunk, Event, error) {
	payloads, rest, err := decodeFrames(p.backwardBuf, chunk)
	if err != nil {
		return nil, Event{Kind: EventFail, Reason: err.Error()}, err
	}
	p.backwardBuf = rest
	return payloads, Event{}, nil
}
