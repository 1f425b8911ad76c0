package core

// Chunk is an immutable, length-tagged view of bytes moving through one
// pipeline step. No chunk boundaries are promised to presets: a preset must
// tolerate partial frames and accumulate its own state, and may coalesce or
// split chunks on emission (§3).
type Chunk []byte

// Len reports the chunk's length in bytes.
func (c Chunk) Len() int { return len(c) }

// Clone returns a copy of the chunk's bytes, so callers that need to retain
// data past the producer's reuse of its read buffer can do so safely.
func (c Chunk) Clone() Chunk {
	out := make(Chunk, len(c))
	copy(out, c)
	return out
}
