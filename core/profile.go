package core

import (
	"encoding/json"
	"os"
	"sync"
)

// ProfileEntry is one relay's row in the optional `--profile` JSON-lines
// log written at shutdown (§6 ADDED persisted state).
type ProfileEntry struct {
	ID            int32    `json:"id"`
	Role          string   `json:"role"`
	BytesSent     int64    `json:"bytes_sent"`
	BytesReceived int64    `json:"bytes_received"`
	DurationMs    int64    `json:"duration_ms"`
	PresetChain   []string `json:"preset_chain"`
}

// ProfileSink records one ProfileEntry per relay as it tears down. A nil
// ProfileSink is valid everywhere one is accepted: profiling is disabled by
// default, matching spec.md §6 ("Optional profile log written at shutdown
// when --profile is set").
type ProfileSink interface {
	Record(e ProfileEntry)
}

// JSONLProfile accumulates ProfileEntry rows in memory and writes them out
// as one JSON object per line on WriteFile, so concurrent relays tearing
// down don't need to coordinate disk writes with each other.
type JSONLProfile struct {
	mu      sync.Mutex
	entries []ProfileEntry
}

// NewJSONLProfile creates an empty JSONLProfile.
func NewJSONLProfile() *JSONLProfile {
	return &JSONLProfile{}
}

// Record appends e to the in-memory profile.
func (p *JSONLProfile) Record(e ProfileEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
}

// WriteFile writes every recorded entry to path, one JSON object per line,
// overwriting whatever was there before.
func (p *JSONLProfile) WriteFile(path string) error {
	p.mu.Lock()
	entries := append([]ProfileEntry(nil), p.entries...)
	p.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
