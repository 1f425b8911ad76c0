package core

import "fmt"

// EventKind tags the control events a preset's forward-direction operation
// may emit, per §4.2/§9 (a tagged event in place of the source protocol's
// {next, broadcast, fail} closures).
type EventKind int

const (
	// EventNone means the operation produced ordinary output with no
	// control event; Pipeline.forward/backward's returned chunk (possibly
	// empty, if the preset swallowed the input) is authoritative.
	EventNone EventKind = iota

	// EventConnectToDst asks the relay to open the outbound transport to
	// Address, call Resume with the outcome, and write the event's buffered
	// post-handshake Data.
	EventConnectToDst

	// EventFail aborts the relay (§7: PresetProtocol).
	EventFail
)

// ConnectToDst is carried by an EventConnectToDst event. Data holds the
// bytes the preset buffered while proving the handshake; the relay writes
// them to the outbound endpoint once it is open. Resume is the completion
// callback the relay MUST invoke with the result of opening the outbound
// endpoint (nil on success), so the preset learns its handshake is done
// (§4.2).
type ConnectToDst struct {
	Address Address
	Data    Chunk
	Resume  func(outboundOpenErr error)
}

// Event is returned alongside a preset operation's emitted chunk when the
// preset needs to signal the pipeline/relay about something beyond plain
// byte transformation.
type Event struct {
	Kind   EventKind
	Dst    *ConnectToDst // set when Kind == EventConnectToDst
	Reason string        // set when Kind == EventFail
}

// Preset is a stateful per-direction byte transformer (§3, §4.3). A single
// instance serves both directions of one relay; the pipeline guarantees it
// is driven by at most one logical task at a time per direction.
//
// Unused operations default to identity in BasicPreset, which concrete
// presets embed.
type Preset interface {
	// Name identifies the preset for logging and registry lookups.
	Name() string

	// ClientOut wraps a chunk before it is sent to the server (client
	// forward direction).
	ClientOut(chunk Chunk) (Chunk, Event, error)

	// ServerIn unwraps a chunk arriving from the client (server forward
	// direction). May emit EventConnectToDst or EventFail.
	ServerIn(chunk Chunk) (Chunk, Event, error)

	// ServerOut wraps a chunk before it is sent back to the client
	// (server backward direction).
	ServerOut(chunk Chunk) (Chunk, Event, error)

	// ClientIn unwraps a chunk arriving from the server (client backward
	// direction).
	ClientIn(chunk Chunk) (Chunk, Event, error)
}

// BasicPreset implements all four Preset operations as identity, so a
// concrete preset need only override the operations it actually transforms.
type BasicPreset struct {
	PresetName string
}

func (p *BasicPreset) Name() string { return p.PresetName }

func (p *BasicPreset) ClientOut(chunk Chunk) (Chunk, Event, error) { return chunk, Event{}, nil }
func (p *BasicPreset) ServerIn(chunk Chunk) (Chunk, Event, error)  { return chunk, Event{}, nil }
func (p *BasicPreset) ServerOut(chunk Chunk) (Chunk, Event, error) { return chunk, Event{}, nil }
func (p *BasicPreset) ClientIn(chunk Chunk) (Chunk, Event, error)  { return chunk, Event{}, nil }

// PresetParams is the enumerated parameter bag a preset is constructed
// with, straight out of the config file's `presets[].params`.
type PresetParams map[string]interface{}

// PresetConstructor builds a fresh Preset instance (scoped to one direction
// of one relay) from its declared parameters. Construction fails with a
// validation error if required parameters are missing or invalid (§4.3,
// §7 PresetValidation).
type PresetConstructor func(params PresetParams) (Preset, error)

// presetRegistry is the process-wide, write-mostly-at-init map from preset
// name to constructor.
var presetRegistry = map[string]PresetConstructor{}

// RegisterPreset adds a preset constructor to the registry under name.
// Builtin presets call this from an init() function; out-of-tree presets
// may call it too, which is the full extent of the "preset registry
// format" spec.md §1 declines to standardize further.
func RegisterPreset(name string, ctor PresetConstructor) {
	if _, exists := presetRegistry[name]; exists {
		panic(fmt.Sprintf("preset %q registered twice", name))
	}
	presetRegistry[name] = ctor
}

// NewPreset constructs a named preset instance from the registry.
func NewPreset(name string, params PresetParams) (Preset, error) {
	ctor, ok := presetRegistry[name]
	if !ok {
		return nil, NewError(ErrKindPresetValidation, "unknown preset %q", name)
	}
	p, err := ctor(params)
	if err != nil {
		return nil, WrapError(ErrKindPresetValidation, err, "constructing preset %q", name)
	}
	return p, nil
}
