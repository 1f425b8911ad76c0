package core

import "fmt"

// Transport names the concrete transport endpoint a hub or relay dials or
// listens with (§4.1).
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportWS  Transport = "ws"
	TransportH2  Transport = "h2"
)

// PresetSpec names one preset and its construction parameters, straight
// out of the config file's `presets[]` array.
type PresetSpec struct {
	Name   string       `json:"name"`
	Params PresetParams `json:"params"`
}

// CoreConfig is the validated, immutable snapshot handed to the core (§6,
// §9 "CoreConfig snapshot design"): config loading, CLI parsing and hot
// reload all live outside this package and produce one of these, which the
// core only ever reads. A running hub swaps in a new *CoreConfig; it never
// mutates one in place.
type CoreConfig struct {
	Role        Role
	Host        string
	Port        uint16
	Servers     []string
	Key         string
	Presets     []PresetSpec
	Redirect    string
	Timeout     int
	Transport   Transport
	CAFile      string
	Fingerprint string
	CertFile    string
	KeyFile     string
	LogLevel    LogLevel

	// Profile, when non-empty, is the path the JSON-lines profile log is
	// written to at shutdown, replacing any existing file (§6 ADDED
	// persisted state).
	Profile string
}

// Validate checks the invariants the Config schema table (§6) documents:
// required fields present, server configs have a bind port, client configs
// have at least one (enabled) server, transport-specific requirements
// satisfied.
func (c *CoreConfig) Validate() error {
	if c.Key == "" {
		return NewError(ErrKindConfigInvalid, "key is required")
	}
	if len(c.Presets) == 0 {
		return NewError(ErrKindConfigInvalid, "presets must name at least one preset")
	}
	switch c.Role {
	case RoleServer:
		if c.Port == 0 {
			return NewError(ErrKindConfigInvalid, "server requires a bind port")
		}
	case RoleClient:
		if len(c.Servers) == 0 {
			return NewError(ErrKindConfigInvalid, "client requires at least one server")
		}
	default:
		return NewError(ErrKindConfigInvalid, "unknown role %v", c.Role)
	}
	switch c.Transport {
	case TransportTCP, TransportWS:
	case TransportH2:
		if c.Role == RoleClient && c.CAFile == "" {
			return NewError(ErrKindConfigInvalid, "transport=h2 requires cafile")
		}
		if c.Role == RoleServer && (c.CertFile == "" || c.KeyFile == "") {
			return NewError(ErrKindConfigInvalid, "transport=h2 requires cert and key")
		}
	case "":
		c.Transport = TransportTCP
	default:
		return NewError(ErrKindConfigInvalid, "unknown transport %q", c.Transport)
	}
	if c.Timeout < 0 {
		return NewError(ErrKindConfigInvalid, "timeout must be >= 0")
	}
	return nil
}

// BuildPipeline constructs a fresh Pipeline instance for one relay from the
// config's preset chain, in listed order (§4.3). The top-level shared
// secret (§6 Config schema's `key` field, distinct from `presets[].params`)
// is injected into each preset's params as "key" unless a preset already
// names its own, so a preset like exp-base-auth-stream that requires
// params["key"] is satisfied by the documented schema without every config
// having to repeat the secret inside its own params block.
func (c *CoreConfig) BuildPipeline(role Role) (*Pipeline, error) {
	presets := make([]Preset, 0, len(c.Presets))
	for _, spec := range c.Presets {
		params := spec.Params
		if _, ok := params["key"]; !ok && c.Key != "" {
			merged := make(PresetParams, len(params)+1)
			for k, v := range params {
				merged[k] = v
			}
			merged["key"] = c.Key
			params = merged
		}
		p, err := NewPreset(spec.Name, params)
		if err != nil {
			return nil, err
		}
		presets = append(presets, p)
	}
	return NewPipeline(role, presets), nil
}

func (c *CoreConfig) String() string {
	return fmt.Sprintf("CoreConfig{role=%v transport=%s host=%s port=%d servers=%v presets=%d}",
		c.Role, c.Transport, c.Host, c.Port, c.Servers, len(c.Presets))
}
