// Package config loads the JSON configuration file documented in §6's
// Config schema table into a validated core.CoreConfig snapshot, and
// optionally keeps that snapshot fresh via fsnotify (watch.go).
package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/relaywire/gotun/core"
)

// fileConfig mirrors the on-disk JSON shape; Load converts it to a
// core.CoreConfig and validates the result.
type fileConfig struct {
	Host        string           `json:"host"`
	Port        uint16           `json:"port"`
	Servers     []string         `json:"servers"`
	Key         string           `json:"key"`
	Presets     []presetSpecJSON `json:"presets"`
	Redirect    string           `json:"redirect"`
	Timeout     int              `json:"timeout"`
	Transport   string           `json:"transport"`
	CAFile      string           `json:"cafile"`
	Fingerprint string           `json:"fingerprint"`
	CertFile    string           `json:"cert"`
	KeyFile     string           `json:"certkey"`
	LogLevel    string           `json:"log_level"`
	Profile     string           `json:"profile"`
}

type presetSpecJSON struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params"`
}

// Load reads and parses the JSON config file at path for role, filtering
// out servers prefixed "-" per the Config schema's "disabled" convention.
func Load(path string, role core.Role) (*core.CoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.WrapError(core.ErrKindConfigInvalid, err, "reading config %s", path)
	}
	return Parse(data, role)
}

// Parse converts raw JSON bytes into a validated core.CoreConfig. Load
// calls it after reading the file; it is exposed separately for callers
// that already hold the bytes, such as tests.
func Parse(data []byte, role core.Role) (*core.CoreConfig, error) {
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, core.WrapError(core.ErrKindConfigInvalid, err, "parsing config JSON")
	}

	servers := make([]string, 0, len(fc.Servers))
	for _, s := range fc.Servers {
		if strings.HasPrefix(s, "-") {
			continue
		}
		servers = append(servers, s)
	}

	presets := make([]core.PresetSpec, 0, len(fc.Presets))
	for _, p := range fc.Presets {
		presets = append(presets, core.PresetSpec{Name: p.Name, Params: core.PresetParams(p.Params)})
	}

	logLevel := core.LogLevelInfo
	if fc.LogLevel != "" {
		logLevel = core.StringToLogLevel(fc.LogLevel)
		if logLevel == core.LogLevelUnknown {
			return nil, core.NewError(core.ErrKindConfigInvalid, "unknown log_level %q", fc.LogLevel)
		}
	}

	cc := &core.CoreConfig{
		Role:        role,
		Host:        fc.Host,
		Port:        fc.Port,
		Servers:     servers,
		Key:         fc.Key,
		Presets:     presets,
		Redirect:    fc.Redirect,
		Timeout:     fc.Timeout,
		Transport:   core.Transport(fc.Transport),
		CAFile:      fc.CAFile,
		Fingerprint: fc.Fingerprint,
		CertFile:    fc.CertFile,
		KeyFile:     fc.KeyFile,
		LogLevel:    logLevel,
		Profile:     fc.Profile,
	}
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	return cc, nil
}
