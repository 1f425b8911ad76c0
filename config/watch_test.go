package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaywire/gotun/core"
)

const baseConfigJSON = `{
	"port": 9000,
	"key": "shared-secret",
	"presets": [{"name": "identity"}]
}`

func writeConfig(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing config: %s", err)
	}
}

func TestWatcherLoadsInitialConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gotun.json")
	writeConfig(t, path, baseConfigJSON)

	logger := core.NewLogger("test", core.LogLevelError)
	w, err := NewWatcher(logger, path, core.RoleServer, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %s", err)
	}
	if w.Current().Port != 9000 {
		t.Errorf("initial Port = %d, want 9000", w.Current().Port)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gotun.json")
	writeConfig(t, path, baseConfigJSON)

	logger := core.NewLogger("test", core.LogLevelError)
	w, err := NewWatcher(logger, path, core.RoleServer, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %s", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %s", err)
	}
	defer w.Stop()

	updated := `{
		"port": 9100,
		"key": "shared-secret",
		"presets": [{"name": "identity"}]
	}`
	writeConfig(t, path, updated)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().Port == 9100 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("config did not reload: Port = %d, want 9100", w.Current().Port)
}

func TestWatcherKeepsPreviousConfigOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gotun.json")
	writeConfig(t, path, baseConfigJSON)

	logger := core.NewLogger("test", core.LogLevelError)
	w, err := NewWatcher(logger, path, core.RoleServer, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %s", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %s", err)
	}
	defer w.Stop()

	writeConfig(t, path, `{not valid json`)
	time.Sleep(100 * time.Millisecond)

	if w.Current().Port != 9000 {
		t.Errorf("Port after invalid reload = %d, want unchanged 9000", w.Current().Port)
	}
}

// TestWatcherReappliesOverridesOnReload guards against a CLI flag's value
// being silently dropped the first time a watched config file changes.
func TestWatcherReappliesOverridesOnReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gotun.json")
	writeConfig(t, path, baseConfigJSON)

	logger := core.NewLogger("test", core.LogLevelError)
	overrideHost := func(cc *core.CoreConfig) {
		cc.Host = "10.0.0.1"
	}
	w, err := NewWatcher(logger, path, core.RoleServer, overrideHost)
	if err != nil {
		t.Fatalf("NewWatcher: %s", err)
	}
	if w.Current().Host != "10.0.0.1" {
		t.Fatalf("initial Host = %q, want override to take effect", w.Current().Host)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %s", err)
	}
	defer w.Stop()

	updated := `{
		"port": 9100,
		"key": "shared-secret",
		"presets": [{"name": "identity"}]
	}`
	writeConfig(t, path, updated)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().Port == 9100 {
			if w.Current().Host != "10.0.0.1" {
				t.Fatalf("Host after reload = %q, want override to survive", w.Current().Host)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("config did not reload: Port = %d, want 9100", w.Current().Port)
}
