package core

func init() {
	RegisterPreset("identity", newIdentityPreset)
}

// identityPreset passes every chunk through unchanged in all four
// directions. It exists as a documented no-op placeholder for example
// configs and as the simplest possible pipeline stage for tests that need
// to exercise chaining without involving cryptography.
type identityPreset struct {
	BasicPreset
}

func newIdentityPreset(params PresetParams) (Preset, error) {
	return &identityPreset{BasicPreset{PresetName: "identity"}}, nil
}
