package core

import (
	"encoding/hex"
	"testing"
)

// TestEVPBytesToKeyFixedVector pins EVPBytesToKey against an independently
// computed MD5 key-stretch chain for password "testsecret", keyLen=32,
// ivLen=16, so a future refactor can't silently change the derivation.
func TestEVPBytesToKeyFixedVector(t *testing.T) {
	wantKey, _ := hex.DecodeString("217df19d942a4a990ebeed63a983292f9b0778db6a169610ac91e8a16dc4880")
	wantIV, _ := hex.DecodeString("085f9df4f2c8e74866a7bbdd8a2d1f54")

	key, iv := EVPBytesToKey([]byte("testsecret"), 32, 16)
	if hex.EncodeToString(key) != hex.EncodeToString(wantKey) {
		t.Errorf("key = %x, want %x", key, wantKey)
	}
	if hex.EncodeToString(iv) != hex.EncodeToString(wantIV) {
		t.Errorf("iv = %x, want %x", iv, wantIV)
	}
}

func TestEVPBytesToKeyDeterministic(t *testing.T) {
	k1, iv1 := EVPBytesToKey([]byte("same-password"), 16, 16)
	k2, iv2 := EVPBytesToKey([]byte("same-password"), 16, 16)
	if string(k1) != string(k2) || string(iv1) != string(iv2) {
		t.Error("EVPBytesToKey is not deterministic for identical inputs")
	}
}

func TestEVPBytesToKeyDiffersByPassword(t *testing.T) {
	k1, _ := EVPBytesToKey([]byte("password-a"), 16, 16)
	k2, _ := EVPBytesToKey([]byte("password-b"), 16, 16)
	if string(k1) == string(k2) {
		t.Error("different passwords produced identical keys")
	}
}

func TestEVPBytesToKeyLengths(t *testing.T) {
	key, iv := EVPBytesToKey([]byte("x"), 24, 16)
	if len(key) != 24 {
		t.Errorf("len(key) = %d, want 24", len(key))
	}
	if len(iv) != 16 {
		t.Errorf("len(iv) = %d, want 16", len(iv))
	}
}
