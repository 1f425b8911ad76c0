package core

import "testing"

func TestEncodeDecodeAddressRoundTrip(t *testing.T) {
	cases := []Address{
		NewAddress("example.com", 443),
		NewAddress("192.168.1.1", 80),
		NewAddress("::1", 8080),
	}
	for _, want := range cases {
		buf, err := EncodeAddress(want)
		if err != nil {
			t.Fatalf("EncodeAddress(%v): %s", want, err)
		}
		got, n, err := DecodeAddress(buf)
		if err != nil {
			t.Fatalf("DecodeAddress(%v): %s", want, err)
		}
		if n != len(buf) {
			t.Errorf("DecodeAddress consumed %d bytes, want %d", n, len(buf))
		}
		if got.Host != want.Host || got.Port != want.Port {
			t.Errorf("round trip got %+v, want %+v", got, want)
		}
	}
}

func TestEncodeAddressRejectsEmptyHost(t *testing.T) {
	if _, err := EncodeAddress(Address{Host: "", Port: 80}); err == nil {
		t.Fatal("expected error encoding empty host")
	}
}

func TestDecodeAddressRejectsZeroALEN(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x50}
	if _, _, err := DecodeAddress(buf); err == nil {
		t.Fatal("expected error decoding zero ALEN")
	}
}

func TestDecodeAddressRejectsShortBuffer(t *testing.T) {
	buf := []byte{0x05, 'h', 'o'}
	if _, _, err := DecodeAddress(buf); err == nil {
		t.Fatal("expected error decoding truncated address")
	}
}

func TestClassifyHostKind(t *testing.T) {
	if k := NewAddress("10.0.0.1", 1).Kind; k != AddressKindIPv4 {
		t.Errorf("10.0.0.1 classified as %v, want ipv4", k)
	}
	if k := NewAddress("::1", 1).Kind; k != AddressKindIPv6 {
		t.Errorf("::1 classified as %v, want ipv6", k)
	}
	if k := NewAddress("example.com", 1).Kind; k != AddressKindDomainName {
		t.Errorf("example.com classified as %v, want domain", k)
	}
}

func TestParseHostPort(t *testing.T) {
	a, err := ParseHostPort("example.com:9000")
	if err != nil {
		t.Fatalf("ParseHostPort: %s", err)
	}
	if a.Host != "example.com" || a.Port != 9000 {
		t.Errorf("got %+v, want host=example.com port=9000", a)
	}
	if _, err := ParseHostPort("not-a-host-port"); err == nil {
		t.Fatal("expected error for malformed host:port")
	}
}
