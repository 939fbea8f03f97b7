package encryption

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	opts := Options{Method: MethodAES256CTR, Key: bytes.Repeat([]byte("k"), 32)}
	plain := []byte("\x89PNG canonical bytes")
	sealed, err := Encrypt(plain, opts)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(sealed) != len(plain)+Overhead(MethodAES256CTR) {
		t.Fatalf("unexpected sealed length %d", len(sealed))
	}
	if bytes.Contains(sealed, plain) {
		t.Fatalf("payload stored in the clear")
	}
	opened, err := Decrypt(sealed, opts)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatalf("round trip mismatch")
	}
}

func TestDisabledIsPassThrough(t *testing.T) {
	data := []byte("plain")
	for _, opts := range []Options{{}, {Method: MethodNone}} {
		out, err := Encrypt(data, opts)
		if err != nil || !bytes.Equal(out, data) {
			t.Fatalf("expected pass-through, got %q %v", out, err)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := (Options{Method: MethodAES256CTR, Key: []byte("short")}).Validate(); err == nil {
		t.Fatalf("expected short key to fail")
	}
	if err := (Options{Method: "rot13", Key: []byte("x")}).Validate(); err == nil {
		t.Fatalf("expected unknown method to fail")
	}
	if _, err := Decrypt([]byte("tiny"), Options{Method: MethodAES256CTR, Key: bytes.Repeat([]byte("k"), 32)}); err == nil {
		t.Fatalf("expected missing IV error")
	}
}

func TestParseKey(t *testing.T) {
	opts, err := ParseKey(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.Method != MethodAES256CTR || len(opts.Key) != 32 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if _, err := ParseKey("abcd"); err == nil {
		t.Fatalf("expected short key to fail")
	}
	if _, err := ParseKey(strings.Repeat("zz", 32)); err == nil {
		t.Fatalf("expected non-hex key to fail")
	}
}
