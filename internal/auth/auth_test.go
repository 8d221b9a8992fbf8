package auth

import (
	"bytes"
	"encoding/hex"
	"slices"
	"testing"
)

func TestGeneratePairingKey(t *testing.T) {
	key1, err := GeneratePairingKey()
	if err != nil {
		t.Fatal(err)
	}
	if len(key1) != PairingKeySize {
		t.Fatalf("expected %d bytes, got %d", PairingKeySize, len(key1))
	}

	key2, err := GeneratePairingKey()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(key1, key2) {
		t.Fatal("two generated keys should not be equal")
	}
}

func TestParsePairingKey(t *testing.T) {
	key, _ := GeneratePairingKey()
	got, err := ParsePairingKey(hex.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, key) {
		t.Fatal("parsed key differs")
	}

	if _, err := ParsePairingKey("abcd"); err == nil {
		t.Fatal("short key accepted")
	}
	if _, err := ParsePairingKey("zz"); err == nil {
		t.Fatal("non-hex key accepted")
	}
}

func TestComputeAndVerify(t *testing.T) {
	key := []byte("test-pairing-key-32-bytes-xxxxxx")
	material := []byte("tls-exporter-material-for-test")

	token := ComputeAuthToken(key, material)
	if !VerifyAuthToken(key, material, token) {
		t.Fatal("valid token should verify")
	}
}

func TestVerifyRejects(t *testing.T) {
	key := []byte("correct-pairing-key-32-bytes-xxx")
	material := []byte("material-session-1")
	token := ComputeAuthToken(key, material)

	if VerifyAuthToken([]byte("wrong-pairing-key-32-bytes-xxxxx"), material, token) {
		t.Fatal("wrong key should not verify")
	}
	if VerifyAuthToken(key, []byte("material-session-2"), token) {
		t.Fatal("different TLS session material should not verify")
	}
	token[0] ^= 0xFF
	if VerifyAuthToken(key, material, token) {
		t.Fatal("tampered token should not verify")
	}
}

func TestTrustList(t *testing.T) {
	tl := NewTrustList(false, "quest.local")

	if !tl.Trusted("quest.local") {
		t.Fatal("listed host not trusted")
	}
	if tl.Trusted("pico.local") {
		t.Fatal("unlisted host trusted")
	}
	tl.Trusted("focus.local")
	if got := tl.Pending(); !slices.Equal(got, []string{"focus.local", "pico.local"}) {
		t.Fatalf("pending = %v", got)
	}

	tl.Approve("pico.local")
	if !tl.Trusted("pico.local") {
		t.Fatal("approved host not trusted")
	}
	if got := tl.Pending(); !slices.Equal(got, []string{"focus.local"}) {
		t.Fatalf("pending after approve = %v", got)
	}

	tl.Revoke("quest.local")
	if tl.Trusted("quest.local") {
		t.Fatal("revoked host still trusted")
	}
}

func TestTrustAll(t *testing.T) {
	tl := NewTrustList(true)
	if !tl.Trusted("anything") {
		t.Fatal("trust-all list rejected a host")
	}
	if len(tl.Pending()) != 0 {
		t.Fatal("trust-all list recorded pending hosts")
	}
}
