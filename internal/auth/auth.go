// Package auth binds a shared pairing key to a TLS session and keeps the
// list of headsets an operator has approved.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const PairingKeySize = 32

// ExporterLabel is the TLS exporter label the auth token is computed over.
const ExporterLabel = "govr-auth-v1"

// GeneratePairingKey returns a cryptographically random 32-byte key.
func GeneratePairingKey() ([]byte, error) {
	key := make([]byte, PairingKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ParsePairingKey decodes a hex pairing key as found in configuration.
func ParsePairingKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("pairing key: %w", err)
	}
	if len(key) != PairingKeySize {
		return nil, fmt.Errorf("pairing key: got %d bytes, want %d", len(key), PairingKeySize)
	}
	return key, nil
}

// ComputeAuthToken computes HMAC-SHA256(key, exporterMaterial).
// The exporterMaterial should come from TLS.ExportKeyingMaterial
// to bind the auth token to the specific TLS session.
func ComputeAuthToken(key, exporterMaterial []byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(exporterMaterial)
	var token [32]byte
	copy(token[:], mac.Sum(nil))
	return token
}

// VerifyAuthToken checks token against HMAC-SHA256(key, exporterMaterial)
// in constant time.
func VerifyAuthToken(key, exporterMaterial []byte, token [32]byte) bool {
	expected := ComputeAuthToken(key, exporterMaterial)
	return hmac.Equal(token[:], expected[:])
}
