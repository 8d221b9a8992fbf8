package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"github.com/chronologos/govr/internal/auth"
	"github.com/chronologos/govr/internal/protocol"
)

// ErrAuthFailed is returned on both sides when the pairing keys differ.
var ErrAuthFailed = errors.New("authentication failed: pairing key mismatch")

// authenticateDialer proves knowledge of key to the listening side. The
// token is bound to this TLS session, so it cannot be replayed elsewhere.
func authenticateDialer(rw io.ReadWriter, state tls.ConnectionState, key []byte) error {
	material, err := exporterMaterial(state)
	if err != nil {
		return err
	}

	if err := protocol.WriteMessage(rw, &protocol.AuthRequest{
		Token: auth.ComputeAuthToken(key, material),
	}); err != nil {
		return fmt.Errorf("write auth request: %w", err)
	}

	msg, err := protocol.ReadMessage(rw)
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	resp, ok := msg.(*protocol.AuthResponse)
	if !ok {
		return fmt.Errorf("expected AuthResponse, got %T", msg)
	}
	if resp.Status != protocol.AuthOK {
		return ErrAuthFailed
	}
	return nil
}

// authenticateListener verifies the dialer's token and replies with the
// verdict.
func authenticateListener(rw io.ReadWriter, state tls.ConnectionState, key []byte) error {
	msg, err := protocol.ReadMessage(rw)
	if err != nil {
		return fmt.Errorf("read auth request: %w", err)
	}
	req, ok := msg.(*protocol.AuthRequest)
	if !ok {
		return fmt.Errorf("expected AuthRequest, got %T", msg)
	}

	material, err := exporterMaterial(state)
	if err != nil {
		return err
	}

	if !auth.VerifyAuthToken(key, material, req.Token) {
		protocol.WriteMessage(rw, &protocol.AuthResponse{Status: protocol.AuthFailed})
		return ErrAuthFailed
	}

	if err := protocol.WriteMessage(rw, &protocol.AuthResponse{Status: protocol.AuthOK}); err != nil {
		return fmt.Errorf("write auth response: %w", err)
	}
	return nil
}
