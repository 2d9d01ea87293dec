// Package attest computes the rolling attestation chain over export pages,
// mints continuation checkpoints, and signs envelopes with Ed25519.
package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Signer produces and verifies envelope signatures.
type Signer interface {
	Sign(data []byte) string
	Verify(data []byte, signatureHex string) bool
	KeyID() string
}

// Ed25519Signer is the default signer. Key rotation is outside the core; the
// key id travels in every attestation so verifiers can resolve the key.
type Ed25519Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("attest: key generation failed: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromSeed derives a deterministic signer from a 32-byte
// seed. Tests use this for reproducible signatures.
func NewEd25519SignerFromSeed(seed []byte, keyID string) *Ed25519Signer {
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		keyID: keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, data))
}

func (s *Ed25519Signer) Verify(data []byte, signatureHex string) bool {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, data, sig)
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

// PublicKeyHex exposes the verification key for external verifiers.
func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}
