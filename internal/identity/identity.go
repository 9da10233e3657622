// Package identity verifies Ed25519 signatures over the canonical strings
// used by the pairing and signed-request flows, and derives the server
// fingerprint shown to the user during pairing.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

var ErrSignatureMismatch = errors.New("signature mismatch")

// CanonicalRequest builds the string covered by the signature of a signed
// HTTP request: METHOD, PATH, timestamp and nonce joined by newlines.
func CanonicalRequest(method, path, timestamp, nonce string) string {
	return method + "\n" + path + "\n" + timestamp + "\n" + nonce
}

// PairingMessage builds the string a device signs to confirm a pairing
// grant.
func PairingMessage(nonce, fingerprint string) string {
	return "pairing:" + nonce + ":" + fingerprint
}

// Verify checks an Ed25519 signature over message. Both key and signature
// are base64 encoded, as carried on the wire.
func Verify(publicKey, message, signature string) error {
	pub, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig) {
		return ErrSignatureMismatch
	}
	return nil
}

// Fingerprint derives a short, stable identifier from the server's secret
// seed. It is safe to display: blake2b is one-way and the seed never
// leaves the process.
func Fingerprint(seed []byte) string {
	sum := blake2b.Sum256(seed)
	return fmt.Sprintf("%x", sum[:8])
}
