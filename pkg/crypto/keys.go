package crypto

import (
	"crypto/ed25519"
	"fmt"

	"github.com/nats-io/nkeys"
)

// SigningKey derives the ed25519 private key behind an nkeys keypair.
// Callers must not let the returned key outlive the keypair's owner.
func SigningKey(kp nkeys.KeyPair) (ed25519.PrivateKey, error) {
	seed, err := kp.Seed()
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	_, raw, err := nkeys.DecodeSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

// PublicKey decodes an nkeys public key with the expected prefix into a raw
// ed25519 public key.
func PublicKey(prefix nkeys.PrefixByte, encoded string) (ed25519.PublicKey, error) {
	raw, err := nkeys.Decode(prefix, []byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode public key: unexpected length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// VerifySignature checks a raw nkeys signature made by publicKey.
func VerifySignature(publicKey string, data, sig []byte) error {
	kp, err := nkeys.FromPublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	return kp.Verify(data, sig)
}
