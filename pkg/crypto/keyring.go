package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nats-io/nkeys"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
)

// ErrKeyringWiped is returned once the keyring has been torn down.
var ErrKeyringWiped = errors.New("identity keyring wiped")

// envelopeClaims is the body of an invocation envelope.
type envelopeClaims struct {
	jwt.RegisteredClaims
	InvocationHash string `json:"inv_hash"`
}

// IdentityKeyring owns the host signing keypair. It is created with the host
// and wiped on shutdown; the private key never leaves it.
type IdentityKeyring struct {
	mu         sync.RWMutex
	kp         nkeys.KeyPair
	signingKey ed25519.PrivateKey
	publicKey  string
	wiped      bool
}

// NewIdentityKeyring generates a fresh host (server) keypair.
func NewIdentityKeyring() (*IdentityKeyring, error) {
	kp, err := nkeys.CreateServer()
	if err != nil {
		return nil, fmt.Errorf("create host key: %w", err)
	}
	return newKeyring(kp)
}

// NewIdentityKeyringFromSeed restores a host keypair from an encoded seed.
func NewIdentityKeyringFromSeed(seed []byte) (*IdentityKeyring, error) {
	kp, err := nkeys.FromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("parse host seed: %w", err)
	}
	pk, err := kp.PublicKey()
	if err != nil {
		return nil, err
	}
	if !nkeys.IsValidPublicServerKey(pk) {
		return nil, fmt.Errorf("host seed must be a server key, got %q", pk[:1])
	}
	return newKeyring(kp)
}

func newKeyring(kp nkeys.KeyPair) (*IdentityKeyring, error) {
	pk, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("host public key: %w", err)
	}
	sk, err := SigningKey(kp)
	if err != nil {
		return nil, err
	}
	return &IdentityKeyring{kp: kp, signingKey: sk, publicKey: pk}, nil
}

// PublicKey returns the host identity.
func (k *IdentityKeyring) PublicKey() string {
	return k.publicKey
}

// Sign returns a raw signature over data.
func (k *IdentityKeyring) Sign(data []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.wiped {
		return nil, ErrKeyringWiped
	}
	return k.kp.Sign(data)
}

// SignInvocation stamps inv with this host's id and envelope claims.
// The invocation must not be modified afterwards.
func (k *IdentityKeyring) SignInvocation(inv *contracts.Invocation) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.wiped {
		return ErrKeyringWiped
	}

	inv.HostID = k.publicKey
	hash, err := InvocationHash(inv)
	if err != nil {
		return err
	}
	claims := envelopeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   k.publicKey,
			Subject:  inv.ID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		InvocationHash: hash,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(k.signingKey)
	if err != nil {
		return fmt.Errorf("sign invocation: %w", err)
	}
	inv.Claims = token
	return nil
}

// Wipe discards the private key material.
func (k *IdentityKeyring) Wipe() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.wiped {
		return
	}
	k.kp.Wipe()
	for i := range k.signingKey {
		k.signingKey[i] = 0
	}
	k.wiped = true
}

// VerifyInvocation checks that inv was signed by hostKey and has not been
// altered since. Every failure wraps contracts.ErrForged.
func VerifyInvocation(inv *contracts.Invocation, hostKey string) error {
	if !inv.Signed() {
		return fmt.Errorf("%w: missing envelope", contracts.ErrForged)
	}
	if inv.HostID != hostKey {
		return fmt.Errorf("%w: envelope host %s is not %s", contracts.ErrForged, inv.HostID, hostKey)
	}
	pub, err := PublicKey(nkeys.PrefixByteServer, hostKey)
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrForged, err)
	}

	var claims envelopeClaims
	_, err = jwt.ParseWithClaims(inv.Claims, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrForged, err)
	}
	if claims.Issuer != hostKey || claims.Subject != inv.ID {
		return fmt.Errorf("%w: envelope does not describe this invocation", contracts.ErrForged)
	}

	hash, err := InvocationHash(inv)
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrForged, err)
	}
	if hash != claims.InvocationHash {
		return fmt.Errorf("%w: invocation hash mismatch", contracts.ErrForged)
	}
	return nil
}
