package identity

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/nats-io/nkeys"

	"github.com/wasmCloud/wascc-host/pkg/crypto"
)

// Issuer signs actor claims with an account key.
type Issuer struct {
	signingKey ed25519.PrivateKey
	publicKey  string
	now        func() time.Time
}

// NewIssuer creates an issuer with a fresh account key.
func NewIssuer() (*Issuer, error) {
	kp, err := nkeys.CreateAccount()
	if err != nil {
		return nil, fmt.Errorf("create account key: %w", err)
	}
	return issuerFromKeyPair(kp)
}

// NewIssuerFromSeed restores an issuer from an account seed.
func NewIssuerFromSeed(seed []byte) (*Issuer, error) {
	kp, err := nkeys.FromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("parse issuer seed: %w", err)
	}
	return issuerFromKeyPair(kp)
}

func issuerFromKeyPair(kp nkeys.KeyPair) (*Issuer, error) {
	pk, err := kp.PublicKey()
	if err != nil {
		return nil, err
	}
	if !nkeys.IsValidPublicAccountKey(pk) && !nkeys.IsValidPublicOperatorKey(pk) {
		return nil, fmt.Errorf("issuer must be an account or operator key")
	}
	sk, err := crypto.SigningKey(kp)
	if err != nil {
		return nil, err
	}
	return &Issuer{signingKey: sk, publicKey: pk, now: time.Now}, nil
}

// PublicKey returns the issuer's account key.
func (i *Issuer) PublicKey() string {
	return i.publicKey
}

// IssueActor signs claims for the actor key subject (an nkeys user key). A zero ttl
// produces claims that never expire.
func (i *Issuer) IssueActor(subject string, meta ActorMetadata, ttl time.Duration) (string, error) {
	if !nkeys.IsValidPublicUserKey(subject) {
		return "", fmt.Errorf("subject %q is not an actor (user) key", subject)
	}
	now := i.now().UTC()
	claims := ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Issuer:   i.publicKey,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Metadata: meta,
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.signingKey)
}
