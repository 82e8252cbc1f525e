package identity

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nats-io/nkeys"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/crypto"
)

// Verification failures. Each wraps contracts.ErrInvalidClaims.
var (
	ErrBadSignature  = fmt.Errorf("%w: bad signature", contracts.ErrInvalidClaims)
	ErrExpired       = fmt.Errorf("%w: expired", contracts.ErrInvalidClaims)
	ErrNotYetValid   = fmt.Errorf("%w: not yet valid", contracts.ErrInvalidClaims)
	ErrUnknownIssuer = fmt.Errorf("%w: unknown issuer", contracts.ErrInvalidClaims)
)

var errUndecodableIssuer = errors.New("issuer is not an account or operator key")

// ActorMetadata is the capability grant embedded in actor claims.
type ActorMetadata struct {
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"caps,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// ActorClaims is the JWT body of a signed actor.
type ActorClaims struct {
	jwt.RegisteredClaims
	Metadata ActorMetadata `json:"wascap"`
}

// ValidClaims is the result of a successful verification.
type ValidClaims struct {
	Subject      string     `json:"subject"`
	Issuer       string     `json:"issuer"`
	Name         string     `json:"name"`
	Capabilities []string   `json:"capabilities"`
	Tags         []string   `json:"tags,omitempty"`
	IssuedAt     *time.Time `json:"issued_at,omitempty"`
	Expires      *time.Time `json:"expires,omitempty"`
	Token        string     `json:"-"`
}

// HasCapability reports whether capID was granted.
func (c *ValidClaims) HasCapability(capID string) bool {
	return c != nil && slices.Contains(c.Capabilities, capID)
}

// VerifierOption configures a ClaimsVerifier.
type VerifierOption func(*ClaimsVerifier)

// WithClock replaces the verifier's time source.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *ClaimsVerifier) { v.now = now }
}

// WithTrustedIssuers restricts accepted issuers. An empty list accepts any
// well-formed issuer.
func WithTrustedIssuers(issuers ...string) VerifierOption {
	return func(v *ClaimsVerifier) {
		for _, iss := range issuers {
			v.trusted[iss] = struct{}{}
		}
	}
}

// ClaimsVerifier validates signed actor claims. It holds no mutable state
// after construction and is safe for concurrent use.
type ClaimsVerifier struct {
	now     func() time.Time
	trusted map[string]struct{}
}

// NewClaimsVerifier creates a verifier.
func NewClaimsVerifier(opts ...VerifierOption) *ClaimsVerifier {
	v := &ClaimsVerifier{now: time.Now, trusted: make(map[string]struct{})}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks, in order, the signature and subject, the validity window
// and the issuer of token, which must describe the actor actorPK.
func (v *ClaimsVerifier) Verify(actorPK, token string) (*ValidClaims, error) {
	var claims ActorClaims
	_, err := jwt.ParseWithClaims(token, &claims, issuerKey,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, errUndecodableIssuer) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownIssuer, claims.Issuer)
		}
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if claims.Subject != actorPK {
		return nil, fmt.Errorf("%w: claims subject %s does not match actor %s", ErrBadSignature, claims.Subject, actorPK)
	}

	now := v.now()
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: at %s", ErrExpired, claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return nil, ErrNotYetValid
	}

	if len(v.trusted) > 0 {
		if _, ok := v.trusted[claims.Issuer]; !ok {
			return nil, fmt.Errorf("%w: %s is not trusted", ErrUnknownIssuer, claims.Issuer)
		}
	}

	out := &ValidClaims{
		Subject:      claims.Subject,
		Issuer:       claims.Issuer,
		Name:         claims.Metadata.Name,
		Capabilities: slices.Clone(claims.Metadata.Capabilities),
		Tags:         slices.Clone(claims.Metadata.Tags),
		Token:        token,
	}
	if claims.IssuedAt != nil {
		t := claims.IssuedAt.Time
		out.IssuedAt = &t
	}
	if claims.ExpiresAt != nil {
		t := claims.ExpiresAt.Time
		out.Expires = &t
	}
	return out, nil
}

// issuerKey resolves the verification key from the token's own iss claim.
func issuerKey(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	claims, ok := t.Claims.(*ActorClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	switch {
	case nkeys.IsValidPublicAccountKey(claims.Issuer):
		return crypto.PublicKey(nkeys.PrefixByteAccount, claims.Issuer)
	case nkeys.IsValidPublicOperatorKey(claims.Issuer):
		return crypto.PublicKey(nkeys.PrefixByteOperator, claims.Issuer)
	default:
		return nil, errUndecodableIssuer
	}
}

// Subject returns the subject of a claims token without verifying it.
func Subject(token string) (string, error) {
	var c ActorClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return "", fmt.Errorf("%w: %v", contracts.ErrInvalidClaims, err)
	}
	if c.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", contracts.ErrInvalidClaims)
	}
	return c.Subject, nil
}
