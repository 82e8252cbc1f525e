package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
)

// signableInvocation is every envelope-covered field of an Invocation.
type signableInvocation struct {
	ID        string           `json:"id"`
	Origin    contracts.Entity `json:"origin"`
	Target    contracts.Entity `json:"target"`
	Operation string           `json:"operation"`
	Payload   []byte           `json:"payload"`
	HostID    string           `json:"host_id"`
}

// CanonicalJSON returns the RFC 8785 canonical JSON encoding of v.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// InvocationHash is the hex SHA-256 of the canonical form of inv, excluding
// the envelope claims themselves.
func InvocationHash(inv *contracts.Invocation) (string, error) {
	data, err := CanonicalJSON(signableInvocation{
		ID:        inv.ID,
		Origin:    inv.Origin,
		Target:    inv.Target,
		Operation: inv.Operation,
		Payload:   inv.Payload,
		HostID:    inv.HostID,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
