package contracts

import (
	"github.com/google/uuid"
)

// Invocation is a single call from an origin entity to a target entity.
// HostID and Claims form the signed envelope: Claims is a compact JWT issued
// by the sending host that commits to every other field.
type Invocation struct {
	ID        string `json:"id"`
	Origin    Entity `json:"origin"`
	Target    Entity `json:"target"`
	Operation string `json:"operation"`
	Payload   []byte `json:"payload,omitempty"`
	HostID    string `json:"host_id,omitempty"`
	Claims    string `json:"claims,omitempty"`
}

// NewInvocation builds an unsigned invocation with a fresh id.
func NewInvocation(origin, target Entity, operation string, payload []byte) *Invocation {
	return &Invocation{
		ID:        uuid.NewString(),
		Origin:    origin,
		Target:    target,
		Operation: operation,
		Payload:   payload,
	}
}

// Signed reports whether the invocation carries an envelope.
func (inv *Invocation) Signed() bool {
	return inv.HostID != "" && inv.Claims != ""
}

// InvocationResponse answers exactly one invocation.
type InvocationResponse struct {
	InvocationID string           `json:"invocation_id"`
	Payload      []byte           `json:"payload,omitempty"`
	Error        *InvocationError `json:"error,omitempty"`
}

// NewResponse returns a successful response for inv.
func NewResponse(inv *Invocation, payload []byte) *InvocationResponse {
	return &InvocationResponse{InvocationID: inv.ID, Payload: payload}
}

// NewErrorResponse returns a failed response for inv.
func NewErrorResponse(inv *Invocation, kind ErrorKind, msg string) *InvocationResponse {
	return &InvocationResponse{
		InvocationID: inv.ID,
		Error:        &InvocationError{Kind: kind, Message: msg},
	}
}

// Err returns the response error or nil.
func (r *InvocationResponse) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	return r.Error
}
