package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind is the typed failure carried by an InvocationResponse.
type ErrorKind string

// Error kind constants.
const (
	KindInvalidClaims    ErrorKind = "InvalidClaims"
	KindNoBinding        ErrorKind = "NoBinding"
	KindUnauthorized     ErrorKind = "Unauthorized"
	KindForged           ErrorKind = "Forged"
	KindHandlerError     ErrorKind = "HandlerError"
	KindTimeout          ErrorKind = "Timeout"
	KindNoSuchBinding    ErrorKind = "NoSuchBinding"
	KindProviderNotFound ErrorKind = "ProviderNotFound"
	KindActorNotFound    ErrorKind = "ActorNotFound"
)

// Sentinel errors for each kind. InvocationError unwraps to these.
var (
	ErrInvalidClaims    = errors.New("invalid claims")
	ErrNoBinding        = errors.New("no binding")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForged           = errors.New("forged invocation")
	ErrHandlerError     = errors.New("handler error")
	ErrTimeout          = errors.New("invocation timed out")
	ErrNoSuchBinding    = errors.New("no such binding")
	ErrProviderNotFound = errors.New("provider not found")
	ErrActorNotFound    = errors.New("actor not found")
)

var kindSentinels = map[ErrorKind]error{
	KindInvalidClaims:    ErrInvalidClaims,
	KindNoBinding:        ErrNoBinding,
	KindUnauthorized:     ErrUnauthorized,
	KindForged:           ErrForged,
	KindHandlerError:     ErrHandlerError,
	KindTimeout:          ErrTimeout,
	KindNoSuchBinding:    ErrNoSuchBinding,
	KindProviderNotFound: ErrProviderNotFound,
	KindActorNotFound:    ErrActorNotFound,
}

// InvocationError is a typed invocation failure.
type InvocationError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

func (e *InvocationError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is match the sentinel for the error's kind.
func (e *InvocationError) Unwrap() error {
	return kindSentinels[e.Kind]
}

// KindOf maps an error to its ErrorKind. Errors outside the taxonomy are
// reported as handler errors.
func KindOf(err error) ErrorKind {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindHandlerError
}
