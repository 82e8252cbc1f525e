package contracts

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Direction tells which side of a binding initiates an operation.
type Direction string

// Direction constants.
const (
	ToActor    Direction = "to_actor"
	ToProvider Direction = "to_provider"
)

// OpGetCapabilityDescriptor is the operation every provider answers on load.
const OpGetCapabilityDescriptor = "GetCapabilityDescriptor"

// OperationDescriptor documents one supported operation.
type OperationDescriptor struct {
	Name        string    `json:"name"`
	Direction   Direction `json:"direction"`
	Description string    `json:"description,omitempty"`
}

// ProviderDescriptor is the static metadata a provider exposes before it can
// accept bindings.
type ProviderDescriptor struct {
	CapabilityID    string                `json:"id"`
	Name            string                `json:"name"`
	LongDescription string                `json:"long_description,omitempty"`
	Version         string                `json:"version"`
	Revision        uint32                `json:"revision"`
	Operations      []OperationDescriptor `json:"supported_operations"`
}

// ErrInvalidDescriptor is returned by Validate.
var ErrInvalidDescriptor = errors.New("invalid provider descriptor")

// Validate checks the descriptor is complete.
func (d ProviderDescriptor) Validate() error {
	if d.CapabilityID == "" {
		return fmt.Errorf("%w: missing capability id", ErrInvalidDescriptor)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidDescriptor)
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalidDescriptor, d.Version, err)
	}
	seen := make(map[string]struct{}, len(d.Operations))
	for _, op := range d.Operations {
		if op.Name == "" {
			return fmt.Errorf("%w: unnamed operation", ErrInvalidDescriptor)
		}
		if op.Direction != ToActor && op.Direction != ToProvider {
			return fmt.Errorf("%w: operation %s has direction %q", ErrInvalidDescriptor, op.Name, op.Direction)
		}
		if _, dup := seen[op.Name]; dup {
			return fmt.Errorf("%w: duplicate operation %s", ErrInvalidDescriptor, op.Name)
		}
		seen[op.Name] = struct{}{}
	}
	return nil
}

// Supports reports whether the descriptor lists op in the given direction.
func (d ProviderDescriptor) Supports(op string, dir Direction) bool {
	for _, o := range d.Operations {
		if o.Name == op && o.Direction == dir {
			return true
		}
	}
	return false
}

// SemVer returns the parsed version.
func (d ProviderDescriptor) SemVer() (*semver.Version, error) {
	return semver.NewVersion(d.Version)
}
