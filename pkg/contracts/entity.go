package contracts

import (
	"encoding/json"
	"fmt"
)

// EntityKind distinguishes the parties of an invocation.
type EntityKind string

// Entity kind constants.
const (
	EntityActor    EntityKind = "actor"
	EntityProvider EntityKind = "provider"
	EntityHost     EntityKind = "host"
)

// DefaultInstance is the provider instance name used when none is given.
const DefaultInstance = "default"

// SystemActor is the origin name used for host-internal provider requests
// such as the capability descriptor query.
const SystemActor = "system"

// Entity identifies the origin or target of an invocation.
// Fields are unexported so an Entity cannot change once built.
type Entity struct {
	kind         EntityKind
	publicKey    string
	capabilityID string
	instance     string
}

// NewActorEntity returns the entity for the actor with the given public key.
func NewActorEntity(publicKey string) Entity {
	return Entity{kind: EntityActor, publicKey: publicKey}
}

// NewProviderEntity returns the entity for a capability provider instance.
func NewProviderEntity(capabilityID, instance string) Entity {
	if instance == "" {
		instance = DefaultInstance
	}
	return Entity{kind: EntityProvider, capabilityID: capabilityID, instance: instance}
}

// NewHostEntity returns the entity for a host acting as a trusted origin.
func NewHostEntity(hostID string) Entity {
	return Entity{kind: EntityHost, publicKey: hostID}
}

func (e Entity) Kind() EntityKind     { return e.kind }
func (e Entity) PublicKey() string    { return e.publicKey }
func (e Entity) CapabilityID() string { return e.capabilityID }
func (e Entity) Instance() string     { return e.instance }
func (e Entity) IsActor() bool        { return e.kind == EntityActor }
func (e Entity) IsProvider() bool     { return e.kind == EntityProvider }
func (e Entity) IsHost() bool         { return e.kind == EntityHost }
func (e Entity) IsZero() bool         { return e.kind == "" }

// Key returns a stable string identity suitable for map keys and logs.
func (e Entity) Key() string {
	switch e.kind {
	case EntityProvider:
		return fmt.Sprintf("provider:%s/%s", e.capabilityID, e.instance)
	case EntityActor, EntityHost:
		return fmt.Sprintf("%s:%s", e.kind, e.publicKey)
	default:
		return ""
	}
}

func (e Entity) String() string { return e.Key() }

type entityJSON struct {
	Kind         EntityKind `json:"kind"`
	PublicKey    string     `json:"public_key,omitempty"`
	CapabilityID string     `json:"capability_id,omitempty"`
	Instance     string     `json:"instance,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(entityJSON{
		Kind:         e.kind,
		PublicKey:    e.publicKey,
		CapabilityID: e.capabilityID,
		Instance:     e.instance,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var w entityJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case EntityActor:
		*e = NewActorEntity(w.PublicKey)
	case EntityProvider:
		*e = NewProviderEntity(w.CapabilityID, w.Instance)
	case EntityHost:
		*e = NewHostEntity(w.PublicKey)
	default:
		return fmt.Errorf("unknown entity kind %q", w.Kind)
	}
	return nil
}
