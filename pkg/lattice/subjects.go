package lattice

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// InventoryKind selects what an inventory probe asks for.
type InventoryKind string

const (
	InventoryHosts     InventoryKind = "hosts"
	InventoryActors    InventoryKind = "actors"
	InventoryProviders InventoryKind = "providers"
	InventoryBindings  InventoryKind = "bindings"
)

// Valid reports whether k is a known kind.
func (k InventoryKind) Valid() bool {
	switch k {
	case InventoryHosts, InventoryActors, InventoryProviders, InventoryBindings:
		return true
	}
	return false
}

// NormalizeCapID turns a capability id into a subject-safe token.
func NormalizeCapID(capID string) string {
	s := strings.ToLower(norm.NFKC.String(capID))
	return strings.NewReplacer(":", ".", " ", "_").Replace(s)
}

// Subjects builds bus subjects, prefixed with the lattice namespace when
// one is set.
type Subjects struct {
	prefix string
}

func NewSubjects(namespace string) Subjects {
	if namespace == "" {
		return Subjects{}
	}
	return Subjects{prefix: namespace + "."}
}

func (s Subjects) Actor(pk string) string {
	return s.prefix + "wasmbus.actor." + pk
}

func (s Subjects) Provider(capID, instance string) string {
	return s.prefix + "wasmbus.provider." + NormalizeCapID(capID) + "." + instance
}

func (s Subjects) ProviderBindings(capID, instance string) string {
	return s.Provider(capID, instance) + ".bindings"
}

func (s Subjects) Inventory(kind InventoryKind) string {
	return s.prefix + "wasmbus.inventory." + string(kind)
}

func (s Subjects) Auction() string {
	return s.prefix + "wasmbus.control.auction"
}

func (s Subjects) Launch(hostID string) string {
	return s.prefix + "wasmbus.control." + hostID + ".launch"
}

func (s Subjects) Events() string {
	return s.prefix + "wasmbus.events"
}
