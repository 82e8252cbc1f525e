package contracts

import "sort"

// KeyValue is a single configuration entry.
type KeyValue struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Config is the ordered configuration attached to a binding.
type Config []KeyValue

// NewConfig builds a Config from a map, ordered by key.
func NewConfig(values map[string]string) Config {
	cfg := make(Config, 0, len(values))
	for k, v := range values {
		cfg = append(cfg, KeyValue{Key: k, Value: v})
	}
	sort.Slice(cfg, func(i, j int) bool { return cfg[i].Key < cfg[j].Key })
	return cfg
}

// Get returns the value for key.
func (c Config) Get(key string) (string, bool) {
	for _, kv := range c {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Map returns the configuration as a map. Later duplicates win.
func (c Config) Map() map[string]string {
	m := make(map[string]string, len(c))
	for _, kv := range c {
		m[kv.Key] = kv.Value
	}
	return m
}

// Clone returns a copy that shares no storage with c.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	out := make(Config, len(c))
	copy(out, c)
	return out
}

// Equal reports whether both configs hold the same entries in the same order.
func (c Config) Equal(other Config) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

// Binding links one actor to one provider instance for a capability.
type Binding struct {
	Actor        string `json:"actor"`
	CapabilityID string `json:"capability_id"`
	Instance     string `json:"instance"`
	Config       Config `json:"config,omitempty"`
}

// Clone returns a deep copy.
func (b Binding) Clone() Binding {
	b.Config = b.Config.Clone()
	return b
}

// Equal reports whether two bindings are identical, including config.
func (b Binding) Equal(other Binding) bool {
	return b.Actor == other.Actor &&
		b.CapabilityID == other.CapabilityID &&
		b.Instance == other.Instance &&
		b.Config.Equal(other.Config)
}

// Provider returns the provider entity the binding points at.
func (b Binding) Provider() Entity {
	return NewProviderEntity(b.CapabilityID, b.Instance)
}
