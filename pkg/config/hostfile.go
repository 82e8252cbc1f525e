package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/wasmCloud/wascc-host/pkg/authz"
)

// ErrInvalidHostFile wraps every host file validation failure.
var ErrInvalidHostFile = errors.New("invalid host file")

// Builtin provider names accepted in host files.
const (
	BuiltinKeyValue = "keyvalue"
	BuiltinExtras   = "extras"
)

// HostFile declares what a host loads at startup.
type HostFile struct {
	Labels         map[string]string `yaml:"labels" toml:"labels" json:"labels,omitempty"`
	TrustedIssuers []string          `yaml:"trusted_issuers" toml:"trusted_issuers" json:"trusted_issuers,omitempty"`
	Policies       []authz.Rule      `yaml:"policies" toml:"policies" json:"policies,omitempty"`
	Admission      []authz.Rule      `yaml:"admission" toml:"admission" json:"admission,omitempty"`
	RateLimit      *RateLimit        `yaml:"rate_limit" toml:"rate_limit" json:"rate_limit,omitempty"`
	Schemas        []Schema          `yaml:"schemas" toml:"schemas" json:"schemas,omitempty"`
	Actors         []Actor           `yaml:"actors" toml:"actors" json:"actors,omitempty"`
	Providers      []Provider        `yaml:"providers" toml:"providers" json:"providers,omitempty"`
	Bindings       []Binding         `yaml:"bindings" toml:"bindings" json:"bindings,omitempty"`
}

// RateLimit applies per-origin invocation limits.
type RateLimit struct {
	RPM   int `yaml:"rpm" toml:"rpm" json:"rpm"`
	Burst int `yaml:"burst" toml:"burst" json:"burst,omitempty"`
}

// Schema validates payloads of one provider operation.
type Schema struct {
	CapabilityID string `yaml:"capability_id" toml:"capability_id" json:"capability_id"`
	Operation    string `yaml:"operation" toml:"operation" json:"operation"`
	Schema       string `yaml:"schema" toml:"schema" json:"schema"`
}

// Actor references an actor module.
type Actor struct {
	Module string `yaml:"module" toml:"module" json:"module"`
}

// Provider is either a builtin provider or a portable module.
type Provider struct {
	Builtin  string `yaml:"builtin,omitempty" toml:"builtin" json:"builtin,omitempty"`
	Module   string `yaml:"module,omitempty" toml:"module" json:"module,omitempty"`
	Instance string `yaml:"instance,omitempty" toml:"instance" json:"instance,omitempty"`
}

// Binding links an actor to a provider instance.
type Binding struct {
	Actor        string            `yaml:"actor" toml:"actor" json:"actor"`
	CapabilityID string            `yaml:"capability_id" toml:"capability_id" json:"capability_id"`
	Instance     string            `yaml:"instance,omitempty" toml:"instance" json:"instance,omitempty"`
	Values       map[string]string `yaml:"values,omitempty" toml:"values" json:"values,omitempty"`
}

// LoadFile reads a host file. The format follows the extension: .yaml,
// .yml or .toml.
func LoadFile(path string) (*HostFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load host file: %w", err)
	}

	var f HostFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".toml":
		err = toml.Unmarshal(data, &f)
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q", ErrInvalidHostFile, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse host file %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate rejects partially specified entries.
func (f *HostFile) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidHostFile}, args...)...))
	}

	for i, r := range append(append([]authz.Rule(nil), f.Policies...), f.Admission...) {
		if r.Name == "" || r.Expr == "" {
			bad("rule %d needs name and expr", i)
		}
	}
	if f.RateLimit != nil && f.RateLimit.RPM <= 0 {
		bad("rate_limit.rpm must be positive")
	}
	for i, s := range f.Schemas {
		if s.CapabilityID == "" || s.Operation == "" || s.Schema == "" {
			bad("schema %d needs capability_id, operation and schema", i)
		}
	}
	for i, a := range f.Actors {
		if a.Module == "" {
			bad("actor %d has no module", i)
		}
	}
	for i, p := range f.Providers {
		switch {
		case (p.Builtin == "") == (p.Module == ""):
			bad("provider %d needs exactly one of builtin or module", i)
		case p.Builtin != "" && p.Builtin != BuiltinKeyValue && p.Builtin != BuiltinExtras:
			bad("provider %d: unknown builtin %q", i, p.Builtin)
		}
	}
	for i, b := range f.Bindings {
		if b.Actor == "" || b.CapabilityID == "" {
			bad("binding %d needs actor and capability_id", i)
		}
	}
	return errors.Join(errs...)
}
