package host

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/wasmCloud/wascc-host/pkg/actor"
	"github.com/wasmCloud/wascc-host/pkg/authz"
	"github.com/wasmCloud/wascc-host/pkg/crypto"
	"github.com/wasmCloud/wascc-host/pkg/events"
	"github.com/wasmCloud/wascc-host/pkg/lattice"
	"github.com/wasmCloud/wascc-host/pkg/middleware"
	"github.com/wasmCloud/wascc-host/pkg/modsource"
)

// Labels the host sets itself.
const (
	LabelOS       = "hostcore.os"
	LabelOSFamily = "hostcore.osfamily"
	LabelArch     = "hostcore.arch"
)

var (
	// ErrReservedLabel is returned for configuration naming a hostcore label.
	ErrReservedLabel = errors.New("label is reserved")
	// ErrLabelsFrozen is returned when labels change after Start.
	ErrLabelsFrozen  = errors.New("labels are frozen once the host has started")
	ErrInvalidConfig = errors.New("invalid host config")
)

// Config is the immutable configuration of a Host. Zero values select
// defaults; Validate reports anything New would reject.
type Config struct {
	// Keyring holds the host identity. A fresh one is generated when nil.
	Keyring *crypto.IdentityKeyring
	Labels  map[string]string
	// TrustedIssuers restricts which accounts may sign actors. Empty
	// accepts any well-formed issuer.
	TrustedIssuers    []string
	InvocationTimeout time.Duration
	DedupWindow       time.Duration
	Authorizer        authz.Authorizer
	Admission         authz.Admission
	Middleware        []middleware.Middleware
	// Events receives every host event in addition to the log and the
	// in-memory ring.
	Events     events.Sink
	EventsKept int

	// Transport joins the host to a lattice. Nil runs standalone.
	Transport         lattice.Transport
	Namespace         string
	RPCTimeout        time.Duration
	HeartbeatInterval time.Duration

	// Modules resolves module references for AddActorFromRef and launches.
	Modules modsource.Source
	// Engine runs actor and portable provider modules.
	Engine *actor.Engine

	Clock  func() time.Time
	Logger *slog.Logger
}

// Validate checks cfg without side effects.
func (c Config) Validate() error {
	var errs []error
	for k := range c.Labels {
		if IsReservedLabel(k) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrReservedLabel, k))
		}
	}
	for name, d := range map[string]time.Duration{
		"invocation timeout": c.InvocationTimeout,
		"dedup window":       c.DedupWindow,
		"rpc timeout":        c.RPCTimeout,
		"heartbeat interval": c.HeartbeatInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%w: negative %s", ErrInvalidConfig, name))
		}
	}
	if c.EventsKept < 0 {
		errs = append(errs, fmt.Errorf("%w: negative events kept", ErrInvalidConfig))
	}
	if c.Namespace != "" && c.Transport == nil {
		errs = append(errs, fmt.Errorf("%w: namespace set without a lattice transport", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// IsReservedLabel reports whether key is set by the host itself.
func IsReservedLabel(key string) bool {
	return strings.HasPrefix(key, "hostcore.")
}

func defaultLabels() map[string]string {
	family := "unix"
	if runtime.GOOS == "windows" {
		family = "windows"
	}
	return map[string]string{
		LabelOS:       runtime.GOOS,
		LabelOSFamily: family,
		LabelArch:     runtime.GOARCH,
	}
}
