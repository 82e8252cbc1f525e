package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// ClaimsSection is the custom section holding an actor's signed claims.
const ClaimsSection = "jwt"

var (
	// ErrNoEmbeddedClaims is returned for modules without a claims section.
	ErrNoEmbeddedClaims = errors.New("module has no embedded claims")
	// ErrGuestFailed wraps errors reported by guest code.
	ErrGuestFailed = errors.New("guest error")
)

// EngineConfig bounds every module run.
type EngineConfig struct {
	MemoryLimitBytes uint64
	CallTimeout      time.Duration
}

// Engine compiles and runs WebAssembly modules. Modules get no filesystem,
// network or environment; input arrives on stdin and the result leaves on
// stdout.
type Engine struct {
	runtime wazero.Runtime
	limits  EngineConfig
}

// NewEngine creates an engine with its own wazero runtime.
func NewEngine(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCustomSections(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasi: instantiate: %w", err)
	}
	return &Engine{runtime: r, limits: cfg}, nil
}

// Close shuts down the runtime and every compiled module.
func (e *Engine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.runtime.Close(ctx)
}

// Module is a compiled actor or portable provider.
type Module struct {
	engine   *Engine
	compiled wazero.CompiledModule
	claims   string
}

// Compile validates and compiles wasm, extracting its embedded claims.
// A module without claims compiles; Claims then returns ErrNoEmbeddedClaims.
func (e *Engine) Compile(ctx context.Context, wasm []byte) (*Module, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("wasi: compilation failed: %w", err)
	}
	m := &Module{engine: e, compiled: compiled}
	for _, s := range compiled.CustomSections() {
		if s.Name() == ClaimsSection {
			m.claims = string(bytes.TrimSpace(s.Data()))
		}
	}
	return m, nil
}

// Claims returns the JWT embedded in the module.
func (m *Module) Claims() (string, error) {
	if m.claims == "" {
		return "", ErrNoEmbeddedClaims
	}
	return m.claims, nil
}

// Close releases the compiled module.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// Envelope is what a guest reads from stdin.
type Envelope struct {
	Operation string            `json:"op"`
	Payload   []byte            `json:"msg,omitempty"`
	Origin    string            `json:"origin,omitempty"`
	Config    map[string]string `json:"config,omitempty"`
}

// Reply is what a guest writes to stdout.
type Reply struct {
	Payload []byte `json:"msg,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Run executes the module once for env.
func (m *Module) Run(ctx context.Context, env Envelope) ([]byte, error) {
	if m.engine.limits.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.engine.limits.CallTimeout)
		defer cancel()
	}
	input, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		var exit *sys.ExitError
		switch {
		case errors.As(err, &exit) && exit.ExitCode() == 0:
		case ctx.Err() != nil:
			return nil, fmt.Errorf("wasi: %s timed out: %w", env.Operation, ctx.Err())
		default:
			if stderr.Len() > 0 {
				return nil, fmt.Errorf("wasi: %s: %w (stderr: %s)", env.Operation, err, stderr.String())
			}
			return nil, fmt.Errorf("wasi: %s: %w", env.Operation, err)
		}
	}

	if stdout.Len() == 0 {
		return nil, fmt.Errorf("wasi: %s produced no reply", env.Operation)
	}
	var reply Reply
	if err := json.Unmarshal(stdout.Bytes(), &reply); err != nil {
		return nil, fmt.Errorf("wasi: decode reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrGuestFailed, reply.Error)
	}
	return reply.Payload, nil
}

// ModuleHandler adapts a Module to Handler.
type ModuleHandler struct {
	Module *Module
}

func (h ModuleHandler) HandleOperation(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	return h.Module.Run(ctx, Envelope{Operation: operation, Payload: payload})
}
