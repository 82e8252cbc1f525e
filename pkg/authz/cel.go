package authz

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/identity"
)

// ErrAdmissionDenied is returned when an actor fails an admission policy.
var ErrAdmissionDenied = errors.New("actor admission denied")

// evaluator compiles and caches CEL programs over a fixed environment.
type evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func newEvaluator(vars ...cel.EnvOption) (*evaluator, error) {
	env, err := cel.NewEnv(vars...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &evaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

func (e *evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

func (e *evaluator) eval(ctx context.Context, expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.ContextEval(ctx, input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

// Rule is a named CEL expression that must evaluate to true.
type Rule struct {
	Name string `yaml:"name" json:"name" toml:"name"`
	Expr string `yaml:"expr" json:"expr" toml:"expr"`
}

// CELAuthorizer denies any call for which a rule evaluates to false or
// fails to evaluate. Rules see origin, target, operation, claims and config.
type CELAuthorizer struct {
	eval  *evaluator
	rules []Rule
}

// NewCELAuthorizer compiles rules up front so bad policy fails at startup.
func NewCELAuthorizer(rules ...Rule) (*CELAuthorizer, error) {
	ev, err := newEvaluator(
		cel.Variable("origin", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("target", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("operation", cel.StringType),
		cel.Variable("claims", cel.DynType),
		cel.Variable("config", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if _, err := ev.program(r.Expr); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
	}
	return &CELAuthorizer{eval: ev, rules: rules}, nil
}

func (a *CELAuthorizer) Authorize(ctx context.Context, req Request) Decision {
	config := map[string]string{}
	if req.Binding != nil {
		config = req.Binding.Config.Map()
	}
	input := map[string]any{
		"origin":    entityVars(req.Origin),
		"target":    entityVars(req.Target),
		"operation": req.Operation,
		"claims":    claimsVars(req.Claims),
		"config":    config,
	}
	for _, r := range a.rules {
		ok, err := a.eval.eval(ctx, r.Expr, input)
		if err != nil {
			return Deny(fmt.Sprintf("policy %s: %v", r.Name, err))
		}
		if !ok {
			return Deny("policy " + r.Name + " denied")
		}
	}
	return Allow()
}

// CELAdmission gates actor loading on the actor's claims.
type CELAdmission struct {
	eval  *evaluator
	rules []Rule
}

// NewCELAdmission compiles admission rules over the variable claims.
func NewCELAdmission(rules ...Rule) (*CELAdmission, error) {
	ev, err := newEvaluator(cel.Variable("claims", cel.DynType))
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if _, err := ev.program(r.Expr); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
	}
	return &CELAdmission{eval: ev, rules: rules}, nil
}

// Admit returns ErrAdmissionDenied unless every rule holds.
func (a *CELAdmission) Admit(ctx context.Context, claims *identity.ValidClaims) error {
	input := map[string]any{"claims": claimsVars(claims)}
	for _, r := range a.rules {
		ok, err := a.eval.eval(ctx, r.Expr, input)
		if err != nil {
			return fmt.Errorf("%w: rule %s: %v", ErrAdmissionDenied, r.Name, err)
		}
		if !ok {
			return fmt.Errorf("%w: rule %s", ErrAdmissionDenied, r.Name)
		}
	}
	return nil
}

func entityVars(e contracts.Entity) map[string]string {
	return map[string]string{
		"kind":          string(e.Kind()),
		"public_key":    e.PublicKey(),
		"capability_id": e.CapabilityID(),
		"instance":      e.Instance(),
	}
}

func claimsVars(c *identity.ValidClaims) map[string]any {
	if c == nil {
		return map[string]any{"subject": "", "issuer": "", "name": "", "caps": []string{}, "tags": []string{}}
	}
	caps := c.Capabilities
	if caps == nil {
		caps = []string{}
	}
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"subject": c.Subject,
		"issuer":  c.Issuer,
		"name":    c.Name,
		"caps":    caps,
		"tags":    tags,
	}
}
