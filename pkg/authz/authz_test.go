package authz_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmCloud/wascc-host/pkg/authz"
	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/identity"
)

func kvRequest(caps []string, bound bool) authz.Request {
	req := authz.Request{
		Origin:    contracts.NewActorEntity("MACTOR"),
		Target:    contracts.NewProviderEntity("wascc:keyvalue", ""),
		Operation: "Get",
		Claims:    &identity.ValidClaims{Subject: "MACTOR", Name: "counter", Capabilities: caps, Tags: []string{"prod"}},
	}
	if bound {
		req.Binding = &contracts.Binding{
			Actor: "MACTOR", CapabilityID: "wascc:keyvalue", Instance: "default",
			Config: contracts.NewConfig(map[string]string{"url": "redis://localhost"}),
		}
	}
	return req
}

func TestBaseline(t *testing.T) {
	ctx := context.Background()
	var b authz.Baseline

	assert.True(t, b.Authorize(ctx, kvRequest([]string{"wascc:keyvalue"}, true)).Allow)
	assert.False(t, b.Authorize(ctx, kvRequest(nil, true)).Allow)
	assert.False(t, b.Authorize(ctx, kvRequest([]string{"wascc:keyvalue"}, false)).Allow)

	toActor := authz.Request{Origin: contracts.NewActorEntity("MA"), Target: contracts.NewActorEntity("MB")}
	assert.True(t, b.Authorize(ctx, toActor).Allow)
}

func TestChain_FirstDenialWins(t *testing.T) {
	ctx := context.Background()
	calls := 0
	counting := authz.Func(func(context.Context, authz.Request) authz.Decision {
		calls++
		return authz.Allow()
	})
	deny := authz.Func(func(context.Context, authz.Request) authz.Decision { return authz.Deny("nope") })

	d := authz.Chain(counting, deny, counting).Authorize(ctx, kvRequest(nil, false))
	assert.False(t, d.Allow)
	assert.Equal(t, "nope", d.Reason)
	assert.Equal(t, 1, calls)
}

func TestCELAuthorizer(t *testing.T) {
	ctx := context.Background()
	a, err := authz.NewCELAuthorizer(
		authz.Rule{Name: "read-only", Expr: `operation in ["Get", "Exists"]`},
		authz.Rule{Name: "prod-redis", Expr: `!("prod" in claims.tags) || config.url.startsWith("redis://")`},
	)
	require.NoError(t, err)

	assert.True(t, a.Authorize(ctx, kvRequest([]string{"wascc:keyvalue"}, true)).Allow)

	write := kvRequest([]string{"wascc:keyvalue"}, true)
	write.Operation = "Set"
	d := a.Authorize(ctx, write)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "read-only")

	// Evaluation errors fail closed: config.url is missing without a binding.
	d = a.Authorize(ctx, kvRequest([]string{"wascc:keyvalue"}, false))
	assert.False(t, d.Allow)
}

func TestCELAuthorizer_RejectsBadPolicy(t *testing.T) {
	_, err := authz.NewCELAuthorizer(authz.Rule{Name: "broken", Expr: `operation ==`})
	assert.Error(t, err)
}

func TestCELAdmission(t *testing.T) {
	ctx := context.Background()
	adm, err := authz.NewCELAdmission(authz.Rule{Name: "named", Expr: `claims.name != ""`})
	require.NoError(t, err)

	assert.NoError(t, adm.Admit(ctx, &identity.ValidClaims{Name: "counter"}))
	assert.ErrorIs(t, adm.Admit(ctx, &identity.ValidClaims{}), authz.ErrAdmissionDenied)
}
