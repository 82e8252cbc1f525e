package host_test

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmCloud/wascc-host/pkg/actor"
	"github.com/wasmCloud/wascc-host/pkg/authz"
	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/events"
	"github.com/wasmCloud/wascc-host/pkg/host"
	"github.com/wasmCloud/wascc-host/pkg/identity"
	"github.com/wasmCloud/wascc-host/pkg/lattice"
	"github.com/wasmCloud/wascc-host/pkg/provider/extras"
	"github.com/wasmCloud/wascc-host/pkg/provider/keyvalue"
	"github.com/wasmCloud/wascc-host/pkg/provider/providertest"
)

const fakeCap = "wascc:messaging"

// testActor echoes payloads and keeps the caller handed to it on load.
type testActor struct {
	mu     sync.Mutex
	caller actor.Caller
	tag    string
}

func (a *testActor) SetCaller(c actor.Caller) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.caller = c
}

func (a *testActor) Caller() actor.Caller {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caller
}

func (a *testActor) HandleOperation(_ context.Context, op string, payload []byte) ([]byte, error) {
	if op == "Fail" {
		return nil, errors.New("boom")
	}
	return append([]byte(a.tag), payload...), nil
}

type fixture struct {
	t      *testing.T
	issuer *identity.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	iss, err := identity.NewIssuer()
	require.NoError(t, err)
	return &fixture{t: t, issuer: iss}
}

// actorToken returns a fresh actor key and claims granting caps.
func (f *fixture) actorToken(caps ...string) (string, string) {
	f.t.Helper()
	kp, err := nkeys.CreateUser()
	require.NoError(f.t, err)
	pk, err := kp.PublicKey()
	require.NoError(f.t, err)
	return pk, f.token(pk, caps...)
}

func (f *fixture) token(pk string, caps ...string) string {
	f.t.Helper()
	token, err := f.issuer.IssueActor(pk, identity.ActorMetadata{Name: "test", Capabilities: caps}, time.Hour)
	require.NoError(f.t, err)
	return token
}

func newHost(t *testing.T, cfg host.Config) *host.Host {
	t.Helper()
	h, err := host.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	return h
}

func eventTypes(h *host.Host) []events.Type {
	var out []events.Type
	for _, e := range h.Events() {
		out = append(out, e.Type)
	}
	return out
}

func TestConfig_RejectsReservedLabels(t *testing.T) {
	_, err := host.New(host.Config{Labels: map[string]string{host.LabelOS: "plan9"}})
	assert.ErrorIs(t, err, host.ErrReservedLabel)

	_, err = host.New(host.Config{InvocationTimeout: -time.Second})
	assert.ErrorIs(t, err, host.ErrInvalidConfig)

	_, err = host.New(host.Config{Namespace: "prod"})
	assert.ErrorIs(t, err, host.ErrInvalidConfig)
}

func TestHost_Labels(t *testing.T) {
	h := newHost(t, host.Config{Labels: map[string]string{"zone": "eu-1"}})

	labels := h.Labels()
	assert.Equal(t, runtime.GOOS, labels[host.LabelOS])
	assert.Equal(t, runtime.GOARCH, labels[host.LabelArch])
	assert.NotEmpty(t, labels[host.LabelOSFamily])
	assert.Equal(t, "eu-1", labels["zone"])

	assert.ErrorIs(t, h.SetLabel(host.LabelArch, "z80"), host.ErrReservedLabel)
	require.NoError(t, h.SetLabel("tier", "gold"))

	require.NoError(t, h.Start(context.Background()))
	assert.ErrorIs(t, h.SetLabel("tier", "silver"), host.ErrLabelsFrozen)
	assert.Equal(t, "gold", h.Labels()["tier"])
}

func TestHost_ActorCallsBoundProvider(t *testing.T) {
	f := newFixture(t)
	h := newHost(t, host.Config{})
	ctx := context.Background()

	fake := providertest.New(fakeCap)
	require.NoError(t, h.AddProvider(ctx, fake, ""))

	pk, token := f.actorToken(fakeCap)
	a := &testActor{}
	claims, err := h.AddActor(ctx, token, a)
	require.NoError(t, err)
	assert.Equal(t, pk, claims.Subject)
	require.NotNil(t, a.Caller(), "caller-aware actors receive a caller")

	target := contracts.NewProviderEntity(fakeCap, "")
	_, err = a.Caller().Call(ctx, target, "Echo", []byte("hi"))
	assert.ErrorIs(t, err, contracts.ErrNoBinding)

	b, err := h.Bind(ctx, pk, fakeCap, "", map[string]string{"channel": "news"})
	require.NoError(t, err)
	assert.Equal(t, contracts.DefaultInstance, b.Instance)
	require.Len(t, fake.Provisioned(), 1)

	out, err := a.Caller().Call(ctx, target, "Echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(out))
	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, pk, reqs[0].Actor)
	v, _ := reqs[0].Config.Get("channel")
	assert.Equal(t, "news", v)

	require.NoError(t, h.Unbind(ctx, pk, fakeCap))
	assert.Len(t, fake.Deprovisioned(), 1)
	_, err = a.Caller().Call(ctx, target, "Echo", []byte("hi"))
	assert.ErrorIs(t, err, contracts.ErrNoBinding)
	assert.ErrorIs(t, h.Unbind(ctx, pk, fakeCap), contracts.ErrNoSuchBinding)

	assert.Subset(t, eventTypes(h), []events.Type{
		events.ProviderLoaded, events.ActorStarting, events.ActorStarted,
		events.BindingCreated, events.BindingRemoved,
	})
}

func TestHost_BindRequiresEntities(t *testing.T) {
	f := newFixture(t)
	h := newHost(t, host.Config{})
	ctx := context.Background()
	pk, token := f.actorToken(fakeCap)

	_, err := h.Bind(ctx, pk, fakeCap, "", nil)
	assert.ErrorIs(t, err, contracts.ErrProviderNotFound)

	require.NoError(t, h.AddProvider(ctx, providertest.New(fakeCap), ""))
	_, err = h.Bind(ctx, pk, fakeCap, "", nil)
	assert.ErrorIs(t, err, contracts.ErrActorNotFound)

	_, err = h.AddActor(ctx, token, &testActor{})
	require.NoError(t, err)
	_, err = h.Bind(ctx, pk, fakeCap, "", nil)
	require.NoError(t, err)
}

func TestHost_ClaimsGateProviderCalls(t *testing.T) {
	f := newFixture(t)
	h := newHost(t, host.Config{})
	ctx := context.Background()
	require.NoError(t, h.AddProvider(ctx, providertest.New(fakeCap), ""))

	pk, token := f.actorToken() // no capabilities granted
	a := &testActor{}
	_, err := h.AddActor(ctx, token, a)
	require.NoError(t, err)
	_, err = h.Bind(ctx, pk, fakeCap, "", nil)
	require.NoError(t, err)

	_, err = a.Caller().Call(ctx, contracts.NewProviderEntity(fakeCap, ""), "Echo", nil)
	assert.ErrorIs(t, err, contracts.ErrUnauthorized)
}

func TestHost_ExtrasAutoBound(t *testing.T) {
	f := newFixture(t)
	h := newHost(t, host.Config{})
	ctx := context.Background()

	pk, token := f.actorToken(extras.CapabilityID)
	a := &testActor{}
	_, err := h.AddActor(ctx, token, a)
	require.NoError(t, err)

	b, ok := h.LookupBinding(pk, extras.CapabilityID)
	require.True(t, ok)
	assert.Empty(t, b.Config)

	out, err := a.Caller().Call(ctx, contracts.NewProviderEntity(extras.CapabilityID, ""), extras.OpRequestGUID, nil)
	require.NoError(t, err)
	var res extras.GeneratorResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Len(t, res.GUID, 36)

	for want := uint64(0); want < 3; want++ {
		out, err = a.Caller().Call(ctx, contracts.NewProviderEntity(extras.CapabilityID, ""), extras.OpRequestSequence, nil)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(out, &res))
		assert.Equal(t, want, res.Value)
	}
}

func TestHost_KeyValueProvider(t *testing.T) {
	f := newFixture(t)
	h := newHost(t, host.Config{})
	ctx := context.Background()
	require.NoError(t, h.AddProvider(ctx, keyvalue.New(keyvalue.Open), ""))

	pk, token := f.actorToken(keyvalue.CapabilityID)
	a := &testActor{}
	_, err := h.AddActor(ctx, token, a)
	require.NoError(t, err)
	_, err = h.Bind(ctx, pk, keyvalue.CapabilityID, "", map[string]string{keyvalue.ConfigURL: "memory://"})
	require.NoError(t, err)

	kv := contracts.NewProviderEntity(keyvalue.CapabilityID, "")
	set, _ := json.Marshal(keyvalue.Request{Key: "greeting", Value: "hello"})
	_, err = a.Caller().Call(ctx, kv, keyvalue.OpSet, set)
	require.NoError(t, err)

	get, _ := json.Marshal(keyvalue.Request{Key: "greeting"})
	out, err := a.Caller().Call(ctx, kv, keyvalue.OpGet, get)
	require.NoError(t, err)
	var res keyvalue.Response
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "hello", res.Value)
	assert.True(t, res.Exists)
}

func TestHost_AddActorRejectsBadClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h := newHost(t, host.Config{})
	_, err := h.AddActor(ctx, "garbage", &testActor{})
	assert.ErrorIs(t, err, contracts.ErrInvalidClaims)

	other, err := identity.NewIssuer()
	require.NoError(t, err)
	strict := newHost(t, host.Config{TrustedIssuers: []string{other.PublicKey()}})
	_, token := f.actorToken()
	_, err = strict.AddActor(ctx, token, &testActor{})
	assert.ErrorIs(t, err, identity.ErrUnknownIssuer)
	assert.Empty(t, strict.Actors())
}

func TestHost_AdmissionPolicy(t *testing.T) {
	f := newFixture(t)
	adm, err := authz.NewCELAdmission(authz.Rule{Name: "no-messaging", Expr: `!("wascc:messaging" in claims.caps)`})
	require.NoError(t, err)
	h := newHost(t, host.Config{Admission: adm})
	ctx := context.Background()

	_, token := f.actorToken(fakeCap)
	_, err = h.AddActor(ctx, token, &testActor{})
	assert.ErrorIs(t, err, authz.ErrAdmissionDenied)

	_, token = f.actorToken(keyvalue.CapabilityID)
	_, err = h.AddActor(ctx, token, &testActor{})
	assert.NoError(t, err)
}

func TestHost_ReplaceActorKeepsBindings(t *testing.T) {
	f := newFixture(t)
	h := newHost(t, host.Config{})
	ctx := context.Background()
	require.NoError(t, h.AddProvider(ctx, providertest.New(fakeCap), ""))

	pk, token := f.actorToken(fakeCap)
	_, err := h.AddActor(ctx, token, &testActor{tag: "v1:"})
	require.NoError(t, err)
	_, err = h.Bind(ctx, pk, fakeCap, "", map[string]string{"k": "v"})
	require.NoError(t, err)

	out, err := h.CallActor(ctx, pk, "Echo", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "v1:x", string(out))

	v2 := &testActor{tag: "v2:"}
	_, err = h.ReplaceActor(ctx, f.token(pk, fakeCap), v2)
	require.NoError(t, err)
	require.NotNil(t, v2.Caller())

	out, err = h.CallActor(ctx, pk, "Echo", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "v2:x", string(out))
	_, ok := h.LookupBinding(pk, fakeCap)
	assert.True(t, ok, "bindings survive a live update")
	assert.Contains(t, eventTypes(h), events.ActorUpdated)

	_, other := f.actorToken(fakeCap)
	_, err = h.ReplaceActor(ctx, other, &testActor{})
	assert.ErrorIs(t, err, contracts.ErrActorNotFound)
}

func TestHost_RemoveActorReleasesBindings(t *testing.T) {
	f := newFixture(t)
	h := newHost(t, host.Config{})
	ctx := context.Background()
	fake := providertest.New(fakeCap)
	require.NoError(t, h.AddProvider(ctx, fake, ""))

	pk, token := f.actorToken(fakeCap)
	_, err := h.AddActor(ctx, token, &testActor{})
	require.NoError(t, err)
	_, err = h.Bind(ctx, pk, fakeCap, "", nil)
	require.NoError(t, err)

	require.NoError(t, h.RemoveActor(ctx, pk))
	assert.Len(t, fake.Deprovisioned(), 1)
	assert.Empty(t, h.Bindings())
	assert.Contains(t, eventTypes(h), events.ActorStopped)

	_, err = h.CallActor(ctx, pk, "Echo", nil)
	assert.ErrorIs(t, err, contracts.ErrActorNotFound)
	assert.ErrorIs(t, h.RemoveActor(ctx, pk), contracts.ErrActorNotFound)
}

func TestHost_ProviderDeliversToBoundActor(t *testing.T) {
	f := newFixture(t)
	h := newHost(t, host.Config{})
	ctx := context.Background()
	fake := providertest.New(fakeCap)
	require.NoError(t, h.AddProvider(ctx, fake, ""))

	pk, token := f.actorToken(fakeCap)
	_, err := h.AddActor(ctx, token, &testActor{tag: "got:"})
	require.NoError(t, err)

	_, err = fake.Dispatcher().Dispatch(ctx, pk, "Deliver", []byte("msg"))
	assert.ErrorIs(t, err, contracts.ErrNoBinding)

	_, err = h.Bind(ctx, pk, fakeCap, "", nil)
	require.NoError(t, err)
	out, err := fake.Dispatcher().Dispatch(ctx, pk, "Deliver", []byte("msg"))
	require.NoError(t, err)
	assert.Equal(t, "got:msg", string(out))
}

func TestHost_RemoveProvider(t *testing.T) {
	f := newFixture(t)
	h := newHost(t, host.Config{})
	ctx := context.Background()
	fake := providertest.New(fakeCap)
	require.NoError(t, h.AddProvider(ctx, fake, "edge"))
	assert.Error(t, h.AddProvider(ctx, providertest.New(fakeCap), "edge"), "instances are unique")

	pk, token := f.actorToken(fakeCap)
	_, err := h.AddActor(ctx, token, &testActor{})
	require.NoError(t, err)
	_, err = h.Bind(ctx, pk, fakeCap, "edge", nil)
	require.NoError(t, err)

	require.NoError(t, h.RemoveProvider(ctx, fakeCap, "edge"))
	assert.Len(t, fake.Deprovisioned(), 1)
	_, ok := h.LookupBinding(pk, fakeCap)
	assert.False(t, ok)
	assert.Contains(t, eventTypes(h), events.ProviderRemoved)
	assert.ErrorIs(t, h.RemoveProvider(ctx, fakeCap, "edge"), contracts.ErrProviderNotFound)
}

func TestHost_HandlerErrorsAreTyped(t *testing.T) {
	f := newFixture(t)
	h := newHost(t, host.Config{})
	ctx := context.Background()
	pk, token := f.actorToken()
	_, err := h.AddActor(ctx, token, &testActor{})
	require.NoError(t, err)

	_, err = h.CallActor(ctx, pk, "Fail", nil)
	assert.ErrorIs(t, err, contracts.ErrHandlerError)
}

func TestHost_Inventory(t *testing.T) {
	f := newFixture(t)
	h := newHost(t, host.Config{})
	ctx := context.Background()
	require.NoError(t, h.AddProvider(ctx, providertest.New(fakeCap), ""))
	pk, token := f.actorToken(fakeCap, extras.CapabilityID)
	_, err := h.AddActor(ctx, token, &testActor{})
	require.NoError(t, err)

	inv := h.Inventory()
	assert.Equal(t, h.ID(), inv.HostID)
	require.Len(t, inv.Actors, 1)
	assert.Equal(t, pk, inv.Actors[0].PublicKey)
	assert.Equal(t, "test", inv.Actors[0].Name)
	assert.NotEmpty(t, inv.Actors[0].Claims)
	assert.Len(t, inv.Providers, 2, "extras is always loaded")
	require.Len(t, inv.Bindings, 1)
	assert.Equal(t, extras.CapabilityID, inv.Bindings[0].CapabilityID)
}

func TestHost_LaunchWithoutSources(t *testing.T) {
	h := newHost(t, host.Config{})
	ctx := context.Background()

	assert.ErrorIs(t, h.Launch(ctx, lattice.LaunchCommand{Kind: host.KindActor, Ref: "./echo.wasm"}), host.ErrNoModules)
	assert.ErrorIs(t, h.Launch(ctx, lattice.LaunchCommand{Kind: "job"}), host.ErrInvalidConfig)
	_, err := h.AddActorModule(ctx, []byte{0, 'a', 's', 'm'})
	assert.ErrorIs(t, err, host.ErrNoEngine)
	_, err = h.Schedule(ctx, lattice.LaunchCommand{Kind: host.KindActor}, nil)
	assert.ErrorIs(t, err, host.ErrNotStarted)
}

func TestHost_Shutdown(t *testing.T) {
	f := newFixture(t)
	h, err := host.New(host.Config{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, h.Start(ctx))

	pk, token := f.actorToken()
	_, err = h.AddActor(ctx, token, &testActor{})
	require.NoError(t, err)

	require.NoError(t, h.Shutdown(ctx))
	assert.Empty(t, h.Actors())
	assert.Empty(t, h.Providers())
	_, err = h.CallActor(ctx, pk, "Echo", nil)
	assert.ErrorIs(t, err, host.ErrStopped)
	assert.ErrorIs(t, h.Start(ctx), host.ErrStopped)

	types := eventTypes(h)
	assert.Equal(t, events.HostStopped, types[len(types)-1])
	require.NoError(t, h.Shutdown(ctx), "shutdown is idempotent")
}
