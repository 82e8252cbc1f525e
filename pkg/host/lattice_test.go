package host_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/host"
	"github.com/wasmCloud/wascc-host/pkg/lattice"
	"github.com/wasmCloud/wascc-host/pkg/provider/providertest"
	"github.com/wasmCloud/wascc-host/pkg/router"
)

func latticeHost(t *testing.T, bus lattice.Transport, labels map[string]string) *host.Host {
	t.Helper()
	h := newHost(t, host.Config{
		Labels:            labels,
		Transport:         bus,
		RPCTimeout:        150 * time.Millisecond,
		HeartbeatInterval: 40 * time.Millisecond,
		InvocationTimeout: 2 * time.Second,
	})
	require.NoError(t, h.Start(context.Background()))
	return h
}

func knows(a, b *host.Host) bool {
	return slices.Contains(a.Lattice().View().Hosts(), b.ID())
}

func TestLattice_ActorReachesRemoteProvider(t *testing.T) {
	f := newFixture(t)
	bus := lattice.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	ctx := context.Background()

	actorHost := latticeHost(t, bus, nil)
	providerHost := latticeHost(t, bus, nil)
	fake := providertest.New(fakeCap)
	require.NoError(t, providerHost.AddProvider(ctx, fake, ""))

	pk, token := f.actorToken(fakeCap)
	a := &testActor{tag: "a:"}
	_, err := actorHost.AddActor(ctx, token, a)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return knows(actorHost, providerHost) && knows(providerHost, actorHost) &&
			providerHost.Lattice().ResolveActor(pk)
	}, 3*time.Second, 10*time.Millisecond)

	b, err := actorHost.Bind(ctx, pk, fakeCap, "", map[string]string{"topic": "orders"})
	require.NoError(t, err)
	assert.Equal(t, "orders", b.Config.Map()["topic"])
	assert.Empty(t, actorHost.Bindings(), "the binding lives with the provider")
	require.Len(t, providerHost.Bindings(), 1)
	require.Len(t, fake.Provisioned(), 1)

	// A heartbeat sent before the binding landed may briefly hide it.
	var out []byte
	require.Eventually(t, func() bool {
		out, err = a.Caller().Call(ctx, contracts.NewProviderEntity(fakeCap, ""), "Echo", []byte("ping"))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "ping", string(out))
	reqs := fake.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, pk, reqs[0].Actor)
	topic, _ := reqs[0].Config.Get("topic")
	assert.Equal(t, "orders", topic)

	// The provider host can call the actor through the lattice too.
	out, err = providerHost.CallActor(ctx, pk, "Echo", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "a:x", string(out))

	require.NoError(t, actorHost.Unbind(ctx, pk, fakeCap))
	assert.Empty(t, providerHost.Bindings())
	assert.Len(t, fake.Deprovisioned(), 1)
	require.Eventually(t, func() bool {
		_, err := a.Caller().Call(ctx, contracts.NewProviderEntity(fakeCap, ""), "Echo", []byte("ping"))
		return errors.Is(err, contracts.ErrNoBinding)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLattice_BindWithoutProviderAnywhere(t *testing.T) {
	f := newFixture(t)
	bus := lattice.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	ctx := context.Background()

	h := latticeHost(t, bus, nil)
	pk, token := f.actorToken(fakeCap)
	_, err := h.AddActor(ctx, token, &testActor{})
	require.NoError(t, err)

	_, err = h.Bind(ctx, pk, fakeCap, "", nil)
	assert.ErrorIs(t, err, contracts.ErrProviderNotFound)
}

func TestLattice_ProbeAndAuction(t *testing.T) {
	bus := lattice.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	ctx := context.Background()

	east := latticeHost(t, bus, map[string]string{"region": "east"})
	west := latticeHost(t, bus, map[string]string{"region": "west"})

	hosts, err := east.Lattice().Probe(ctx, lattice.InventoryHosts)
	require.NoError(t, err)
	var ids []string
	for _, inv := range hosts {
		ids = append(ids, inv.HostID)
	}
	assert.ElementsMatch(t, []string{east.ID(), west.ID()}, ids)

	bids, err := east.Lattice().Auction(ctx, lattice.AuctionRequest{Kind: host.KindActor, Ref: "./echo.wasm", Constraints: map[string]string{"region": "west"}})
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, west.ID(), bids[0].HostID)

	// west has no module source, so the launch it won fails and says why.
	_, err = east.Schedule(ctx, lattice.LaunchCommand{Kind: host.KindActor, Ref: "./echo.wasm"}, map[string]string{"region": "west"})
	assert.ErrorContains(t, err, host.ErrNoModules.Error())

	_, err = east.Schedule(ctx, lattice.LaunchCommand{Kind: host.KindActor, Ref: "./echo.wasm"}, map[string]string{"region": "north"})
	assert.Error(t, err)
}

// bindingElsewhere binds an actor to a provider on one host and waits until
// a second host sees that binding in its lattice view.
func bindingElsewhere(t *testing.T) (owner, other *host.Host, pk string) {
	t.Helper()
	f := newFixture(t)
	bus := lattice.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	ctx := context.Background()

	owner = latticeHost(t, bus, nil)
	other = latticeHost(t, bus, nil)
	require.NoError(t, owner.AddProvider(ctx, providertest.New(fakeCap), ""))

	pk, token := f.actorToken(fakeCap)
	_, err := owner.AddActor(ctx, token, &testActor{})
	require.NoError(t, err)
	_, err = owner.Bind(ctx, pk, fakeCap, "", map[string]string{"url": "owner-only"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(other.Lattice().BindingsFor(fakeCap, contracts.DefaultInstance)) == 1 &&
			other.Lattice().ResolveActor(pk)
	}, 3*time.Second, 10*time.Millisecond)
	return owner, other, pk
}

func TestLattice_LateProviderAdoptsBindings(t *testing.T) {
	ctx := context.Background()
	_, other, pk := bindingElsewhere(t)

	late := providertest.New(fakeCap)
	require.NoError(t, other.AddProvider(ctx, late, ""))

	require.Len(t, late.Provisioned(), 1)
	url, _ := late.Provisioned()[0].Config.Get("url")
	assert.Equal(t, "owner-only", url)
	require.Len(t, other.Bindings(), 1)

	inv := contracts.NewInvocation(contracts.NewActorEntity(pk), contracts.NewProviderEntity(fakeCap, ""), "Echo", []byte("x"))
	resp, err := other.Invoke(router.LocalOnly(ctx), inv)
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "x", string(resp.Payload))
}

func TestLattice_UnprovisionedLocalProviderIgnoresRemoteBinding(t *testing.T) {
	ctx := context.Background()
	_, other, pk := bindingElsewhere(t)

	late := providertest.New(fakeCap)
	late.ProvisionErr = errors.New("no backend")
	require.NoError(t, other.AddProvider(ctx, late, ""))
	assert.Empty(t, other.Bindings())

	_, ok := other.LookupBinding(pk, fakeCap)
	assert.False(t, ok, "a local instance only serves bindings it was provisioned for")

	inv := contracts.NewInvocation(contracts.NewActorEntity(pk), contracts.NewProviderEntity(fakeCap, ""), "Echo", []byte("x"))
	resp, err := other.Invoke(router.LocalOnly(ctx), inv)
	require.NoError(t, err)
	assert.ErrorIs(t, resp.Err(), contracts.ErrNoBinding)
	assert.Empty(t, late.Requests())
}
