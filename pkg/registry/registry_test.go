package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmCloud/wascc-host/pkg/actor"
	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/identity"
	"github.com/wasmCloud/wascc-host/pkg/provider/providertest"
	"github.com/wasmCloud/wascc-host/pkg/registry"
)

func noop() actor.Handler {
	return actor.HandlerFunc(func(context.Context, string, []byte) ([]byte, error) { return nil, nil })
}

func TestRegistry_Actors(t *testing.T) {
	r := registry.New()
	rec := &registry.ActorRecord{
		PublicKey: "MACTOR",
		Claims:    &identity.ValidClaims{Subject: "MACTOR", Token: "tok"},
		Handler:   noop(),
	}
	require.NoError(t, r.RegisterActor(rec))
	assert.ErrorIs(t, r.RegisterActor(rec), registry.ErrActorExists)
	assert.True(t, r.HasActor("MACTOR"))

	tok, ok := r.ClaimsToken("MACTOR")
	assert.True(t, ok)
	assert.Equal(t, "tok", tok)

	prev, err := r.ReplaceActor(&registry.ActorRecord{PublicKey: "MACTOR", Handler: noop()})
	require.NoError(t, err)
	assert.Same(t, rec, prev)
	cur, _ := r.Actor("MACTOR")
	assert.Equal(t, rec.StartedAt, cur.StartedAt)

	_, err = r.ReplaceActor(&registry.ActorRecord{PublicKey: "MOTHER"})
	assert.ErrorIs(t, err, contracts.ErrActorNotFound)

	_, err = r.UnregisterActor("MACTOR")
	require.NoError(t, err)
	_, err = r.UnregisterActor("MACTOR")
	assert.ErrorIs(t, err, contracts.ErrActorNotFound)
}

func TestRegistry_ProvidersRequireDescriptor(t *testing.T) {
	r := registry.New()
	ctx := context.Background()

	rec, err := r.RegisterProvider(ctx, providertest.New("wascc:keyvalue"), "")
	require.NoError(t, err)
	assert.Equal(t, contracts.DefaultInstance, rec.Entity.Instance())
	assert.True(t, rec.Reentrant)

	_, err = r.RegisterProvider(ctx, providertest.New("wascc:keyvalue"), "default")
	assert.ErrorIs(t, err, registry.ErrProviderExists)

	_, err = r.RegisterProvider(ctx, providertest.New("wascc:keyvalue"), "secondary")
	assert.NoError(t, err)
	assert.Len(t, r.Providers(), 2)

	broken := providertest.New("wascc:broken")
	broken.DescriptorErr = errors.New("no descriptor")
	_, err = r.RegisterProvider(ctx, broken, "")
	assert.Error(t, err)
	assert.False(t, r.HasProvider("wascc:broken", ""))

	_, err = r.UnregisterProvider("wascc:keyvalue", "secondary")
	assert.NoError(t, err)
	_, err = r.UnregisterProvider("wascc:keyvalue", "secondary")
	assert.ErrorIs(t, err, contracts.ErrProviderNotFound)
}

func TestProviderRecord_NonReentrantGate(t *testing.T) {
	r := registry.New()
	fake := providertest.New("wascc:serial")
	fake.NonReentrant = true
	rec, err := r.RegisterProvider(context.Background(), fake, "")
	require.NoError(t, err)
	assert.False(t, rec.Reentrant)

	release, err := rec.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rec.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := rec.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}
