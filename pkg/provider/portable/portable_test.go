package portable_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmCloud/wascc-host/pkg/actor"
	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/provider"
	"github.com/wasmCloud/wascc-host/pkg/provider/portable"
)

type scripted struct {
	seen []actor.Envelope
	fail error
}

func (s *scripted) Run(_ context.Context, env actor.Envelope) ([]byte, error) {
	s.seen = append(s.seen, env)
	if s.fail != nil {
		return nil, s.fail
	}
	if env.Operation == contracts.OpGetCapabilityDescriptor {
		return json.Marshal(contracts.ProviderDescriptor{
			CapabilityID: "acme:clock",
			Name:         "clock",
			Version:      "0.1.0",
			Operations:   []contracts.OperationDescriptor{{Name: "Now", Direction: contracts.ToProvider}},
		})
	}
	return []byte("tick"), nil
}

func TestPortable_Lifecycle(t *testing.T) {
	r := &scripted{}
	p := portable.New(r)
	ctx := context.Background()

	d, err := provider.Describe(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "acme:clock", d.CapabilityID)

	b := contracts.Binding{Actor: "MA", CapabilityID: "acme:clock", Config: contracts.NewConfig(map[string]string{"tz": "UTC"})}
	require.NoError(t, p.Provision(ctx, b))
	out, err := p.HandleOperation(ctx, provider.Request{Actor: "MA", Operation: "Now", Config: b.Config})
	require.NoError(t, err)
	assert.Equal(t, []byte("tick"), out)
	require.NoError(t, p.Deprovision(ctx, b))

	require.Len(t, r.seen, 4)
	assert.Equal(t, provider.OpBindActor, r.seen[1].Operation)
	assert.Equal(t, "UTC", r.seen[1].Config["tz"])
	assert.Equal(t, "MA", r.seen[2].Origin)
	assert.Equal(t, provider.OpRemoveActor, r.seen[3].Operation)
}

func TestPortable_GuestFailure(t *testing.T) {
	p := portable.New(&scripted{fail: errors.New("trap")})
	_, err := provider.Describe(context.Background(), p)
	assert.Error(t, err)
	assert.Error(t, p.Provision(context.Background(), contracts.Binding{Actor: "MA"}))
}
