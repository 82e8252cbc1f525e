//go:build integration

package lattice

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate NATS container: %v", err)
		}
	})

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "4222/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestNATS_ForwardAndBindings(t *testing.T) {
	url := startNATS(t)

	connect := func(name string) Transport {
		tr, err := ConnectNATS(NATSConfig{URL: url, Name: name})
		require.NoError(t, err)
		t.Cleanup(func() { _ = tr.Close() })
		return tr
	}

	kv := []ProviderSummary{{CapabilityID: "wascc:keyvalue", Instance: "default"}}
	a := newNode(t, connect("host-a"), &fakeHost{})
	b := newNode(t, connect("host-b"), &fakeHost{actors: []ActorSummary{{PublicKey: "MTARGET"}}, providers: kv})
	b.start(t)
	a.start(t)
	require.NoError(t, b.coord.Heartbeat())
	require.Eventually(t, func() bool {
		return a.coord.ResolveActor("MTARGET") && b.coord.Peers().Known(a.coord.HostID())
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := a.coord.Forward(context.Background(), actorInvocation("MTARGET"))
	require.NoError(t, err)
	assert.Equal(t, "pong from "+b.coord.HostID(), string(resp.Payload))

	_, err = a.coord.Forward(context.Background(), actorInvocation("MNOBODY"))
	assert.Error(t, err)

	acks, err := a.coord.SetBinding(context.Background(), kvBinding("MA", "default"))
	require.NoError(t, err)
	require.Len(t, acks, 1)

	hosts, err := a.coord.Probe(context.Background(), InventoryHosts)
	require.NoError(t, err)
	assert.Len(t, hosts, 2)
}
