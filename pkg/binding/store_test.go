package binding_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmCloud/wascc-host/pkg/binding"
	"github.com/wasmCloud/wascc-host/pkg/contracts"
)

type world struct {
	actors    map[string]bool
	providers map[string]bool
}

func (w world) HasActor(pk string) bool { return w.actors[pk] }
func (w world) HasProvider(capID, instance string) bool {
	return w.providers[contracts.NewProviderEntity(capID, instance).Key()]
}

func newWorld() world {
	return world{
		actors: map[string]bool{"MA": true, "MB": true},
		providers: map[string]bool{
			contracts.NewProviderEntity("wascc:keyvalue", "").Key():       true,
			contracts.NewProviderEntity("wascc:keyvalue", "backup").Key(): true,
			contracts.NewProviderEntity("wascc:messaging", "").Key():      true,
		},
	}
}

type recorder struct {
	mu          sync.Mutex
	provisioned []contracts.Binding
	released    []contracts.Binding
	block       map[string]chan struct{} // actor -> released when closed
	active      map[string]int
	maxActive   map[string]int
	failWith    error
}

func newRecorder() *recorder {
	return &recorder{block: map[string]chan struct{}{}, active: map[string]int{}, maxActive: map[string]int{}}
}

func (r *recorder) Provision(_ context.Context, b contracts.Binding) error {
	r.mu.Lock()
	if r.failWith != nil {
		r.mu.Unlock()
		return r.failWith
	}
	r.active[b.Actor]++
	if r.active[b.Actor] > r.maxActive[b.Actor] {
		r.maxActive[b.Actor] = r.active[b.Actor]
	}
	ch := r.block[b.Actor]
	r.mu.Unlock()
	if ch != nil {
		<-ch
	}
	r.mu.Lock()
	r.active[b.Actor]--
	r.provisioned = append(r.provisioned, b)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Deprovision(_ context.Context, b contracts.Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, b)
	return nil
}

func TestStore_BindValidatesEntities(t *testing.T) {
	s := binding.NewStore(newWorld(), newRecorder())
	ctx := context.Background()

	_, err := s.Bind(ctx, "MZ", "wascc:keyvalue", "", nil)
	assert.ErrorIs(t, err, contracts.ErrActorNotFound)

	_, err = s.Bind(ctx, "MA", "wascc:http_server", "", nil)
	assert.ErrorIs(t, err, contracts.ErrProviderNotFound)

	_, ok := s.Lookup("MA", "wascc:http_server")
	assert.False(t, ok)
}

func TestStore_RebindReplacesConfig(t *testing.T) {
	rec := newRecorder()
	s := binding.NewStore(newWorld(), rec)
	ctx := context.Background()

	first := contracts.NewConfig(map[string]string{"url": "redis://a", "password": "secret"})
	_, err := s.Bind(ctx, "MA", "wascc:keyvalue", "", first)
	require.NoError(t, err)
	_, err = s.Bind(ctx, "MA", "wascc:keyvalue", "", first)
	require.NoError(t, err)
	assert.Len(t, rec.provisioned, 1, "identical rebind must not reprovision")
	assert.Len(t, s.All(), 1)

	second := contracts.NewConfig(map[string]string{"url": "redis://b"})
	_, err = s.Bind(ctx, "MA", "wascc:keyvalue", "", second)
	require.NoError(t, err)

	b, ok := s.Lookup("MA", "wascc:keyvalue")
	require.True(t, ok)
	_, leaked := b.Config.Get("password")
	assert.False(t, leaked)
	assert.True(t, b.Config.Equal(second))

	// Lookup returns a snapshot.
	b.Config[0].Value = "mutated"
	again, _ := s.Lookup("MA", "wascc:keyvalue")
	assert.Equal(t, "redis://b", again.Config[0].Value)
}

func TestStore_RebindToOtherInstanceReleasesOld(t *testing.T) {
	rec := newRecorder()
	s := binding.NewStore(newWorld(), rec)
	ctx := context.Background()

	_, err := s.Bind(ctx, "MA", "wascc:keyvalue", "", nil)
	require.NoError(t, err)
	_, err = s.Bind(ctx, "MA", "wascc:keyvalue", "backup", nil)
	require.NoError(t, err)

	require.Len(t, rec.released, 1)
	assert.Equal(t, contracts.DefaultInstance, rec.released[0].Instance)
	b, _ := s.Lookup("MA", "wascc:keyvalue")
	assert.Equal(t, "backup", b.Instance)
}

func TestStore_FailedProvisionKeepsPreviousBinding(t *testing.T) {
	rec := newRecorder()
	s := binding.NewStore(newWorld(), rec)
	ctx := context.Background()

	_, err := s.Bind(ctx, "MA", "wascc:keyvalue", "", contracts.NewConfig(map[string]string{"url": "redis://a"}))
	require.NoError(t, err)

	rec.failWith = errors.New("cannot connect")
	_, err = s.Bind(ctx, "MA", "wascc:keyvalue", "", contracts.NewConfig(map[string]string{"url": "redis://b"}))
	require.Error(t, err)

	b, _ := s.Lookup("MA", "wascc:keyvalue")
	v, _ := b.Config.Get("url")
	assert.Equal(t, "redis://a", v)
}

func TestStore_ApplyAcceptsRemoteActors(t *testing.T) {
	rec := newRecorder()
	s := binding.NewStore(newWorld(), rec)
	ctx := context.Background()

	remote := contracts.Binding{Actor: "MREMOTE", CapabilityID: "wascc:keyvalue", Config: contracts.NewConfig(map[string]string{"url": "memory://"})}
	b, changed, err := s.Apply(ctx, remote)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, contracts.DefaultInstance, b.Instance)

	_, changed, err = s.Apply(ctx, remote)
	require.NoError(t, err)
	assert.False(t, changed, "identical apply is a no-op")
	assert.Len(t, rec.provisioned, 1)

	_, _, err = s.Apply(ctx, contracts.Binding{Actor: "MREMOTE", CapabilityID: "wascc:blobstore"})
	assert.ErrorIs(t, err, contracts.ErrProviderNotFound)
}

func TestStore_Unbind(t *testing.T) {
	rec := newRecorder()
	s := binding.NewStore(newWorld(), rec)
	ctx := context.Background()

	_, err := s.Unbind(ctx, "MA", "wascc:keyvalue")
	assert.ErrorIs(t, err, contracts.ErrNoSuchBinding)

	_, err = s.Bind(ctx, "MA", "wascc:keyvalue", "", nil)
	require.NoError(t, err)
	_, err = s.Bind(ctx, "MA", "wascc:messaging", "", nil)
	require.NoError(t, err)
	_, err = s.Bind(ctx, "MB", "wascc:keyvalue", "", nil)
	require.NoError(t, err)

	assert.Len(t, s.ForActor("MA"), 2)
	assert.Len(t, s.ForProvider("wascc:keyvalue", ""), 2)

	removed, err := s.RemoveActor(ctx, "MA")
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.Len(t, rec.released, 2)

	removed, err = s.RemoveProvider(ctx, "wascc:keyvalue", "default")
	require.NoError(t, err)
	assert.Len(t, removed, 1)
	assert.Empty(t, s.All())
}

func TestStore_PairsDoNotBlockEachOther(t *testing.T) {
	rec := newRecorder()
	gate := make(chan struct{})
	rec.block["MA"] = gate
	s := binding.NewStore(newWorld(), rec)
	ctx := context.Background()

	go func() {
		_, _ = s.Bind(ctx, "MA", "wascc:keyvalue", "", nil)
	}()

	done := make(chan struct{})
	go func() {
		_, err := s.Bind(ctx, "MB", "wascc:keyvalue", "", nil)
		assert.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bind on a different pair was blocked")
	}
	close(gate)
}

func TestStore_SamePairIsSerialized(t *testing.T) {
	rec := newRecorder()
	s := binding.NewStore(newWorld(), rec)
	ctx := context.Background()

	var wg sync.WaitGroup
	var n atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg := contracts.NewConfig(map[string]string{"n": string(rune('a' + i))})
			if _, err := s.Bind(ctx, "MA", "wascc:keyvalue", "", cfg); err == nil {
				n.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(20), n.Load())
	assert.Equal(t, 1, rec.maxActive["MA"])
	assert.Len(t, s.ForActor("MA"), 1)
}
