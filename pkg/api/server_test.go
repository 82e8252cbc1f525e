package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmCloud/wascc-host/pkg/api"
	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/host"
	"github.com/wasmCloud/wascc-host/pkg/identity"
	"github.com/wasmCloud/wascc-host/pkg/lattice"
	"github.com/wasmCloud/wascc-host/pkg/observability"
	"github.com/wasmCloud/wascc-host/pkg/provider/providertest"
)

const fakeCap = "wascc:messaging"

type upper struct{}

func (upper) HandleOperation(_ context.Context, op string, payload []byte) ([]byte, error) {
	if op == "Fail" {
		return nil, errors.New("boom")
	}
	return bytes.ToUpper(payload), nil
}

type env struct {
	host *host.Host
	srv  *httptest.Server
	pk   string
}

func newEnv(t *testing.T, cfg host.Config) *env {
	t.Helper()
	h, err := host.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	require.NoError(t, h.Start(context.Background()))

	iss, err := identity.NewIssuer()
	require.NoError(t, err)
	kp, err := nkeys.CreateUser()
	require.NoError(t, err)
	pk, err := kp.PublicKey()
	require.NoError(t, err)
	token, err := iss.IssueActor(pk, identity.ActorMetadata{Name: "upper", Capabilities: []string{fakeCap}}, time.Hour)
	require.NoError(t, err)
	_, err = h.AddActor(context.Background(), token, upper{})
	require.NoError(t, err)
	require.NoError(t, h.AddProvider(context.Background(), providertest.New(fakeCap), ""))

	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)
	srv := httptest.NewServer(api.NewServer(h, api.WithObservability(obs)).Handler())
	t.Cleanup(srv.Close)
	return &env{host: h, srv: srv, pk: pk}
}

func (e *env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestServer_HostAndInventory(t *testing.T) {
	e := newEnv(t, host.Config{Labels: map[string]string{"zone": "eu-1"}})

	resp := e.do(t, http.MethodGet, "/v1/host", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decodeBody[map[string]any](t, resp)
	assert.Equal(t, e.host.ID(), info["id"])
	assert.Equal(t, false, info["lattice"])

	resp = e.do(t, http.MethodGet, "/v1/inventory", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	inv := decodeBody[lattice.HostInventory](t, resp)
	assert.Equal(t, e.host.ID(), inv.HostID)
	assert.Equal(t, "eu-1", inv.Labels["zone"])
	require.Len(t, inv.Actors, 1)
	assert.Equal(t, e.pk, inv.Actors[0].PublicKey)

	resp = e.do(t, http.MethodPut, "/v1/host/labels/tier", map[string]string{"value": "gold"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "labels freeze on start")
}

func TestServer_ActorsAndProviders(t *testing.T) {
	e := newEnv(t, host.Config{})

	resp := e.do(t, http.MethodGet, "/v1/actors", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	actors := decodeBody[[]map[string]any](t, resp)
	require.Len(t, actors, 1)
	assert.Equal(t, e.pk, actors[0]["public_key"])
	assert.Equal(t, "upper", actors[0]["name"])

	resp = e.do(t, http.MethodGet, "/v1/providers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	providers := decodeBody[[]map[string]any](t, resp)
	var caps []any
	for _, p := range providers {
		caps = append(caps, p["capability_id"])
	}
	assert.Contains(t, caps, fakeCap)

	resp = e.do(t, http.MethodPost, "/v1/actors", map[string]string{"ref": "./echo.wasm"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no module source configured")

	resp = e.do(t, http.MethodPost, "/v1/actors", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/v1/providers/"+fakeCap, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodDelete, "/v1/providers/"+fakeCap, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/v1/actors/"+e.pk, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, e.host.Actors())
}

func TestServer_InvokeActor(t *testing.T) {
	e := newEnv(t, host.Config{})

	resp := e.do(t, http.MethodPost, "/v1/actors/"+e.pk+"/invoke/Shout", []byte("hello"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out bytes.Buffer
	_, err := out.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", out.String())

	resp = e.do(t, http.MethodPost, "/v1/actors/"+e.pk+"/invoke/Fail", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	problem := decodeBody[api.ProblemDetail](t, resp)
	assert.Equal(t, contracts.KindHandlerError, problem.Kind)
	assert.NotEmpty(t, problem.TraceID)

	resp = e.do(t, http.MethodPost, "/v1/actors/MNOBODY/invoke/Shout", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestServer_Bindings(t *testing.T) {
	e := newEnv(t, host.Config{})

	resp := e.do(t, http.MethodPost, "/v1/bindings", map[string]any{
		"actor":         e.pk,
		"capability_id": fakeCap,
		"values":        map[string]string{"topic": "orders"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	b := decodeBody[contracts.Binding](t, resp)
	assert.Equal(t, contracts.DefaultInstance, b.Instance)
	topic, _ := b.Config.Get("topic")
	assert.Equal(t, "orders", topic)

	resp = e.do(t, http.MethodGet, "/v1/bindings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]contracts.Binding](t, resp)
	var found bool
	for _, lb := range list {
		found = found || lb.CapabilityID == fakeCap
	}
	assert.True(t, found)

	resp = e.do(t, http.MethodPost, "/v1/bindings", map[string]any{"actor": e.pk, "capability_id": "wascc:blobstore"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/bindings", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/v1/bindings/"+e.pk+"/"+fakeCap, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodDelete, "/v1/bindings/"+e.pk+"/"+fakeCap, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_EventsAndHealth(t *testing.T) {
	e := newEnv(t, host.Config{})

	resp := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/v1/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	evs := decodeBody[[]map[string]any](t, resp)
	var types []any
	for _, ev := range evs {
		types = append(types, ev["type"])
	}
	assert.Contains(t, types, "ActorStarted")
}

func TestServer_LatticeWithoutTransport(t *testing.T) {
	e := newEnv(t, host.Config{})

	resp := e.do(t, http.MethodGet, "/v1/lattice/hosts", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/v1/lattice/auction", lattice.AuctionRequest{Kind: host.KindActor, Ref: "x"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_LatticeProbe(t *testing.T) {
	bus := lattice.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	e := newEnv(t, host.Config{Transport: bus, RPCTimeout: 100 * time.Millisecond, Labels: map[string]string{"region": "west"}})

	resp := e.do(t, http.MethodGet, "/v1/lattice/hosts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hosts := decodeBody[[]lattice.HostInventory](t, resp)
	require.Len(t, hosts, 1)
	assert.Equal(t, e.host.ID(), hosts[0].HostID)

	resp = e.do(t, http.MethodGet, "/v1/lattice/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/lattice/auction", lattice.AuctionRequest{
		Kind: host.KindActor, Ref: "./a.wasm", Constraints: map[string]string{"region": "west"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bids := decodeBody[[]lattice.AuctionBid](t, resp)
	require.Len(t, bids, 1)
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/inventory", nil)
	api.WriteInternal(w, r, errors.New("sql: connection refused to host=10.0.0.1"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var problem api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.NotContains(t, problem.Detail, "10.0.0.1")
	assert.Equal(t, "/v1/inventory", problem.Instance)
}
