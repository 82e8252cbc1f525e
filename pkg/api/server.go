package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/host"
	"github.com/wasmCloud/wascc-host/pkg/lattice"
	"github.com/wasmCloud/wascc-host/pkg/observability"
)

const maxBody = 4 << 20

// Server exposes a Host over HTTP.
type Server struct {
	host   *host.Host
	obs    *observability.Provider
	r      *chi.Mux
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithObservability traces and counts every request.
func WithObservability(p *observability.Provider) Option {
	return func(s *Server) { s.obs = p }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer builds the router for h.
func NewServer(h *host.Host, opts ...Option) *Server {
	s := &Server{
		host:   h,
		r:      chi.NewRouter(),
		logger: slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Recoverer)
	s.r.Use(s.track)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })

	s.r.Route("/v1", func(r chi.Router) {
		r.Get("/host", s.getHost)
		r.Put("/host/labels/{key}", s.putLabel)
		r.Get("/inventory", s.getInventory)
		r.Get("/events", s.getEvents)

		r.Get("/actors", s.getActors)
		r.Post("/actors", s.postActor)
		r.Delete("/actors/{actor}", s.deleteActor)
		r.Post("/actors/{actor}/invoke/{operation}", s.invokeActor)

		r.Get("/providers", s.getProviders)
		r.Post("/providers", s.postProvider)
		r.Delete("/providers/{capability}", s.deleteProvider)

		r.Get("/bindings", s.getBindings)
		r.Post("/bindings", s.postBinding)
		r.Delete("/bindings/{actor}/{capability}", s.deleteBinding)

		r.Get("/lattice/{kind}", s.probe)
		r.Post("/lattice/auction", s.auction)
		r.Post("/lattice/schedule", s.schedule)
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.r }

// ListenAndServe serves on addr until ctx is done, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.InfoContext(ctx, "control api listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// track records a span and request metrics per route pattern.
func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.obs == nil {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx, done := s.obs.TrackOperation(r.Context(), r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method))
		next.ServeHTTP(ww, r.WithContext(ctx))
		var err error
		if ww.Status() >= http.StatusInternalServerError {
			err = &ProblemDetail{Title: http.StatusText(ww.Status()), Status: ww.Status()}
		}
		done(err)
	})
}

type hostInfo struct {
	ID        string            `json:"id"`
	Namespace string            `json:"namespace,omitempty"`
	Labels    map[string]string `json:"labels"`
	Lattice   bool              `json:"lattice"`
}

func (s *Server) getHost(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, hostInfo{
		ID:        s.host.ID(),
		Namespace: s.host.Namespace(),
		Labels:    s.host.Labels(),
		Lattice:   s.host.Lattice() != nil,
	})
}

func (s *Server) putLabel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value string `json:"value"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.host.SetLabel(chi.URLParam(r, "key"), body.Value); err != nil {
		writeHostError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getInventory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Inventory())
}

func (s *Server) getEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Events())
}

type actorInfo struct {
	PublicKey    string    `json:"public_key"`
	Name         string    `json:"name,omitempty"`
	Issuer       string    `json:"issuer"`
	Capabilities []string  `json:"capabilities"`
	ModuleID     string    `json:"module_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

func (s *Server) getActors(w http.ResponseWriter, _ *http.Request) {
	out := []actorInfo{}
	for _, rec := range s.host.Actors() {
		out = append(out, actorInfo{
			PublicKey:    rec.PublicKey,
			Name:         rec.Claims.Name,
			Issuer:       rec.Claims.Issuer,
			Capabilities: rec.Claims.Capabilities,
			ModuleID:     rec.ModuleID,
			StartedAt:    rec.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type refRequest struct {
	Ref      string `json:"ref"`
	Instance string `json:"instance,omitempty"`
}

func (s *Server) postActor(w http.ResponseWriter, r *http.Request) {
	var req refRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Ref == "" {
		WriteBadRequest(w, r, "Missing required field: ref")
		return
	}
	claims, err := s.host.AddActorFromRef(r.Context(), req.Ref)
	if err != nil {
		writeHostError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, claims)
}

func (s *Server) deleteActor(w http.ResponseWriter, r *http.Request) {
	if err := s.host.RemoveActor(r.Context(), chi.URLParam(r, "actor")); err != nil {
		writeHostError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// invokeActor passes the raw body to the actor and returns its raw output.
func (s *Server) invokeActor(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}
	out, err := s.host.CallActor(r.Context(), chi.URLParam(r, "actor"), chi.URLParam(r, "operation"), payload)
	if err != nil {
		writeHostError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(out)
}

type providerInfo struct {
	CapabilityID string                       `json:"capability_id"`
	Instance     string                       `json:"instance"`
	Descriptor   contracts.ProviderDescriptor `json:"descriptor"`
	LoadedAt     time.Time                    `json:"loaded_at"`
}

func (s *Server) getProviders(w http.ResponseWriter, _ *http.Request) {
	out := []providerInfo{}
	for _, rec := range s.host.Providers() {
		out = append(out, providerInfo{
			CapabilityID: rec.Entity.CapabilityID(),
			Instance:     rec.Entity.Instance(),
			Descriptor:   rec.Descriptor,
			LoadedAt:     rec.LoadedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) postProvider(w http.ResponseWriter, r *http.Request) {
	var req refRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Ref == "" {
		WriteBadRequest(w, r, "Missing required field: ref")
		return
	}
	desc, err := s.host.AddProviderFromRef(r.Context(), req.Ref, req.Instance)
	if err != nil {
		writeHostError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

func (s *Server) deleteProvider(w http.ResponseWriter, r *http.Request) {
	err := s.host.RemoveProvider(r.Context(), chi.URLParam(r, "capability"), r.URL.Query().Get("instance"))
	if err != nil {
		writeHostError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getBindings(w http.ResponseWriter, _ *http.Request) {
	out := s.host.Bindings()
	if out == nil {
		out = []contracts.Binding{}
	}
	writeJSON(w, http.StatusOK, out)
}

type bindRequest struct {
	Actor        string            `json:"actor"`
	CapabilityID string            `json:"capability_id"`
	Instance     string            `json:"instance,omitempty"`
	Values       map[string]string `json:"values,omitempty"`
}

func (s *Server) postBinding(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Actor == "" || req.CapabilityID == "" {
		WriteBadRequest(w, r, "Missing required fields: actor, capability_id")
		return
	}
	b, err := s.host.Bind(r.Context(), req.Actor, req.CapabilityID, req.Instance, req.Values)
	if err != nil {
		writeHostError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) deleteBinding(w http.ResponseWriter, r *http.Request) {
	if err := s.host.Unbind(r.Context(), chi.URLParam(r, "actor"), chi.URLParam(r, "capability")); err != nil {
		writeHostError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) coordinator(w http.ResponseWriter, r *http.Request) *lattice.Coordinator {
	c := s.host.Lattice()
	if c == nil {
		writeHostError(w, r, lattice.ErrNotStarted)
	}
	return c
}

func (s *Server) probe(w http.ResponseWriter, r *http.Request) {
	c := s.coordinator(w, r)
	if c == nil {
		return
	}
	kind := lattice.InventoryKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		WriteNotFound(w, r, "Unknown inventory kind")
		return
	}
	out, err := c.Probe(r.Context(), kind)
	if err != nil {
		writeHostError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) auction(w http.ResponseWriter, r *http.Request) {
	c := s.coordinator(w, r)
	if c == nil {
		return
	}
	var req lattice.AuctionRequest
	if !decode(w, r, &req) {
		return
	}
	bids, err := c.Auction(r.Context(), req)
	if err != nil {
		writeHostError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bids)
}

type scheduleRequest struct {
	Command     lattice.LaunchCommand `json:"command"`
	Constraints map[string]string     `json:"constraints,omitempty"`
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	if s.coordinator(w, r) == nil {
		return
	}
	var req scheduleRequest
	if !decode(w, r, &req) {
		return
	}
	winner, err := s.host.Schedule(r.Context(), req.Command, req.Constraints)
	if err != nil {
		writeHostError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"host_id": winner})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}
