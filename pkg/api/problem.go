// Package api serves the host control API: inventory, bindings, invocation
// and lattice queries over HTTP. Errors use RFC 7807 problem details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/wasmCloud/wascc-host/pkg/authz"
	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/host"
	"github.com/wasmCloud/wascc-host/pkg/lattice"
)

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Kind is the invocation error kind when the failure came from the router.
	Kind    contracts.ErrorKind `json:"kind,omitempty"`
	TraceID string              `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes a problem detail response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("https://wascc.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  middleware.GetReqID(r.Context()),
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteInternal writes a 500 error response. err is logged, never returned
// to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error", "error", err, "path", r.URL.Path)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred.")
}

// statusFor maps host errors onto HTTP statuses. Unknown errors are 500.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, contracts.ErrActorNotFound),
		errors.Is(err, contracts.ErrProviderNotFound),
		errors.Is(err, contracts.ErrNoSuchBinding):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, contracts.ErrNoBinding),
		errors.Is(err, contracts.ErrInvalidClaims),
		errors.Is(err, contracts.ErrInvalidDescriptor),
		errors.Is(err, host.ErrInvalidConfig),
		errors.Is(err, host.ErrReservedLabel):
		return http.StatusBadRequest, "Bad Request"
	case errors.Is(err, contracts.ErrUnauthorized),
		errors.Is(err, contracts.ErrForged),
		errors.Is(err, authz.ErrAdmissionDenied):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, host.ErrLabelsFrozen):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, contracts.ErrTimeout):
		return http.StatusGatewayTimeout, "Gateway Timeout"
	case errors.Is(err, contracts.ErrHandlerError):
		return http.StatusBadGateway, "Bad Gateway"
	case errors.Is(err, lattice.ErrNotStarted), errors.Is(err, host.ErrNotStarted),
		errors.Is(err, host.ErrStopped), errors.Is(err, host.ErrNoModules), errors.Is(err, host.ErrNoEngine):
		return http.StatusServiceUnavailable, "Service Unavailable"
	}
	return http.StatusInternalServerError, ""
}

// writeHostError writes err with the status it maps to.
func writeHostError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := statusFor(err)
	if status == http.StatusInternalServerError {
		WriteInternal(w, r, err)
		return
	}
	p := &ProblemDetail{
		Type:     fmt.Sprintf("https://wascc.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
		TraceID:  middleware.GetReqID(r.Context()),
	}
	var ie *contracts.InvocationError
	if errors.As(err, &ie) {
		p.Kind = ie.Kind
	}
	writeProblem(w, p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
