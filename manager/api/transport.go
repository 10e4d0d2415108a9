package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/medhive/coordinator/manager"
	pkgerrors "github.com/medhive/coordinator/pkg/errors"
)

const (
	headerClientID        = "X-Client-ID"
	headerSignature       = "X-Signature"
	headerTrainingMetrics = "X-Training-Metrics"
	headerModelVersion    = "X-Model-Version"

	maxUploadBytes = 64 << 20

	backlogTimeout = 500 * time.Millisecond
)

// MakeHandler wires the coordinator's HTTP surface. Administrative round
// operations sit behind the auth middleware's admin role, client-facing
// operations behind any valid token. API requests share a bounded concurrency
// budget; when it and its backlog are exhausted, requests are rejected with a
// retryable 503. Health and metrics stay outside the budget.
func MakeHandler(svc manager.Service, auth *Authorizer, concurrency int) http.Handler {
	if concurrency <= 0 {
		concurrency = manager.DefaultWorkers
	}

	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(encodeError),
	}

	mux := chi.NewRouter()

	mux.Group(func(api chi.Router) {
		api.Use(middleware.ThrottleWithOpts(middleware.ThrottleOpts{
			Limit:          concurrency,
			BacklogLimit:   4 * concurrency,
			BacklogTimeout: backlogTimeout,
			StatusCode:     http.StatusServiceUnavailable,
		}))

		registerRoutes(api, svc, auth, opts)
	})

	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(okRes{Status: "ok"})
	})
	mux.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(mux, "coordinator")
}

func registerRoutes(mux chi.Router, svc manager.Service, auth *Authorizer, opts []kithttp.ServerOption) {
	mux.Route("/clients", func(r chi.Router) {
		r.Use(auth.RequireToken)

		r.Post("/", kithttp.NewServer(
			makeRegisterClientEndpoint(svc),
			decodeRegisterClientRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Post("/{client_id}/ping", kithttp.NewServer(
			makePingClientEndpoint(svc),
			decodeClientRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Get("/{client_id}/rounds", kithttp.NewServer(
			makeListRoundsEndpoint(svc),
			decodeClientRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
	})

	mux.Route("/rounds", func(r chi.Router) {
		r.With(auth.RequireRole(RoleAdmin)).Post("/", kithttp.NewServer(
			makeCreateRoundEndpoint(svc),
			decodeCreateRoundRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.With(auth.RequireRole(RoleAdmin)).Post("/{round_id}/select", kithttp.NewServer(
			makeSelectClientsEndpoint(svc),
			decodeRoundRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.With(auth.RequireRole(RoleAdmin)).Post("/{round_id}/start", kithttp.NewServer(
			makeStartRoundEndpoint(svc),
			decodeRoundRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.With(auth.RequireRole(RoleAdmin)).Delete("/{round_id}", kithttp.NewServer(
			makePurgeRoundEndpoint(svc),
			decodeRoundRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)

		r.With(auth.RequireToken).Post("/{round_id}/join", kithttp.NewServer(
			makeJoinRoundEndpoint(svc),
			decodeParticipantRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.With(auth.RequireToken).Post("/{round_id}/decline", kithttp.NewServer(
			makeDeclineRoundEndpoint(svc),
			decodeParticipantRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.With(auth.RequireToken).Post("/{round_id}/upload", kithttp.NewServer(
			makeUploadModelEndpoint(svc),
			decodeUploadRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.With(auth.RequireToken).Get("/{round_id}", kithttp.NewServer(
			makeRoundStatusEndpoint(svc),
			decodeRoundRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
	})

	mux.With(auth.RequireToken).Get("/blobs/{ref}", kithttp.NewServer(
		makeGetBlobEndpoint(svc),
		decodeBlobRequest,
		encodeModelResponse,
		opts...,
	).ServeHTTP)

	mux.Route("/models/{model_kind}", func(r chi.Router) {
		r.Use(auth.RequireToken)

		r.Get("/global", kithttp.NewServer(
			makeGlobalModelEndpoint(svc),
			decodeGlobalModelRequest,
			encodeModelResponse,
			opts...,
		).ServeHTTP)
		r.Get("/versions", kithttp.NewServer(
			makeListVersionsEndpoint(svc),
			decodeGlobalModelRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
	})
}

func decodeRegisterClientRequest(_ context.Context, r *http.Request) (interface{}, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return nil, fmt.Errorf("%w: unsupported content type", pkgerrors.ErrValidation)
	}

	var req registerClientReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrValidation, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	return req, nil
}

func decodeClientRequest(_ context.Context, r *http.Request) (interface{}, error) {
	req := clientReq{
		ClientID:  chi.URLParam(r, "client_id"),
		ModelKind: r.URL.Query().Get("model_kind"),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	return req, nil
}

func decodeCreateRoundRequest(_ context.Context, r *http.Request) (interface{}, error) {
	var req createRoundReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrValidation, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	return req, nil
}

func decodeRoundRequest(_ context.Context, r *http.Request) (interface{}, error) {
	req := roundReq{RoundID: chi.URLParam(r, "round_id")}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	return req, nil
}

func decodeParticipantRequest(_ context.Context, r *http.Request) (interface{}, error) {
	req := participantReq{RoundID: chi.URLParam(r, "round_id")}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrValidation, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	return req, nil
}

func decodeUploadRequest(_ context.Context, r *http.Request) (interface{}, error) {
	blob, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrValidation, err)
	}

	req := uploadReq{
		RoundID:  chi.URLParam(r, "round_id"),
		ClientID: r.Header.Get(headerClientID),
		Blob:     blob,
	}

	if sig := r.Header.Get(headerSignature); sig != "" {
		req.Signature, err = base64.StdEncoding.DecodeString(sig)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed signature encoding", pkgerrors.ErrValidation)
		}
	}
	if raw := r.Header.Get(headerTrainingMetrics); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.TrainingMetrics); err != nil {
			return nil, fmt.Errorf("%w: malformed training metrics", pkgerrors.ErrValidation)
		}
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	return req, nil
}

func decodeBlobRequest(_ context.Context, r *http.Request) (interface{}, error) {
	ref := chi.URLParam(r, "ref")
	if ref == "" {
		return nil, fmt.Errorf("%w: blob ref is required", pkgerrors.ErrValidation)
	}

	return ref, nil
}

func decodeGlobalModelRequest(_ context.Context, r *http.Request) (interface{}, error) {
	req := globalModelReq{ModelKind: chi.URLParam(r, "model_kind")}

	if raw := r.URL.Query().Get("version"); raw != "" {
		version, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: version must be an integer", pkgerrors.ErrValidation)
		}
		req.Version = version
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	return req, nil
}

func encodeResponse(_ context.Context, w http.ResponseWriter, response interface{}) error {
	w.Header().Set("Content-Type", "application/json")

	return json.NewEncoder(w).Encode(response)
}

func encodeModelResponse(_ context.Context, w http.ResponseWriter, response interface{}) error {
	res := response.(globalModelRes)

	w.Header().Set("Content-Type", "application/octet-stream")
	if res.Version > 0 {
		w.Header().Set(headerModelVersion, strconv.Itoa(res.Version))
	}
	_, err := w.Write(res.Data)

	return err
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFromError(err))
	json.NewEncoder(w).Encode(errorRes{Error: err.Error()})
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrValidation), errors.Is(err, pkgerrors.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, pkgerrors.ErrUnauthorized), errors.Is(err, pkgerrors.ErrNotInitialized):
		return http.StatusUnauthorized
	case errors.Is(err, pkgerrors.ErrNotEligible), errors.Is(err, pkgerrors.ErrSignatureInvalid):
		return http.StatusForbidden
	case errors.Is(err, pkgerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrConflict), errors.Is(err, pkgerrors.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, pkgerrors.ErrPreconditionFailed),
		errors.Is(err, pkgerrors.ErrInsufficientCandidates),
		errors.Is(err, pkgerrors.ErrNoPredecessor):
		return http.StatusPreconditionFailed
	case errors.Is(err, pkgerrors.ErrSchemaMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pkgerrors.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
