// Package api implements the HTTP surface the core dictates: compiler
// creation, forced rebuilds, compilation listing, OTA delivery and the
// two compiler-scoped sensor display properties.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/internet-of-plants/fleetforge/internal/pkg/application"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/domainerr"
	"github.com/internet-of-plants/fleetforge/internal/pkg/presentation/api/auth"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("fleetforge/api")

func RegisterHandlers(log zerolog.Logger, router *chi.Mux, policies io.Reader, jwtSecret []byte, app application.FleetManagement) *chi.Mux {
	router.Get("/health", healthHandler())

	router.Route("/v1", func(r chi.Router) {
		authenticator, err := auth.NewAuthenticator(context.Background(), policies, jwtSecret)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create api authenticator")
		}
		r.Use(authenticator)

		r.Post("/compiler", createCompilerHandler(log, app))
		r.Post("/compile/{id}", forceRebuildHandler(log, app))
		r.Get("/compilations", listCompilationsHandler(log, app))
		r.Get("/firmware", otaHandler(log, app))
		r.Post("/sensor/alias", setSensorAliasHandler(log, app))
		r.Post("/sensor/color", setSensorColorHandler(log, app))
	})

	return router
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func createCompilerHandler(log zerolog.Logger, app application.FleetManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "create-compiler")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		organizationID, ok := auth.OrganizationIDFromContext(ctx)
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to read body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var reqBody newCompilerRequestBody
		if err = json.Unmarshal(body, &reqBody); err != nil {
			requestLogger.Error().Err(err).Msg("unable to unmarshal body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		view, err := app.CreateCompiler(ctx, reqBody.toDomain(organizationID))
		if err != nil {
			writeDomainError(w, requestLogger, "unable to create compiler", err)
			return
		}

		writeJSON(w, http.StatusCreated, toCompilationView(view))
	}
}

func forceRebuildHandler(log zerolog.Logger, app application.FleetManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "force-rebuild")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		id, err := parseURLUint(r, "id")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		view, err := app.ForceRebuild(ctx, id)
		if err != nil {
			writeDomainError(w, requestLogger, "unable to force rebuild", err)
			return
		}

		writeJSON(w, http.StatusOK, toCompilationView(view))
	}
}

func listCompilationsHandler(log zerolog.Logger, app application.FleetManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "list-compilations")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		views, err := app.ListCompilations(ctx)
		if err != nil {
			writeDomainError(w, requestLogger, "unable to list compilations", err)
			return
		}

		out := make([]compilationView, 0, len(views))
		for _, v := range views {
			out = append(out, toCompilationView(v))
		}

		writeJSON(w, http.StatusOK, out)
	}
}

// otaHandler implements the OTA delivery contract: the device's MAC
// travels in the x-ESP8266-device-mac header (a request without it is
// answered 401), and its reported firmware hash travels in the
// x-ESP8266-sketch-md5 header.
func otaHandler(log zerolog.Logger, app application.FleetManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "ota-check")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		mac := r.Header.Get("x-ESP8266-device-mac")
		reportedHash := r.Header.Get("x-ESP8266-sketch-md5")
		if mac == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		update, err := app.CheckForUpdate(ctx, mac, reportedHash)
		if err != nil {
			if errors.Is(err, domainerr.ErrNoUpdateAvailable) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			if errors.Is(err, domainerr.ErrNoBinaryAvailable) || errors.Is(err, domainerr.ErrNothingFound) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			requestLogger.Error().Err(err).Msg("ota check failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		for k, v := range update.Headers() {
			w.Header().Set(k, v)
		}
		w.WriteHeader(http.StatusOK)
		w.Write(update.Binary)
	}
}

func setSensorAliasHandler(log zerolog.Logger, app application.FleetManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "set-sensor-alias")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		var body aliasRequest
		if err = json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err = app.SetSensorAlias(ctx, body.DeviceID, body.SensorID, body.Alias); err != nil {
			writeDomainError(w, requestLogger, "unable to set sensor alias", err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func setSensorColorHandler(log zerolog.Logger, app application.FleetManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "set-sensor-color")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		var body colorRequest
		if err = json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err = app.SetSensorColor(ctx, body.DeviceID, body.SensorID, body.Color); err != nil {
			writeDomainError(w, requestLogger, "unable to set sensor color", err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func parseURLUint(r *http.Request, param string) (uint, error) {
	raw := chi.URLParam(r, param)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", param, err)
	}
	return uint(v), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	b, err := json.Marshal(ApiResponse{Data: data})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

// writeDomainError maps the domain's sentinel errors to the HTTP
// statuses the error handling design assigns them; anything
// unrecognized is an infrastructure error and becomes a 500.
func writeDomainError(w http.ResponseWriter, log zerolog.Logger, msg string, err error) {
	log.Error().Err(err).Msg(msg)

	switch {
	case errors.Is(err, domainerr.ErrUnauthorized):
		w.WriteHeader(http.StatusUnauthorized)
	case errors.Is(err, domainerr.ErrForbidden):
		w.WriteHeader(http.StatusForbidden)
	case errors.Is(err, domainerr.ErrNothingFound), errors.Is(err, domainerr.ErrNoCollectionForCompiler):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, domainerr.ErrInvalidValType),
		errors.Is(err, domainerr.ErrIntegerOutOfRange),
		errors.Is(err, domainerr.ErrInvalidMoment),
		errors.Is(err, domainerr.ErrInvalidSelection),
		errors.Is(err, domainerr.ErrInvalidTimezone),
		errors.Is(err, domainerr.ErrInvalidName),
		errors.Is(err, domainerr.ErrDuplicatedConfig),
		errors.Is(err, domainerr.ErrDuplicatedKey),
		errors.Is(err, domainerr.ErrWrongSensorKind),
		errors.Is(err, domainerr.ErrNoVariableNameForReferencedSensor),
		errors.Is(err, domainerr.ErrWrongTargetPrototype):
		w.WriteHeader(http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}
