// Package auth gates every fleetforge endpoint behind an OPA policy
// evaluation, following the same bearer-token-to-rego-query pattern the
// rest of the diwise stack uses, adapted to fleetforge's single
// ownership boundary: an organization id rather than a list of tenant
// names.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/jwtauth/v5"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
)

type organizationContextKey struct {
	name string
}

var orgCtxKey = &organizationContextKey{"organization-id"}

var tracer = otel.Tracer("fleetforge/authz")

// NewAuthenticator builds chi middleware that evaluates every request
// against the rego module in policies and, on success, stores the
// organization id the policy grants access to in the request context.
// The raw bearer token is always forwarded to the policy as "token".
// jwtSecret configures HS256 verification of that token, whose claims
// are forwarded as "claims"; a nil secret skips verification and
// forwards empty claims, for deployments that terminate JWT
// verification upstream.
func NewAuthenticator(ctx context.Context, policies io.Reader, jwtSecret []byte) (func(http.Handler) http.Handler, error) {
	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %w", err)
	}

	query, err := rego.New(
		rego.Query("x = data.fleetforge.authz.allow"),
		rego.Module("fleetforge.rego", string(module)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	var tokenAuth *jwtauth.JWTAuth
	if len(jwtSecret) > 0 {
		tokenAuth = jwtauth.New("HS256", jwtSecret, nil)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var err error

			_, span := tracer.Start(r.Context(), "check-auth")
			defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

			logger := logging.GetFromContext(r.Context())

			token := r.Header.Get("Authorization")
			if token == "" || !strings.HasPrefix(token, "Bearer ") {
				err = errors.New("authorization header missing")
				logger.Info(err.Error())
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			path := strings.Split(r.URL.Path, "/")
			bearer := token[7:]

			input := map[string]any{
				"method": r.Method,
				"path":   path[1:],
				"token":  bearer,
				"claims": claimsOf(tokenAuth, bearer, logger),
			}

			results, err := query.Eval(r.Context(), rego.EvalInput(input))
			if err != nil {
				logger.Error("opa eval failed", "err", err.Error())
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if len(results) == 0 {
				err = errors.New("opa query could not be satisfied")
				logger.Error("auth failed", "err", err.Error())
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			binding := results[0].Bindings["x"]

			allowed, ok := binding.(bool)
			if ok && !allowed {
				err = errors.New("authorization failed")
				logger.Warn(err.Error())
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			result, ok := binding.(map[string]any)
			if !ok {
				err = errors.New("unexpected result type from authz policy")
				logger.Error("opa error", "err", err.Error())
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			orgAny, ok := result["organization_id"]
			if !ok {
				err = errors.New("authz policy result carries no organization_id")
				logger.Error("opa error", "err", err.Error())
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			orgID, ok := asUint(orgAny)
			if !ok {
				err = errors.New("authz policy's organization_id is not numeric")
				logger.Error("opa error", "err", err.Error())
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), orgCtxKey, orgID)
			r = r.WithContext(ctx)

			next.ServeHTTP(w, r)
		})
	}, nil
}

// claimsOf decodes and verifies bearer against tokenAuth, returning its
// private claims. A nil tokenAuth (no secret configured) or a token
// that fails verification yields an empty claims map rather than
// failing the request outright; the rego policy decides whether a
// missing organization_id binding is fatal.
func claimsOf(tokenAuth *jwtauth.JWTAuth, bearer string, logger logging.Logger) map[string]any {
	if tokenAuth == nil {
		return map[string]any{}
	}

	tok, err := tokenAuth.Decode(bearer)
	if err != nil {
		logger.Info(fmt.Sprintf("could not verify bearer token: %s", err.Error()))
		return map[string]any{}
	}

	claims, err := tok.AsMap(context.Background())
	if err != nil {
		logger.Info(fmt.Sprintf("could not read token claims: %s", err.Error()))
		return map[string]any{}
	}

	return claims
}

func asUint(v any) (uint, bool) {
	switch n := v.(type) {
	case float64:
		return uint(n), true
	case int:
		return uint(n), true
	case string:
		parsed, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return uint(parsed), true
	default:
		return 0, false
	}
}

// OrganizationIDFromContext extracts the organization id an
// authenticated request was granted access to.
func OrganizationIDFromContext(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(orgCtxKey).(uint)
	return id, ok
}
