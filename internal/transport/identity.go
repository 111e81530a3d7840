package transport

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/solicitudes/internal/observability"
	"github.com/pitabwire/solicitudes/model"
)

type claimsKey struct{}

// WithClaims stores verified token claims in ctx.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom returns the claims stored by WithClaims.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// claimPaths resolves where each identity attribute lives in the token.
// Paths are dot-separated so nested provider claims can be addressed.
type claimPaths struct {
	subject, email, name, role, engineering string
}

func newClaimPaths(overrides map[string]string) claimPaths {
	pick := func(key, def string) string {
		if p := overrides[key]; p != "" {
			return p
		}
		return def
	}
	return claimPaths{
		subject:     pick("subject_id", "sub"),
		email:       pick("email", "email"),
		name:        pick("name", "name"),
		role:        pick("role", "role"),
		engineering: pick("engineering", "engineering"),
	}
}

// Identity turns the verified claims into the caller's model.RequestContext
// and a logger carrying the caller's identity. Callers that fail
// RequestContext.Authorize never reach the handler.
func Identity(overrides map[string]string, logger *zap.Logger) func(http.Handler) http.Handler {
	paths := newClaimPaths(overrides)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			caller := &model.RequestContext{
				SubjectID:     claimString(claims, paths.subject),
				Email:         claimString(claims, paths.email),
				DisplayName:   claimString(claims, paths.name),
				Role:          claimRole(claimAt(claims, paths.role)),
				Engineering:   model.Truthy(claimAt(claims, paths.engineering)),
				CorrelationID: CorrelationIDFrom(r.Context()),
				TraceID:       observability.TraceIDFromContext(r.Context()),
			}
			if err := caller.Authorize(); err != nil {
				WriteError(w, r, err)
				return
			}

			ctx := model.WithRequestContext(r.Context(), caller)
			ctx = observability.WithLogger(ctx, observability.RequestLogger(ctx, logger))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// claimAt walks path through nested claim objects.
func claimAt(claims map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var cur any = claims
	for part := range strings.SplitSeq(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func claimString(claims map[string]any, path string) string {
	s, _ := claimAt(claims, path).(string)
	return strings.TrimSpace(s)
}

// claimRole accepts the role code as a JSON number or a numeric string.
// Anything else is the zero role, which Authorize rejects.
func claimRole(v any) model.Role {
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
	}
	if n, ok := model.ToInt(v); ok {
		return model.Role(n)
	}
	return 0
}
