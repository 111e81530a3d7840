package model

import (
	"context"
	"fmt"
)

// RequestContext is the authenticated caller of one HTTP request, built
// from verified token claims before any handler runs and read-only after.
type RequestContext struct {
	SubjectID     string
	Email         string
	DisplayName   string
	Role          Role
	Engineering   bool
	CorrelationID string
	TraceID       string
}

// Authorize reports whether the caller may use the API at all: a token
// without a subject is UNAUTHORIZED, one whose role code is outside the
// role table is FORBIDDEN. Per-state permissions are checked later by the
// approval machine.
func (rc *RequestContext) Authorize() error {
	if rc == nil || rc.SubjectID == "" {
		return NewUnauthorizedError("Token has no subject")
	}
	if !rc.Role.Valid() {
		return NewForbiddenError(fmt.Sprintf("Role %d is not recognised", rc.Role))
	}
	return nil
}

// Actor is the caller as recorded on workflow events.
func (rc *RequestContext) Actor() Actor {
	return Actor{
		UID:         rc.SubjectID,
		Email:       rc.Email,
		DisplayName: rc.DisplayName,
		Role:        rc.Role,
		Engineering: rc.Engineering,
	}
}

type requestContextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the caller attached to ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}
