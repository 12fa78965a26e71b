// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// operationKey is the context key naming the outbound bridge call in flight.
	operationKey contextKey = "bridge_operation"
)

// Surfaces group routes for low-cardinality metrics.
const (
	SurfaceAPI      = "api"
	SurfaceCallback = "callback"
	SurfaceEvents   = "events"
	SurfaceAudio    = "audio"
	SurfaceOps      = "ops"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Surface   string
	Endpoint  string
	ErrorCode int
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetSurface sets the route group for metrics and logging.
func SetSurface(r *http.Request, surface string) {
	if tags := GetTags(r); tags != nil {
		tags.Surface = surface
	}
}

// SetEndpoint sets the endpoint name for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetErrorCode records the application error code carried in the response
// envelope. HTTP status alone says nothing since the API always answers 200.
func SetErrorCode(r *http.Request, code int) {
	if tags := GetTags(r); tags != nil {
		tags.ErrorCode = code
	}
}

// WithOperation returns a context naming the bridge operation being performed.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey, op)
}

// OperationFromContext retrieves the bridge operation name, or "" if unset.
func OperationFromContext(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok {
		return op
	}
	return ""
}
