package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"
)

// RouteSpanNameFormatter names otelhttp server spans "<METHOD> <route pattern>"
// so /api/bundles/{id} produces one span name rather than one per id.
func RouteSpanNameFormatter(routes chi.Routes) func(string, *http.Request) string {
	return func(operation string, r *http.Request) string {
		if route := matchRoutePattern(routes, r); route != "" {
			return r.Method + " " + route
		}
		return operation
	}
}

// RouteAttribute tags the active span with the matched route once chi has
// resolved it. Mount it inside the router.
func RouteAttribute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if route := rctx.RoutePattern(); route != "" {
				trace.SpanFromContext(r.Context()).SetAttributes(semconv.HTTPRoute(route))
			}
		}
	})
}

func matchRoutePattern(routes chi.Routes, r *http.Request) string {
	if r == nil || routes == nil {
		return ""
	}
	rctx := chi.NewRouteContext()
	if routes.Match(rctx, r.Method, r.URL.Path) {
		return rctx.RoutePattern()
	}
	return ""
}
