package apiserver

import (
	"time"

	"github.com/steambundleapi/bundleapi/internal/bundles"
)

// GracefulShutdownTimeout is the duration to wait for graceful shutdown
const GracefulShutdownTimeout = 5 * time.Second

const (
	RouteBundles     = "/api/bundles"
	RouteBundle      = "/api/bundles/{id}"
	RouteStatus      = "/api/status"
	RouteAdminPrefix = "/api/"
)

// AdminPath is the route that triggers op.
func AdminPath(op bundles.Operation) string {
	return RouteAdminPrefix + string(op)
}

// AdminPaths lists the administrative routes in a stable order.
func AdminPaths() []string {
	paths := make([]string, 0, len(bundles.Operations))
	for _, op := range bundles.Operations {
		paths = append(paths, AdminPath(op))
	}
	return paths
}
