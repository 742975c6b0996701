package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/steambundleapi/bundleapi/pkg/log"
)

const adminMarker = "[ADMIN]"

func requestLogger(r *http.Request, inner logrus.FieldLogger) logrus.FieldLogger {
	return log.WithReqIDFromCtx(r.Context(), inner)
}

// AdminPaths reports whether a request path is administrative.
type AdminPaths map[string]struct{}

func NewAdminPaths(paths ...string) AdminPaths {
	set := make(AdminPaths, len(paths))
	for _, p := range paths {
		set[strings.TrimRight(p, "/")] = struct{}{}
	}
	return set
}

func (a AdminPaths) Contains(path string) bool {
	_, ok := a[strings.TrimRight(path, "/")]
	return ok
}

// RequestLogger logs method, path, status and latency once per request after
// the response has been written. Administrative paths are marked with
// [ADMIN] and the caller's IP. It must be installed outside every stage that can reject.
func RequestLogger(logger logrus.FieldLogger, admin AdminPaths, observer RequestObserver) func(http.Handler) http.Handler {
	if observer == nil {
		observer = nopRecorder{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				elapsed := time.Since(start)
				observer.ObserveRequest(r.Method, status, elapsed)

				reqLog := requestLogger(r, logger).WithFields(logrus.Fields{
					"method":   r.Method,
					"path":     r.URL.Path,
					"status":   status,
					"duration": elapsed.String(),
					"bytes":    ww.BytesWritten(),
				})
				if admin.Contains(r.URL.Path) {
					ip := clientIP(r)
					reqLog.WithFields(logrus.Fields{"admin": true, "ip": ip}).
						Infof("%s %s %s %d %s from %s", adminMarker, r.Method, r.URL.Path, status, elapsed, ip)
					return
				}
				reqLog.Infof("%s %s %d %s", r.Method, r.URL.Path, status, elapsed)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
