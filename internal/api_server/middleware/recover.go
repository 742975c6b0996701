package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
)

// Recoverer converts handler panics into InternalError responses. The panic
// value and stack are logged always and returned to the caller only outside
// production.
func (h *ErrorHandler) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}

			stack := debug.Stack()
			requestLogger(r, h.log).
				WithField("panic", rvr).
				Errorf("panic serving %s %s\n%s", r.Method, r.URL.Path, stack)

			if r.Header.Get("Connection") != "Upgrade" {
				WriteError(w, h.internal(fmt.Sprint(rvr), stack))
			}
		}()

		next.ServeHTTP(w, r)
	})
}
