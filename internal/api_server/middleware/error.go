package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/steambundleapi/bundleapi/internal/apierrors"
)

// WriteJSON writes v as the JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as {"error", "message", ...context}.
func WriteError(w http.ResponseWriter, err *apierrors.Error) {
	WriteJSON(w, err.StatusCode(), err)
}

// NotFound answers unmatched routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, apierrors.NotFound(fmt.Sprintf("route not found: %s %s", r.Method, r.URL.Path)))
}

// MethodNotAllowed answers known routes hit with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, apierrors.New(apierrors.KindMethodNotAllowed,
		fmt.Sprintf("method %s is not allowed on %s", r.Method, r.URL.Path)))
}

// HandlerFunc is an http handler that reports failures as errors.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// ErrorHandler turns handler errors into JSON responses. Caller errors
// (*apierrors.Error of a non-internal kind) are written as is. Anything else is
// an InternalError whose detail is only disclosed outside production.
type ErrorHandler struct {
	production bool
	log        logrus.FieldLogger
}

func NewErrorHandler(production bool, log logrus.FieldLogger) *ErrorHandler {
	return &ErrorHandler{production: production, log: log}
}

func (h *ErrorHandler) Wrap(fn HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			h.Write(w, r, err)
		}
	}
}

// Write reports err to the caller.
func (h *ErrorHandler) Write(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierrors.From(err)
	if apiErr.Kind != apierrors.KindInternal {
		WriteError(w, apiErr)
		return
	}

	reqLog := requestLogger(r, h.log)
	reqLog.WithError(err).Errorf("unhandled error serving %s %s", r.Method, r.URL.Path)
	WriteError(w, h.internal(apiErr.Message, nil))
}

func (h *ErrorHandler) internal(detail string, stack []byte) *apierrors.Error {
	if h.production {
		return apierrors.Internal("An unexpected error occurred")
	}
	e := apierrors.Internal(detail)
	if len(stack) > 0 {
		e.With("stack", string(stack))
	}
	return e
}
