package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/steambundleapi/bundleapi/internal/apierrors"
)

// Admission stages, in pipeline order.
const (
	StageCORS       = "cors"
	StageAuth       = "auth"
	StageRateLimit  = "ratelimit"
	StageValidation = "validation"
)

// Admission outcomes.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeBypass  = "bypass"
	OutcomeError   = "error"
)

// DecisionRecorder receives one call per admission stage decision.
type DecisionRecorder interface {
	RecordAdmission(stage, outcome string)
}

// RequestObserver receives one call per completed request.
type RequestObserver interface {
	ObserveRequest(method string, code int, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordAdmission(string, string)           {}
func (nopRecorder) ObserveRequest(string, int, time.Duration) {}

func recorderOrNop(rec DecisionRecorder) DecisionRecorder {
	if rec == nil {
		return nopRecorder{}
	}
	return rec
}

// RequestSizeLimiter returns a middleware that limits the URL length and the number of request headers.
func RequestSizeLimiter(maxURLLength int, maxNumHeaders int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(r.URL.String()) > maxURLLength {
				WriteError(w, apierrors.BadRequest(fmt.Sprintf("URL too long, exceeds %d characters", maxURLLength)).
					WithTitle("URI Too Long").
					WithStatus(http.StatusRequestURITooLong))
				return
			}
			if len(r.Header) > maxNumHeaders {
				WriteError(w, apierrors.BadRequest(fmt.Sprintf("Request has too many headers, exceeds %d", maxNumHeaders)).
					WithTitle("Request Header Fields Too Large").
					WithStatus(http.StatusRequestHeaderFieldsTooLarge))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestID takes the request id from the X-Request-Id header or generates a
// new one, stores it where chi's middleware.GetReqID finds it and echoes it
// back in the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(middleware.RequestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, requestID)
		w.Header().Set(middleware.RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
