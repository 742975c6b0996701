package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/steambundleapi/bundleapi/internal/apierrors"
	"github.com/steambundleapi/bundleapi/internal/config"
)

const (
	APIKeyHeader     = "X-API-Key"
	APIKeyQueryParam = "api_key"

	apiKeyHelp = "Provide the API key in the X-API-Key header or as the api_key query parameter"
)

// ExtractAPIKey returns the key from the X-API-Key header, falling back to the
// api_key query parameter.
func ExtractAPIKey(r *http.Request) string {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key
	}
	return r.URL.Query().Get(APIKeyQueryParam)
}

// APIKeyAuthenticator guards administrative routes with a shared secret.
// Without a configured secret it runs in open mode and lets every request
// through; config validation only allows that with an explicit opt-in outside
// production.
type APIKeyAuthenticator struct {
	secret   []byte
	log      logrus.FieldLogger
	recorder DecisionRecorder
}

func NewAPIKeyAuthenticator(cfg *config.AuthConfig, log logrus.FieldLogger, rec DecisionRecorder) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{
		secret:   []byte(cfg.APIKey.Value()),
		log:      log.WithField("component", "apikey"),
		recorder: recorderOrNop(rec),
	}
	if a.OpenMode() {
		a.log.Warn("no API key configured: administrative routes are open (allowOpenMode)")
	}
	return a
}

func (a *APIKeyAuthenticator) OpenMode() bool {
	return len(a.secret) == 0
}

// Check returns nil when candidate is acceptable.
func (a *APIKeyAuthenticator) Check(candidate string) *apierrors.Error {
	if a.OpenMode() {
		return nil
	}
	if candidate == "" {
		return apierrors.Unauthorized("API key required").With("help", apiKeyHelp)
	}
	if subtle.ConstantTimeCompare([]byte(candidate), a.secret) != 1 {
		return apierrors.Unauthorized("Invalid API key").With("help", apiKeyHelp)
	}
	return nil
}

func (a *APIKeyAuthenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.OpenMode() {
			a.recorder.RecordAdmission(StageAuth, OutcomeBypass)
			next.ServeHTTP(w, r)
			return
		}

		if apiErr := a.Check(ExtractAPIKey(r)); apiErr != nil {
			requestLogger(r, a.log).Warnf("rejected admin request %s %s from %s: %s",
				r.Method, r.URL.Path, clientIP(r), apiErr.Message)
			a.recorder.RecordAdmission(StageAuth, OutcomeDenied)
			WriteError(w, apiErr)
			return
		}

		a.recorder.RecordAdmission(StageAuth, OutcomeAllowed)
		next.ServeHTTP(w, r)
	})
}
