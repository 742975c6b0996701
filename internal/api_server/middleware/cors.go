package middleware

import (
	"fmt"
	"net/http"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/steambundleapi/bundleapi/internal/apierrors"
	"github.com/steambundleapi/bundleapi/internal/config"
	"github.com/steambundleapi/bundleapi/internal/origins"
	"github.com/steambundleapi/bundleapi/pkg/log"
)

const corsViolation = "CORS policy violation"

var (
	corsAllowedMethods = []string{http.MethodGet}
	corsAllowedHeaders = []string{"Content-Type", "Authorization", "X-API-Key"}
	corsExposedHeaders = []string{
		HeaderRateLimitLimit, HeaderRateLimitRemaining, HeaderRateLimitReset, HeaderRetryAfter, "X-Request-Id",
	}
)

// OriginDecision is the result of evaluating a request's Origin header.
type OriginDecision int

const (
	// OriginAbsent means the request carried no Origin header (non-browser client).
	OriginAbsent OriginDecision = iota
	OriginAllowed
	// OriginPermitted means the origin matched no rule but the service is in
	// development mode.
	OriginPermitted
	OriginDenied
)

func (d OriginDecision) Allows() bool {
	return d != OriginDenied
}

// OriginPolicy is the compiled CORS allow-list.
type OriginPolicy struct {
	rules       origins.List
	restrictive bool
	log         log.LevelLogger
	recorder    DecisionRecorder
}

func NewOriginPolicy(cfg *config.CORSConfig, production bool, logger logrus.FieldLogger, rec DecisionRecorder) (*OriginPolicy, error) {
	rules, err := origins.ParseList(cfg.AllowedOrigins)
	if err != nil {
		return nil, fmt.Errorf("cors: %w", err)
	}

	level := logrus.InfoLevel
	if production {
		level = logrus.DebugLevel
	}
	if cfg.LogLevel != "" {
		parsed, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("cors: log level: %w", err)
		}
		level = parsed
	}

	return &OriginPolicy{
		rules:       rules,
		restrictive: production,
		log:         log.NewLevelLogger(logger.WithField("component", "cors"), level),
		recorder:    recorderOrNop(rec),
	}, nil
}

// Evaluate classifies origin without side effects.
func (p *OriginPolicy) Evaluate(origin string) OriginDecision {
	if origin == "" {
		return OriginAbsent
	}
	if _, ok := p.rules.Match(origin); ok {
		return OriginAllowed
	}
	if p.restrictive {
		return OriginDenied
	}
	return OriginPermitted
}

// Decide evaluates origin, logs the decision and records it.
func (p *OriginPolicy) Decide(origin string) OriginDecision {
	d := p.Evaluate(origin)
	switch d {
	case OriginAbsent:
		p.recorder.RecordAdmission(StageCORS, OutcomeBypass)
		return d
	case OriginAllowed:
		p.log.WithFields(logrus.Fields{"origin": origin}).Logf("CORS allowed origin %s", origin)
		p.recorder.RecordAdmission(StageCORS, OutcomeAllowed)
	case OriginPermitted:
		p.log.WithFields(logrus.Fields{"origin": origin}).Logf("CORS permitted unlisted origin %s (development mode)", origin)
		p.recorder.RecordAdmission(StageCORS, OutcomeBypass)
	case OriginDenied:
		p.log.WithFields(logrus.Fields{"origin": origin}).Logf("CORS blocked origin %s", origin)
		p.recorder.RecordAdmission(StageCORS, OutcomeDenied)
	}
	return d
}

// Handler rejects disallowed origins with 403 and otherwise lets rs/cors add
// the CORS response headers and answer preflight requests.
func (p *OriginPolicy) Handler(next http.Handler) http.Handler {
	headers := cors.New(cors.Options{
		AllowOriginFunc: func(origin string) bool {
			return p.Evaluate(origin).Allows()
		},
		AllowedMethods:   corsAllowedMethods,
		AllowedHeaders:   corsAllowedHeaders,
		ExposedHeaders:   corsExposedHeaders,
		AllowCredentials: true,
	}).Handler(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !p.Decide(origin).Allows() {
			WriteError(w, apierrors.Forbidden(fmt.Sprintf("Origin %s is not allowed to access this resource", origin)).
				WithTitle(corsViolation))
			return
		}
		headers.ServeHTTP(w, r)
	})
}
