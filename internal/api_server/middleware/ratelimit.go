package middleware

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/sirupsen/logrus"
	"github.com/steambundleapi/bundleapi/internal/apierrors"
	"github.com/steambundleapi/bundleapi/internal/ratelimit"
)

const (
	ScopeAdmin  = "admin"
	ScopePublic = "public"

	HeaderRateLimitLimit     = "RateLimit-Limit"
	HeaderRateLimitRemaining = "RateLimit-Remaining"
	HeaderRateLimitReset     = "RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// RateLimitOptions configures one rate limit scope.
type RateLimitOptions struct {
	Scope    string
	Requests int
	Window   time.Duration
	Message  string
	// Counter stores the per-(scope, IP) windows. It must report zero for the
	// previous window so that httprate enforces a fixed window.
	Counter httprate.LimitCounter
}

// clientIP extracts the client IP from the request's RemoteAddr
// Returns the IP portion, falling back to the full RemoteAddr if parsing fails
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ScopedRateLimiter limits requests per client IP within opts.Scope. Scopes
// never share counts, even when they share a counter store, because the scope
// is part of the key.
//
// Responses carry RateLimit-Limit, RateLimit-Remaining and RateLimit-Reset
// (seconds until the window ends). A rejected request gets a 429 with
// Retry-After and a JSON body; the downstream handler is not invoked.
//
// Counter failures are logged and the request is let through.
// Note: Should be used with TrustedRealIP middleware for proper proxy handling
func ScopedRateLimiter(opts RateLimitOptions, log logrus.FieldLogger, rec DecisionRecorder) func(http.Handler) http.Handler {
	rec = recorderOrNop(rec)
	log = log.WithField("component", "ratelimit").WithField("scope", opts.Scope)

	counter := opts.Counter
	if counter == nil {
		counter = ratelimit.NewMemoryCounter()
	}

	limiter := httprate.NewRateLimiter(
		opts.Requests,
		opts.Window,
		httprate.WithKeyFuncs(httprate.Key(opts.Scope), func(r *http.Request) (string, error) {
			// Note: r.RemoteAddr will be the real IP if TrustedRealIP middleware is used
			return clientIP(r), nil
		}),
		httprate.WithLimitCounter(&failOpenCounter{LimitCounter: counter, log: log, recorder: rec}),
		httprate.WithResponseHeaders(httprate.ResponseHeaders{
			Limit:     HeaderRateLimitLimit,
			Remaining: HeaderRateLimitRemaining,
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			retryAfter := secondsUntilReset(time.Now(), opts.Window)
			requestLogger(r, log).Warnf("rate limit exceeded for %s on %s %s", clientIP(r), r.Method, r.URL.Path)
			rec.RecordAdmission(StageRateLimit, OutcomeDenied)

			w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfter))
			WriteError(w, apierrors.TooManyRequests(opts.Message).
				With("retryAfter", retryAfter).
				With("hint", fmt.Sprintf("This endpoint allows %d requests per %s per IP. Retry in %d seconds.",
					opts.Requests, humanizeWindow(opts.Window), retryAfter)))
		}),
		httprate.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			requestLogger(r, log).WithError(err).Error("rate limiter failed")
			rec.RecordAdmission(StageRateLimit, OutcomeError)
			WriteError(w, apierrors.Internal("rate limiter unavailable").Wrap(err))
		}),
	)

	return func(next http.Handler) http.Handler {
		counted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec.RecordAdmission(StageRateLimit, OutcomeAllowed)
			next.ServeHTTP(w, r)
		})
		limited := limiter.Handler(counted)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderRateLimitReset, strconv.Itoa(secondsUntilReset(time.Now(), opts.Window)))
			limited.ServeHTTP(w, r)
		})
	}
}

// secondsUntilReset rounds the time left in the current window up to whole
// seconds. Windows are aligned the same way httprate aligns them.
func secondsUntilReset(now time.Time, window time.Duration) int {
	now = now.UTC()
	end := now.Truncate(window).Add(window)
	return int(math.Ceil(end.Sub(now).Seconds()))
}

func humanizeWindow(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return pluralize(int(d/time.Hour), "hour")
	case d%time.Minute == 0:
		return pluralize(int(d/time.Minute), "minute")
	case d%time.Second == 0:
		return pluralize(int(d/time.Second), "second")
	default:
		return d.String()
	}
}

func pluralize(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// failOpenCounter keeps the API reachable when the shared counter store is
// down: reads count as zero and failed increments are dropped.
type failOpenCounter struct {
	httprate.LimitCounter
	log      logrus.FieldLogger
	recorder DecisionRecorder
}

func (c *failOpenCounter) Get(key string, currentWindow, previousWindow time.Time) (int, int, error) {
	curr, prev, err := c.LimitCounter.Get(key, currentWindow, previousWindow)
	if err != nil {
		c.log.WithError(err).Error("reading rate limit counter; admitting request")
		c.recorder.RecordAdmission(StageRateLimit, OutcomeError)
		return 0, 0, nil
	}
	return curr, prev, nil
}

func (c *failOpenCounter) IncrementBy(key string, currentWindow time.Time, amount int) error {
	if err := c.LimitCounter.IncrementBy(key, currentWindow, amount); err != nil {
		c.log.WithError(err).Error("incrementing rate limit counter; request not counted")
		c.recorder.RecordAdmission(StageRateLimit, OutcomeError)
	}
	return nil
}

func (c *failOpenCounter) Increment(key string, currentWindow time.Time) error {
	return c.IncrementBy(key, currentWindow, 1)
}

// TrustedRealIP middleware extracts the real client IP from trusted proxy headers.
// It only trusts X-Forwarded-For, X-Real-IP, and True-Client-IP headers when the
// immediate peer (r.RemoteAddr) is in the trustedProxies list.
// If the peer is not trusted, headers are silently ignored and r.RemoteAddr is used.
func TrustedRealIP(trustedProxies []string) func(http.Handler) http.Handler {
	trustedNets := parseTrustedNets(trustedProxies)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(trustedNets) > 0 && peerTrusted(clientIP(r), trustedNets) {
				if ip := forwardedClientIP(r.Header); ip != "" {
					r.RemoteAddr = ip
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// parseTrustedNets accepts CIDRs and literal IPs. Invalid entries are skipped.
func parseTrustedNets(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		s := strings.TrimSpace(entry)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			if _, n, err := net.ParseCIDR(s); err == nil {
				nets = append(nets, n)
			}
			continue
		}
		if ip := net.ParseIP(s); ip != nil {
			bits := 128
			if ip.To4() != nil {
				bits = 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	}
	return nets
}

func peerTrusted(host string, nets []*net.IPNet) bool {
	peerIP := net.ParseIP(host)
	if peerIP == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(peerIP) {
			return true
		}
	}
	return false
}

// forwardedClientIP applies True-Client-IP > X-Real-IP > X-Forwarded-For
// (first hop) and ignores values that are not IPs.
func forwardedClientIP(h http.Header) string {
	if tc := strings.TrimSpace(h.Get("True-Client-IP")); tc != "" {
		if ip := net.ParseIP(tc); ip != nil {
			return ip.String()
		}
	}
	if xr := strings.TrimSpace(h.Get("X-Real-IP")); xr != "" {
		if ip := net.ParseIP(xr); ip != nil {
			return ip.String()
		}
	}
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}
	return ""
}
