package apiserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	apiserver "github.com/steambundleapi/bundleapi/internal/api_server"
	"github.com/steambundleapi/bundleapi/internal/bundles"
	"github.com/steambundleapi/bundleapi/internal/config"
	"github.com/steambundleapi/bundleapi/internal/instrumentation/metrics"
	"github.com/steambundleapi/bundleapi/internal/util"
)

func TestAPIServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "API Server Suite")
}

const (
	testKey     = "s3cret"
	evilOrigin  = "https://evil.example"
	knownOrigin = "https://app.example"
)

type pipeline struct {
	router  chi.Router
	trigger *bundles.Trigger
	metrics *metrics.AdmissionCollector
	logs    *test.Hook
}

func newPipeline(cfg *config.Config, checks ...apiserver.HealthChecker) *pipeline {
	logger, hook := test.NewNullLogger()
	trigger := bundles.NewTrigger(logger, cfg.Updater)
	collector := metrics.NewAdmissionCollector()

	srv := apiserver.New(logger, cfg, nil, apiserver.Dependencies{
		Store:       bundles.NewFileStore(cfg.Service.DataDir, cfg.Validation.MaxLimit),
		Trigger:     trigger,
		HeapCeiling: cfg.Watchdog.HeapCeiling,
		Recorder:    collector,
		Observer:    collector,
		Checks:      checks,
	})
	router, err := srv.Router()
	Expect(err).ToNot(HaveOccurred())
	return &pipeline{router: router, trigger: trigger, metrics: collector, logs: hook}
}

type call struct {
	method    string
	target    string
	origin    string
	key       string
	ip        string
	forwarded string
}

func (p *pipeline) do(c call) *httptest.ResponseRecorder {
	if c.method == "" {
		c.method = http.MethodGet
	}
	req := httptest.NewRequest(c.method, c.target, nil)
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}
	if c.ip != "" {
		req.RemoteAddr = c.ip + ":40000"
	}
	if c.forwarded != "" {
		req.Header.Set("X-Forwarded-For", c.forwarded)
	}
	rec := httptest.NewRecorder()
	p.router.ServeHTTP(rec, req)
	return rec
}

func body(rec *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed(), rec.Body.String())
	return out
}

func writeDataFiles(dir string, n int) {
	items := make([]map[string]any, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, map[string]any{"id": i, "name": fmt.Sprintf("bundle %d", i)})
	}
	contents, err := json.Marshal(items)
	Expect(err).ToNot(HaveOccurred())
	Expect(os.WriteFile(filepath.Join(dir, bundles.BundlesFile), contents, 0600)).To(Succeed())
	for _, name := range []string{"bundleDetails.json", "lastCheck.json"} {
		Expect(os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0600)).To(Succeed())
	}
}

var _ = Describe("Request admission pipeline", func() {
	var cfg *config.Config

	BeforeEach(func() {
		cfg = config.NewDefault()
		cfg.Service.DataDir = GinkgoT().TempDir()
		cfg.Auth.APIKey = testKey
		cfg.CORS.AllowedOrigins = []string{knownOrigin, "https://*.example.org"}
		writeDataFiles(cfg.Service.DataDir, 30)
	})

	Context("with no restrictions triggered", func() {
		It("lets a plain listing request reach the handler", func() {
			p := newPipeline(cfg)
			rec := p.do(call{target: "/api/bundles?limit=50"})

			Expect(rec.Code).To(Equal(http.StatusOK))
			out := body(rec)
			Expect(out["bundles"]).To(HaveLen(30))
			Expect(out["limit"]).To(BeEquivalentTo(50))
		})

		It("serves a single bundle", func() {
			p := newPipeline(cfg)
			rec := p.do(call{target: "/api/bundles/7"})
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(body(rec)["name"]).To(Equal("bundle 7"))

			rec = p.do(call{target: "/api/bundles/999"})
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Context("API key authentication", func() {
		It("rejects admin requests without a key", func() {
			p := newPipeline(cfg)
			rec := p.do(call{method: http.MethodPost, target: "/api/force-update"})

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			out := body(rec)
			Expect(out["error"]).To(Equal("Unauthorized"))
			Expect(out["help"]).To(ContainSubstring("X-API-Key"))
			Expect(out["help"]).To(ContainSubstring("api_key"))
			Expect(rec.Body.String()).ToNot(ContainSubstring(testKey))
			Expect(testutil.CollectAndCount(p.metrics, "bundleapi_admission_decisions_total")).To(BeNumerically(">", 0))
		})

		It("rejects a wrong key", func() {
			p := newPipeline(cfg)
			rec := p.do(call{method: http.MethodPost, target: "/api/update-details", key: "nope"})
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(body(rec)["message"]).To(Equal("Invalid API key"))
		})

		It("accepts the key from the header or the query string", func() {
			p := newPipeline(cfg)

			rec := p.do(call{method: http.MethodPost, target: "/api/test-update", key: testKey})
			Expect(rec.Code).To(Equal(http.StatusAccepted))
			out := body(rec)
			Expect(out["operation"]).To(Equal("test-update"))
			Expect(out["jobId"]).ToNot(BeEmpty())

			rec = p.do(call{method: http.MethodPost, target: "/api/clean-duplicates?api_key=" + testKey})
			Expect(rec.Code).To(Equal(http.StatusAccepted))

			Expect(p.trigger.Status().LastTriggered).To(HaveKey(bundles.OpTestUpdate))
		})

		It("passes everything in open mode", func() {
			cfg.Auth.APIKey = ""
			cfg.Auth.AllowOpenMode = true
			p := newPipeline(cfg)

			rec := p.do(call{method: http.MethodPost, target: "/api/force-update"})
			Expect(rec.Code).To(Equal(http.StatusAccepted))
		})

		It("logs the forwarded client of a rejected request behind a trusted proxy", func() {
			cfg.RateLimit.TrustedProxies = []string{"10.0.0.0/8"}
			p := newPipeline(cfg)

			rec := p.do(call{method: http.MethodPost, target: "/api/force-update", ip: "10.0.0.1", forwarded: "203.0.113.7"})
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))

			var messages []string
			for _, e := range p.logs.AllEntries() {
				messages = append(messages, e.Message)
			}
			Expect(messages).To(ContainElement(SatisfyAll(
				ContainSubstring("[ADMIN] POST /api/force-update 401"),
				HaveSuffix("from 203.0.113.7"),
			)))
			Expect(messages).To(ContainElement(SatisfyAll(
				ContainSubstring("rejected admin request"),
				ContainSubstring("from 203.0.113.7"),
			)))
			Expect(strings.Join(messages, "\n")).ToNot(ContainSubstring("10.0.0.1"))
		})

		It("never asks for a key on public routes", func() {
			p := newPipeline(cfg)
			Expect(p.do(call{target: "/api/status"}).Code).To(Equal(http.StatusOK))
			Expect(p.do(call{target: "/health"}).Code).To(Equal(http.StatusOK))
		})
	})

	Context("CORS", func() {
		It("allows exact and pattern origins", func() {
			cfg.Service.Environment = config.EnvironmentProduction
			p := newPipeline(cfg)

			for _, origin := range []string{knownOrigin, "https://cdn.example.org"} {
				rec := p.do(call{target: "/api/bundles", origin: origin})
				Expect(rec.Code).To(Equal(http.StatusOK), origin)
				Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal(origin))
			}
		})

		It("denies unknown origins in production before any other check", func() {
			cfg.Service.Environment = config.EnvironmentProduction
			cfg.RateLimit.Admin.Requests = 1
			p := newPipeline(cfg)

			// exhaust the admin scope first
			Expect(p.do(call{method: http.MethodPost, target: "/api/force-update", key: testKey}).Code).
				To(Equal(http.StatusAccepted))

			for _, c := range []call{
				{target: "/api/bundles", origin: evilOrigin},
				{target: "/api/bundles?limit=abc", origin: evilOrigin},
				{method: http.MethodPost, target: "/api/force-update", origin: evilOrigin},
				{method: http.MethodPost, target: "/api/force-update", origin: evilOrigin, key: testKey},
			} {
				rec := p.do(c)
				Expect(rec.Code).To(Equal(http.StatusForbidden), c.target)
				Expect(body(rec)["error"]).To(Equal("CORS policy violation"))
				Expect(rec.Header().Get("RateLimit-Limit")).To(BeEmpty())
			}
		})

		It("permits unknown origins in development", func() {
			p := newPipeline(cfg)
			rec := p.do(call{target: "/api/bundles", origin: evilOrigin})
			Expect(rec.Code).To(Equal(http.StatusOK))
		})

		It("answers preflight requests", func() {
			p := newPipeline(cfg)
			req := httptest.NewRequest(http.MethodOptions, "/api/bundles", nil)
			req.Header.Set("Origin", knownOrigin)
			req.Header.Set("Access-Control-Request-Method", http.MethodGet)
			rec := httptest.NewRecorder()
			p.router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal(knownOrigin))
		})
	})

	Context("rate limiting", func() {
		It("rejects the request after the admin maximum", func() {
			p := newPipeline(cfg)
			for i := 0; i < 5; i++ {
				rec := p.do(call{method: http.MethodPost, target: "/api/test-update", key: testKey})
				Expect(rec.Code).To(Equal(http.StatusAccepted), "request %d", i+1)
			}

			rec := p.do(call{method: http.MethodPost, target: "/api/test-update", key: testKey})
			Expect(rec.Code).To(Equal(http.StatusTooManyRequests))
			Expect(rec.Header().Get("Retry-After")).ToNot(BeEmpty())
			out := body(rec)
			Expect(out["error"]).To(Equal("Too Many Requests"))
			Expect(out["retryAfter"]).To(BeNumerically(">", 0))
			Expect(out["hint"]).To(ContainSubstring("5 requests per 15 minutes"))
		})

		It("keeps admin and public scopes independent", func() {
			cfg.Updater.QueueSize = 16
			p := newPipeline(cfg)
			for i := 0; i < 6; i++ {
				p.do(call{method: http.MethodPost, target: "/api/force-update", key: testKey})
			}
			Expect(p.do(call{method: http.MethodPost, target: "/api/force-update", key: testKey}).Code).
				To(Equal(http.StatusTooManyRequests))

			rec := p.do(call{target: "/api/bundles"})
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("RateLimit-Remaining")).To(Equal("99"))
		})

		It("counts per client IP", func() {
			cfg.RateLimit.Public.Requests = 1
			p := newPipeline(cfg)

			Expect(p.do(call{target: "/api/bundles", ip: "198.51.100.1"}).Code).To(Equal(http.StatusOK))
			Expect(p.do(call{target: "/api/bundles", ip: "198.51.100.1"}).Code).To(Equal(http.StatusTooManyRequests))
			Expect(p.do(call{target: "/api/bundles", ip: "198.51.100.2"}).Code).To(Equal(http.StatusOK))
		})

		It("emits the standard headers only", func() {
			p := newPipeline(cfg)
			rec := p.do(call{target: "/api/bundles"})

			Expect(rec.Header().Get("RateLimit-Limit")).To(Equal("100"))
			Expect(rec.Header().Get("RateLimit-Remaining")).To(Equal("99"))
			Expect(rec.Header().Get("RateLimit-Reset")).ToNot(BeEmpty())
			for name := range rec.Header() {
				Expect(strings.ToLower(name)).ToNot(HavePrefix("x-ratelimit"))
			}
		})
	})

	Context("pagination validation", func() {
		DescribeTable("limit and page parameters",
			func(query string, status int, mentions string) {
				p := newPipeline(cfg)
				rec := p.do(call{target: "/api/bundles" + query})
				Expect(rec.Code).To(Equal(status))
				if mentions != "" {
					Expect(body(rec)["message"]).To(ContainSubstring(mentions))
				}
			},
			Entry("limit at the maximum", "?limit=100", http.StatusOK, ""),
			Entry("limit above the maximum", "?limit=101", http.StatusBadRequest, "100"),
			Entry("non-numeric limit", "?limit=abc", http.StatusBadRequest, "limit"),
			Entry("non-numeric page", "?page=two", http.StatusBadRequest, "page"),
			Entry("page and limit", "?page=2&limit=10", http.StatusOK, ""),
		)
	})

	Context("error handling", func() {
		It("answers unknown routes with JSON", func() {
			p := newPipeline(cfg)
			rec := p.do(call{target: "/api/unknown"})
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(body(rec)["error"]).To(Equal("Not Found"))
		})

		It("answers wrong methods with JSON", func() {
			p := newPipeline(cfg)
			rec := p.do(call{method: http.MethodGet, target: "/api/force-update"})
			Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))
			Expect(body(rec)["error"]).To(Equal("Method Not Allowed"))
		})

		It("reports missing bundle data as unavailable", func() {
			Expect(os.Remove(filepath.Join(cfg.Service.DataDir, bundles.BundlesFile))).To(Succeed())
			p := newPipeline(cfg)
			rec := p.do(call{target: "/api/bundles"})
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		})

		It("reports a full update queue", func() {
			cfg.Updater.QueueSize = 1
			p := newPipeline(cfg)
			Expect(p.do(call{method: http.MethodPost, target: "/api/force-update", key: testKey}).Code).
				To(Equal(http.StatusAccepted))
			rec := p.do(call{method: http.MethodPost, target: "/api/force-update", key: testKey})
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Context("health", func() {
		It("reports UP with every data file present", func() {
			p := newPipeline(cfg)
			rec := p.do(call{target: "/health"})
			Expect(rec.Code).To(Equal(http.StatusOK))

			out := body(rec)
			Expect(out["status"]).To(Equal("UP"))
			Expect(out["files"]).To(HaveKeyWithValue("bundles.json", true))
			Expect(out["memory"]).To(HaveKey("heapLimit"))
			Expect(out["cpu"]).To(HaveKey("cores"))
		})

		It("reports DEGRADED when a data file is missing", func() {
			Expect(os.Remove(filepath.Join(cfg.Service.DataDir, "lastCheck.json"))).To(Succeed())
			p := newPipeline(cfg)
			out := body(p.do(call{target: "/health"}))
			Expect(out["status"]).To(Equal("DEGRADED"))
			Expect(out["files"]).To(HaveKeyWithValue("lastCheck.json", false))
		})

		It("goes through the public rate limiter", func() {
			p := newPipeline(cfg)
			rec := p.do(call{target: "/health"})
			Expect(rec.Header().Get("RateLimit-Limit")).To(Equal("100"))
		})

		It("serves liveness and readiness checks", func() {
			failing := apiserver.HealthCheckerFunc(func(context.Context) error { return errors.New("down") })
			p := newPipeline(cfg, failing)

			Expect(p.do(call{target: "/healthz"}).Code).To(Equal(http.StatusOK))
			Expect(p.do(call{target: "/readyz"}).Code).To(Equal(http.StatusServiceUnavailable))
			Expect(newPipeline(cfg).do(call{target: "/readyz"}).Code).To(Equal(http.StatusOK))
		})
	})

	It("rolls the admin window over", func() {
		cfg.RateLimit.Admin.Requests = 1
		cfg.RateLimit.Admin.Window = util.Duration(time.Second)
		p := newPipeline(cfg)

		Expect(p.do(call{method: http.MethodPost, target: "/api/test-update", key: testKey}).Code).To(Equal(http.StatusAccepted))
		Expect(p.do(call{method: http.MethodPost, target: "/api/test-update", key: testKey}).Code).To(Equal(http.StatusTooManyRequests))

		Eventually(func() int {
			return p.do(call{method: http.MethodPost, target: "/api/test-update", key: testKey}).Code
		}).WithTimeout(3 * time.Second).WithPolling(100 * time.Millisecond).Should(Equal(http.StatusAccepted))
	})
})
