package metrics

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"github.com/steambundleapi/bundleapi/internal/instrumentation/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	contentTypeHeader     = "Content-Type"
	contentEncodingHeader = "Content-Encoding"
	acceptEncodingHeader  = "Accept-Encoding"
)

const (
	httpGracefulShutdownTimeout = 5 * time.Second
	httpReadHeaderTimeout       = 2 * time.Second
	httpReadTimeout             = 5 * time.Second
	httpWriteTimeout            = 10 * time.Second
	httpIdleTimeout             = 60 * time.Second

	profileCPUCap   = 30 * time.Second
	profileTraceCap = 5 * time.Second
)

// MetricsServer exposes /metrics and, optionally, the runtime profiler.
type MetricsServer struct {
	log        logrus.FieldLogger
	collectors []NamedCollector
}

// ServerOption configures a single Run call.
type ServerOption func(*serverOptions)

type serverOptions struct {
	addr      string
	profiling bool
	wrappers  []func(http.Handler) http.Handler
}

func WithListenAddr(addr string) ServerOption {
	return func(o *serverOptions) {
		if addr != "" {
			o.addr = addr
		}
	}
}

// WithProfiling mounts the pprof endpoints under /debug/pprof/.
func WithProfiling(enabled bool) ServerOption {
	return func(o *serverOptions) { o.profiling = enabled }
}

// WithHandlerWrapper wraps the /metrics handler. Wrappers apply in order.
func WithHandlerWrapper(fn func(http.Handler) http.Handler) ServerOption {
	return func(o *serverOptions) {
		if fn != nil {
			o.wrappers = append(o.wrappers, fn)
		}
	}
}

func NewMetricsServer(log logrus.FieldLogger, collectors ...prometheus.Collector) *MetricsServer {
	named := make([]NamedCollector, 0, len(collectors))
	for _, c := range collectors {
		if c == nil {
			continue
		}
		nc, ok := c.(NamedCollector)
		if !ok {
			nc = anonymous{c}
		}
		named = append(named, WrapWithTrace(nc))
	}
	return &MetricsServer{log: log, collectors: named}
}

// Handler builds the router served by Run.
func (m *MetricsServer) Handler(options ...ServerOption) http.Handler {
	opts := m.options(options)
	return m.router(opts)
}

func (m *MetricsServer) options(options []ServerOption) serverOptions {
	opts := serverOptions{addr: ":15690"}
	for _, fn := range options {
		if fn != nil {
			fn(&opts)
		}
	}
	return opts
}

func (m *MetricsServer) router(opts serverOptions) http.Handler {
	var metricsHandler http.Handler = NewHandler(m.collectors...)
	for _, wrap := range opts.wrappers {
		metricsHandler = wrap(metricsHandler)
	}

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metricsHandler)
	if opts.profiling {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.HandleFunc("/", pprof.Index)
			r.HandleFunc("/cmdline", pprof.Cmdline)
			r.HandleFunc("/symbol", pprof.Symbol)
			r.HandleFunc("/profile", capSeconds(pprof.Profile, profileCPUCap))
			r.HandleFunc("/trace", capSeconds(pprof.Trace, profileTraceCap))
			r.Handle("/{profile}", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				pprof.Handler(chi.URLParam(req, "profile")).ServeHTTP(w, req)
			}))
		})
	}
	return r
}

// Run serves until ctx is canceled.
func (m *MetricsServer) Run(ctx context.Context, options ...ServerOption) error {
	opts := m.options(options)

	writeTimeout := httpWriteTimeout
	if opts.profiling {
		writeTimeout = profileCPUCap + 5*time.Second
	}

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           m.router(opts),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	go func() {
		<-ctx.Done()
		if m.log != nil {
			m.log.WithError(ctx.Err()).Info("Metrics server shutdown signal received")
		}
		ctxTimeout, cancel := context.WithTimeout(context.Background(), httpGracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(ctxTimeout); err != nil && m.log != nil {
			m.log.WithError(err).Warn("Metrics server shutdown error")
		}
	}()

	if m.log != nil {
		m.log.WithField("profiling", opts.profiling).Infof("Metrics listening on %s", opts.addr)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// capSeconds bounds the "seconds" query parameter of a profiling handler.
func capSeconds(h http.HandlerFunc, capDur time.Duration) http.HandlerFunc {
	capS := int(capDur / time.Second)
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if v, err := strconv.Atoi(q.Get("seconds")); err != nil || v <= 0 || v > capS {
			q.Set("seconds", strconv.Itoa(capS))
			r.URL.RawQuery = q.Encode()
		}
		h.ServeHTTP(w, r)
	}
}

// NamedCollector is a Prometheus collector with a stable name used for tracing.
type NamedCollector interface {
	prometheus.Collector
	MetricsName() string
}

type anonymous struct {
	prometheus.Collector
}

func (anonymous) MetricsName() string { return "collector" }

// tracedCollector wraps a NamedCollector and adds a span per collection.
type tracedCollector struct {
	ctx         context.Context
	collector   NamedCollector
	metricNames []string
}

func (tc *tracedCollector) MetricsName() string {
	return tc.collector.MetricsName()
}

func (tc *tracedCollector) Describe(ch chan<- *prometheus.Desc) {
	tc.collector.Describe(ch)
}

func (tc *tracedCollector) Collect(ch chan<- prometheus.Metric) {
	ctx := tc.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := tracing.StartSpan(ctx, tracing.TracerName+"/metrics", tc.collector.MetricsName())
	defer span.End()

	if len(tc.metricNames) > 20 {
		span.SetAttributes(attribute.Int("collector.metric_count", len(tc.metricNames)))
	} else {
		span.SetAttributes(attribute.StringSlice("collector.metrics", tc.metricNames))
	}

	tc.collector.Collect(ch)
}

func (tc *tracedCollector) withContext(ctx context.Context) *tracedCollector {
	return &tracedCollector{ctx: ctx, collector: tc.collector, metricNames: tc.metricNames}
}

// WrapWithTrace wraps c with tracing and precomputes its descriptor names.
func WrapWithTrace(c NamedCollector) NamedCollector {
	descs := make(chan *prometheus.Desc)
	var metricNames []string
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		names := make([]string, 0, 8)
		for d := range descs {
			names = append(names, d.String())
		}
		metricNames = names
	}()

	c.Describe(descs)
	close(descs)
	wg.Wait()

	return &tracedCollector{collector: c, metricNames: metricNames}
}

// NewHandler gathers the collectors into a fresh registry on every scrape.
func NewHandler(collectors ...NamedCollector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		registry := prometheus.NewRegistry()

		for _, c := range collectors {
			col := prometheus.Collector(c)
			if tc, ok := c.(*tracedCollector); ok {
				col = tc.withContext(r.Context())
			}
			if err := registry.Register(col); err != nil {
				http.Error(w, fmt.Sprintf("failed to register collector: %v", err), http.StatusInternalServerError)
				return
			}
		}

		families, err := registry.Gather()
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to gather metrics: %v", err), http.StatusInternalServerError)
			return
		}

		contentType := expfmt.Negotiate(r.Header)
		w.Header().Set(contentTypeHeader, string(contentType))

		var writer io.Writer = w
		if acceptsGzip(r.Header) {
			w.Header().Set(contentEncodingHeader, "gzip")
			gz := gzip.NewWriter(w)
			defer gz.Close()
			writer = gz
		}

		encoder := expfmt.NewEncoder(writer, contentType)
		for _, mf := range families {
			if err := encoder.Encode(mf); err != nil {
				http.Error(w, fmt.Sprintf("failed to encode metrics: %v", err), http.StatusInternalServerError)
				return
			}
		}

		if closer, ok := encoder.(expfmt.Closer); ok {
			if err := closer.Close(); err != nil {
				http.Error(w, fmt.Sprintf("failed to flush metrics: %v", err), http.StatusInternalServerError)
			}
		}
	})
}

func acceptsGzip(header http.Header) bool {
	for _, val := range strings.Split(header.Get(acceptEncodingHeader), ",") {
		if part := strings.TrimSpace(val); part == "gzip" || strings.HasPrefix(part, "gzip;") {
			return true
		}
	}
	return false
}
