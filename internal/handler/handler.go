package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/angeloszaimis/fwdproxy/internal/circuitbreaker"
	"github.com/angeloszaimis/fwdproxy/internal/mapping"
	"github.com/angeloszaimis/fwdproxy/internal/metrics"
	"github.com/angeloszaimis/fwdproxy/internal/upstream"
)

// statusClientClosedRequest is recorded when the client went away before the
// upstream answered. It never reaches the wire in a meaningful way.
const statusClientClosedRequest = 499

// Inbound forwarding headers pass through untouched; the proxy adds none.
var forwardingHeaders = []string{"Forwarded", "X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"}

type ForwardingHandler struct {
	logger  *slog.Logger
	mapping mapping.Mapping
	pool    *upstream.Pool
	proxy   *httputil.ReverseProxy
	metrics *metrics.Collector
	breaker *circuitbreaker.CircuitBreaker
}

type Option func(*ForwardingHandler)

// WithMetrics emits per-request events to collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(h *ForwardingHandler) {
		h.metrics = collector
	}
}

// WithBreaker fails fast with 503 while cb is open.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(h *ForwardingHandler) {
		h.breaker = cb
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func New(logger *slog.Logger, m mapping.Mapping, pool *upstream.Pool, opts ...Option) *ForwardingHandler {
	h := &ForwardingHandler{
		logger:  logger.With(slog.String("mapping", m.LocalAddr())),
		mapping: m,
		pool:    pool,
	}

	for _, opt := range opts {
		opt(h)
	}

	h.proxy = &httputil.ReverseProxy{
		Rewrite:        h.rewrite,
		Transport:      pool,
		FlushInterval:  -1,
		BufferPool:     newBufferPool(),
		ErrorLog:       slog.NewLogLogger(h.logger.Handler(), slog.LevelWarn),
		ErrorHandler:   h.handleError,
		ModifyResponse: h.modifyResponse,
	}

	return h
}

func (h *ForwardingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("Received request",
		slog.String("from", r.RemoteAddr),
		slog.String("method", r.Method),
		slog.String("uri", r.RequestURI),
		slog.String("proto", r.Proto),
		slog.String("host", r.Host))

	if h.breaker != nil && !h.breaker.Allow() {
		h.logger.Warn("Upstream circuit open, rejecting request",
			slog.String("target", h.mapping.TargetAddr()))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	h.metrics.Emit(metrics.MetricEvent{
		Type:    metrics.EventRequestReceived,
		Mapping: h.mapping.LocalAddr(),
	})

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	// Deferred so the response is accounted for even when the proxy aborts
	// the connection mid-body.
	defer func() {
		duration := time.Since(start)
		h.metrics.Emit(metrics.MetricEvent{
			Type:       metrics.EventResponseCompleted,
			Mapping:    h.mapping.LocalAddr(),
			Duration:   duration,
			StatusCode: rec.statusCode,
		})
		h.logger.Info("Forwarded request",
			slog.String("method", r.Method),
			slog.String("uri", r.RequestURI),
			slog.Int("status", rec.statusCode),
			slog.Duration("duration", duration))
	}()

	h.proxy.ServeHTTP(rec, r)
}

func (h *ForwardingHandler) rewrite(pr *httputil.ProxyRequest) {
	target := h.pool.URL()
	pr.Out.URL.Scheme = target.Scheme
	pr.Out.URL.Host = target.Host
	// ReverseProxy drops unparsable query parameters; the query is relayed
	// verbatim instead.
	pr.Out.URL.RawQuery = pr.In.URL.RawQuery
	pr.Out.Host = pr.In.Host

	for _, name := range forwardingHeaders {
		if values, ok := pr.In.Header[name]; ok {
			pr.Out.Header[name] = values
		}
	}

	h.mapping.Each(func(name, value string) {
		if name == "host" {
			pr.Out.Host = value
			return
		}
		pr.Out.Header.Set(name, value)
	})
}

func (h *ForwardingHandler) modifyResponse(*http.Response) error {
	if h.breaker != nil {
		h.breaker.RecordSuccess()
	}
	return nil
}

// handleError runs only when no response bytes have been written yet. Once the
// upstream response has started, ReverseProxy aborts the client connection
// instead.
func (h *ForwardingHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		h.logger.Debug("Client went away before upstream responded",
			slog.String("uri", r.RequestURI))
		if h.breaker != nil {
			h.breaker.Abandon()
		}
		w.WriteHeader(statusClientClosedRequest)
		return
	}

	if h.breaker != nil {
		h.breaker.RecordFailure()
	}
	h.metrics.Emit(metrics.MetricEvent{
		Type:    metrics.EventUpstreamFailed,
		Mapping: h.mapping.LocalAddr(),
	})

	code := http.StatusBadGateway
	if isTimeout(err) {
		code = http.StatusGatewayTimeout
	}

	h.logger.Warn("Upstream request failed",
		slog.String("target", h.mapping.TargetAddr()),
		slog.String("method", r.Method),
		slog.String("uri", r.RequestURI),
		slog.Int("status", code),
		slog.Any("err", err))

	http.Error(w, http.StatusText(code), code)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader && code >= http.StatusOK {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Flush and Hijack on the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
