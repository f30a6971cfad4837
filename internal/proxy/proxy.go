package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bethel-nz/corsgate/internal/cors"
	"go.uber.org/zap"
)

const (
	bodyUpstreamUnavailable = "upstream unavailable"
	bodyUpstreamTimeout     = "upstream timeout"
)

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Options configures a Proxy.
type Options struct {
	Target          string        // scheme://host:port
	Timeout         time.Duration // whole-exchange limit for plain HTTP
	Insecure        bool          // skip upstream TLS verification
	SecurityHeaders bool
	// CheckOrigin is consulted again on WebSocket upgrades.
	CheckOrigin func(*http.Request) bool
}

// Proxy relays requests the gate allowed to a single upstream.
type Proxy struct {
	client      *http.Client
	logger      *zap.Logger
	metrics     *ProxyMetrics
	target      *url.URL
	security    bool
	checkOrigin func(*http.Request) bool
}

func NewProxy(logger *zap.Logger, opts Options) (*Proxy, error) {
	target, err := url.Parse(opts.Target)
	if err != nil {
		return nil, err
	}
	if target.Scheme != "http" && target.Scheme != "https" || target.Host == "" {
		return nil, errors.New("proxy: target must be an absolute http(s) URL")
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return false }
	}

	return &Proxy{
		client: &http.Client{
			Transport: createTransport(opts.Insecure),
			Timeout:   opts.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:      logger,
		metrics:     &ProxyMetrics{},
		target:      target,
		security:    opts.SecurityHeaders,
		checkOrigin: checkOrigin,
	}, nil
}

// Metrics exposes the proxy's counters, which also observe gate decisions.
func (p *Proxy) Metrics() *ProxyMetrics {
	return p.metrics
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := cors.RequestID(r.Context())

	logger := p.logger.With(
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("url", r.URL.String()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	logger.Debug("forwarding request")

	// Create the proxy request URL
	targetURL := *p.target
	targetURL.Path = singleJoiningSlash(p.target.Path, r.URL.Path)
	targetURL.RawQuery = r.URL.RawQuery

	if isWebSocketRequest(r) {
		p.handleWebSocket(w, r, targetURL, logger)
		return
	}

	proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), r.Body)
	if err != nil {
		p.fail(w, logger, http.StatusBadGateway, bodyUpstreamUnavailable, err)
		return
	}
	proxyReq.ContentLength = r.ContentLength
	proxyReq.Header = outboundHeader(r)

	resp, err := p.client.Do(proxyReq)
	if err != nil {
		if r.Context().Err() != nil {
			logger.Info("client went away before upstream answered", zap.Error(err))
			return
		}
		status, body := classifyUpstreamError(err)
		p.fail(w, logger, status, body, err)
		return
	}
	defer resp.Body.Close()

	// Copy response headers
	removeHopHeaders(resp.Header)
	for header, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(header, value)
		}
	}
	if p.security {
		setSecurityHeaders(w.Header())
	}

	w.WriteHeader(resp.StatusCode)

	// Copy response body
	copied, err := io.Copy(w, resp.Body)
	if err != nil {
		logger.Error("error copying response", zap.Error(err))
	}

	p.metrics.ResponseCount.Add(1)
	latency := time.Since(start).Milliseconds()
	p.metrics.LatencyMs.Add(latency)

	logger.Info("completed request",
		zap.Int("status_code", resp.StatusCode),
		zap.Int64("bytes_copied", copied),
		zap.Int64("latency_ms", latency),
	)
}

func (p *Proxy) fail(w http.ResponseWriter, logger *zap.Logger, status int, body string, err error) {
	p.metrics.ErrorCount.Add(1)
	logger.Error("upstream request failed",
		zap.Int("status_code", status),
		zap.Error(err),
	)
	http.Error(w, body, status)
}

// classifyUpstreamError maps a transport failure to 504 for timeouts and
// 502 for everything else.
func classifyUpstreamError(err error) (int, string) {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, bodyUpstreamTimeout
	}
	return http.StatusBadGateway, bodyUpstreamUnavailable
}

// outboundHeader copies the end-to-end headers of r and adds the
// X-Forwarded-* set.
func outboundHeader(r *http.Request) http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	removeHopHeaders(h)

	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	h.Set("X-Forwarded-For", clientIP)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Forwarded-Host", r.Host)
	return h
}

// removeHopHeaders drops hop-by-hop headers, including any named by
// Connection.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func isWebSocketRequest(r *http.Request) bool {
	return strings.ToLower(r.Header.Get("Upgrade")) == "websocket" &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
