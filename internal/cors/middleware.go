package cors

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	HeaderRequestID = "X-Request-ID"

	accessControlPrefix = "Access-Control-"
	healthBody          = "OK"
)

// Observer is notified of every decision. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveDecision(Decision)
}

type ctxKey struct{}

// RequestID returns the request ID assigned by the gate, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Gate is the HTTP front of the engine: it writes health, preflight and
// rejection responses itself and passes allowed actual requests to next.
type Gate struct {
	engine   *Engine
	next     http.Handler
	logger   *zap.Logger
	observer Observer
}

// NewGate wraps next. observer may be nil.
func NewGate(engine *Engine, next http.Handler, logger *zap.Logger, observer Observer) *Gate {
	return &Gate{
		engine:   engine,
		next:     next,
		logger:   logger,
		observer: observer,
	}
}

func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.New().String()
		r.Header.Set(HeaderRequestID, requestID)
	}
	r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, requestID))

	d := g.engine.Decide(r)
	if g.observer != nil {
		g.observer.ObserveDecision(d)
	}

	logger := g.logger.With(
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("origin", d.Origin),
		zap.Stringer("kind", d.Kind),
		zap.String("reason", string(d.Reason)),
	)

	switch {
	case d.Kind == KindHealth:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write([]byte(healthBody))
		}
	case !d.Allowed:
		logger.Info("cors request denied")
		h := w.Header()
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusForbidden)
		if r.Method != http.MethodHead {
			_, _ = w.Write([]byte(RejectionBody))
		}
	case d.Kind == KindPreflight:
		logger.Debug("cors preflight allowed")
		copyHeader(w.Header(), d.Header)
		w.WriteHeader(http.StatusNoContent)
	default:
		logger.Debug("cors request allowed")
		cw := &corsWriter{ResponseWriter: w, cors: d.Header}
		g.next.ServeHTTP(cw, r)
		// A handler that never wrote still gets an implicit 200.
		cw.applyCORS()
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
}

// corsWriter applies the decision's headers when the upstream response is
// committed. Upstream Access-Control-* headers are dropped first.
type corsWriter struct {
	http.ResponseWriter
	cors        http.Header
	wroteHeader bool
}

func (cw *corsWriter) applyCORS() {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	h := cw.ResponseWriter.Header()
	for k := range h {
		if strings.HasPrefix(k, accessControlPrefix) {
			delete(h, k)
		}
	}
	for k, vv := range cw.cors {
		if k == headerVary {
			for _, v := range vv {
				addVary(h, v)
			}
			continue
		}
		h[k] = append([]string(nil), vv...)
	}
}

// addVary appends v to the Vary header unless already listed.
func addVary(h http.Header, v string) {
	for _, line := range h.Values(headerVary) {
		for _, tok := range strings.Split(line, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "*" || strings.EqualFold(tok, v) {
				return
			}
		}
	}
	h.Add(headerVary, v)
}

func (cw *corsWriter) WriteHeader(code int) {
	// 1xx responses other than 101 are interim; the final header follows.
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		cw.ResponseWriter.WriteHeader(code)
		return
	}
	cw.applyCORS()
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *corsWriter) Write(b []byte) (int, error) {
	cw.applyCORS()
	return cw.ResponseWriter.Write(b)
}

func (cw *corsWriter) Flush() {
	cw.applyCORS()
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets WebSocket upgrades through the gate.
func (cw *corsWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := cw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("cors: underlying ResponseWriter does not support hijacking")
	}
	cw.wroteHeader = true
	return hj.Hijack()
}

func (cw *corsWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}
