package cors

import (
	"net/http"

	"go.uber.org/atomic"
)

const (
	headerACAO = "Access-Control-Allow-Origin"
	headerACAC = "Access-Control-Allow-Credentials"
	headerACAM = "Access-Control-Allow-Methods"
	headerACAH = "Access-Control-Allow-Headers"
	headerACMA = "Access-Control-Max-Age"
	headerACRM = "Access-Control-Request-Method"
	headerVary = "Vary"
)

// Kind classifies an inbound request.
type Kind uint8

const (
	KindActual Kind = iota
	KindPreflight
	KindHealth
)

func (k Kind) String() string {
	switch k {
	case KindPreflight:
		return "preflight"
	case KindHealth:
		return "health"
	default:
		return "actual"
	}
}

// Decision is the outcome for a single request. It is never shared
// between requests.
type Decision struct {
	Kind    Kind
	Allowed bool
	Reason  Reason
	// StatusCode is the status the gate writes itself. It is zero for
	// allowed actual requests, whose status comes from the upstream.
	StatusCode int
	// Header holds the CORS headers to emit; empty when denied.
	Header http.Header
	// Origin is the raw Origin value, empty when absent.
	Origin string
}

// Forward reports whether the request must be handed to the forwarder.
func (d Decision) Forward() bool {
	return d.Allowed && d.Kind == KindActual
}

// Engine decides every request against the current Config snapshot.
// Store swaps the snapshot atomically; a decision in progress keeps using
// the snapshot it loaded.
type Engine struct {
	cfg atomic.Pointer[Config]
}

// NewEngine returns an engine bound to cfg. cfg must not be nil.
func NewEngine(cfg *Config) *Engine {
	e := &Engine{}
	e.cfg.Store(cfg)
	return e
}

// Config returns the snapshot currently in force.
func (e *Engine) Config() *Config {
	return e.cfg.Load()
}

// Store replaces the snapshot used by subsequent decisions.
func (e *Engine) Store(cfg *Config) {
	if cfg != nil {
		e.cfg.Store(cfg)
	}
}

// Decide runs classify, match and decide for r. It does not write anything.
func (e *Engine) Decide(r *http.Request) Decision {
	cfg := e.cfg.Load()

	if r.URL.Path == cfg.healthPath {
		return Decision{
			Kind:       KindHealth,
			Allowed:    true,
			Reason:     ReasonHealth,
			StatusCode: http.StatusOK,
			Origin:     r.Header.Get(headerOrigin),
		}
	}

	kind := KindActual
	if r.Method == http.MethodOptions && len(r.Header.Values(headerACRM)) > 0 {
		kind = KindPreflight
	}

	origin, reason := originFromHeader(r.Header)
	d := Decision{Kind: kind, Reason: reason, Origin: r.Header.Get(headerOrigin)}
	if reason == ReasonAllowed && !cfg.allowlist.Matches(origin) {
		d.Reason = ReasonOriginNotAllowed
	}
	if d.Reason != ReasonAllowed {
		d.StatusCode = http.StatusForbidden
		return d
	}

	d.Allowed = true
	d.Header = make(http.Header, 5)
	d.Header.Set(headerACAO, origin.Raw)
	d.Header.Set(headerACAC, "true")
	if kind == KindPreflight {
		d.StatusCode = http.StatusNoContent
		d.Header.Set(headerACAM, cfg.allowMethods)
		d.Header.Set(headerACAH, cfg.allowHeaders)
		d.Header.Set(headerACMA, cfg.maxAgeValue)
		return d
	}
	d.Header.Set(headerVary, headerOrigin)
	return d
}

// OriginAllowed reports whether r carries an Origin accepted by the
// current allowlist. It ignores the health path and preflight rules.
func (e *Engine) OriginAllowed(r *http.Request) bool {
	o, reason := originFromHeader(r.Header)
	return reason == ReasonAllowed && e.cfg.Load().allowlist.Matches(o)
}
