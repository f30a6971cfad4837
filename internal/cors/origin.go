package cors

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	headerOrigin = "Origin"

	// maxOriginLen bounds the work done on hostile Origin values:
	// scheme + "://" + a 253-byte host + ":65535", with room to spare.
	maxOriginLen = 64 + len(schemeSep) + 253 + 6
)

// Origin is a parsed Origin request header.
// The zero value is the "no origin" sentinel and matches nothing.
type Origin struct {
	Scheme string
	Host   string // normalised like allowlist hosts
	Port   int    // explicit port, or the scheme default (0 if unknown)
	Raw    string // header value exactly as received
}

// IsZero reports whether o is the "no origin" sentinel.
func (o Origin) IsZero() bool {
	return o.Host == ""
}

// ParseOrigin parses a serialised origin of the form scheme://host[:port].
// It reports false for anything else, including "null" and values carrying
// a path, query, fragment or user info.
func ParseOrigin(raw string) (Origin, bool) {
	if raw == "" || len(raw) > maxOriginLen || raw == "null" {
		return Origin{}, false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Origin{}, false
	}
	if u.Scheme == "" || u.Opaque != "" || u.User != nil || u.Path != "" ||
		u.RawQuery != "" || u.ForceQuery || u.Fragment != "" || strings.HasSuffix(u.Host, ":") {
		return Origin{}, false
	}
	host, _, ok := normalizeHost(u.Hostname())
	if !ok {
		return Origin{}, false
	}
	o := Origin{
		Scheme: strings.ToLower(u.Scheme),
		Host:   host,
		Raw:    raw,
	}
	if p := u.Port(); p != "" {
		if o.Port, ok = parsePort(p); !ok {
			return Origin{}, false
		}
	} else {
		o.Port = defaultPort(o.Scheme)
	}
	return o, true
}

func defaultPort(scheme string) int {
	switch scheme {
	case "http", "ws":
		return 80
	case "https", "wss":
		return 443
	}
	return 0
}

// originFromHeader extracts the request's origin. The reason is
// ReasonNoOrigin when the header is absent or empty, ReasonMalformedOrigin
// when it is repeated or unparsable.
func originFromHeader(h http.Header) (Origin, Reason) {
	values := h.Values(headerOrigin)
	switch {
	case len(values) == 0:
		return Origin{}, ReasonNoOrigin
	case len(values) > 1:
		return Origin{}, ReasonMalformedOrigin
	case values[0] == "":
		return Origin{}, ReasonNoOrigin
	}
	o, ok := ParseOrigin(values[0])
	if !ok {
		return Origin{}, ReasonMalformedOrigin
	}
	return o, ReasonAllowed
}
