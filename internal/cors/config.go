package cors

import (
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	DefaultHealthPath = "/cors/health"
	DefaultMaxAge     = 86400 // seconds

	keyAllowedMethods = "ALLOWED_METHODS"
	keyAllowedHeaders = "ALLOWED_HEADERS"
	keyMaxAge         = "CORS_MAX_AGE"
	keyHealthPath     = "HEALTH_PATH"
)

var (
	defaultMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}

	defaultHeaders = []string{
		"Authorization",
		"Content-Type",
		"X-Requested-With",
		"Accept",
		"Origin",
		"Cache-Control",
		"X-Auth-Token",
	}
)

// DefaultMethods returns the method set used when ALLOWED_METHODS is unset.
func DefaultMethods() []string {
	return append([]string(nil), defaultMethods...)
}

// DefaultHeaders returns the header set that ALLOWED_HEADERS extends.
func DefaultHeaders() []string {
	return append([]string(nil), defaultHeaders...)
}

// Settings is the raw input from which a Config is built.
type Settings struct {
	AllowedDomains string // required, comma-separated
	AllowedMethods string // optional, replaces the defaults
	AllowedHeaders string // optional, appended to the defaults
	MaxAge         *int   // seconds; nil selects DefaultMaxAge, 0 disables caching
	HealthPath     string // "" selects DefaultHealthPath
}

// Config is the immutable state the engine decides against.
type Config struct {
	allowlist  *Allowlist
	methods    []string
	headers    []string
	maxAge     int
	healthPath string

	// pre-rendered header values
	allowMethods string
	allowHeaders string
	maxAgeValue  string
}

// NewConfig validates s and builds a Config.
func NewConfig(s Settings) (*Config, error) {
	allowlist, err := Compile(s.AllowedDomains)
	if err != nil {
		return nil, err
	}

	methods := defaultMethods
	if strings.TrimSpace(s.AllowedMethods) != "" {
		methods, err = parseTokens(keyAllowedMethods, s.AllowedMethods)
		if err != nil {
			return nil, err
		}
	}
	methods = dedupe(methods, false)

	headers := defaultHeaders
	if strings.TrimSpace(s.AllowedHeaders) != "" {
		extra, err := parseTokens(keyAllowedHeaders, s.AllowedHeaders)
		if err != nil {
			return nil, err
		}
		headers = append(append([]string(nil), defaultHeaders...), extra...)
	}
	headers = dedupe(headers, true)

	maxAge := DefaultMaxAge
	if s.MaxAge != nil {
		maxAge = *s.MaxAge
	}
	if maxAge < 0 {
		return nil, &ConfigError{Key: keyMaxAge, Value: strconv.Itoa(maxAge), Reason: "must not be negative"}
	}

	healthPath := s.HealthPath
	if healthPath == "" {
		healthPath = DefaultHealthPath
	}
	if !strings.HasPrefix(healthPath, "/") {
		return nil, &ConfigError{Key: keyHealthPath, Value: healthPath, Reason: "must start with /"}
	}

	return &Config{
		allowlist:    allowlist,
		methods:      methods,
		headers:      headers,
		maxAge:       maxAge,
		healthPath:   healthPath,
		allowMethods: strings.Join(methods, ", "),
		allowHeaders: strings.Join(headers, ", "),
		maxAgeValue:  strconv.Itoa(maxAge),
	}, nil
}

func (c *Config) Allowlist() *Allowlist { return c.allowlist }
func (c *Config) HealthPath() string    { return c.healthPath }
func (c *Config) MaxAge() int           { return c.maxAge }

// Methods returns a copy of the allowed method set.
func (c *Config) Methods() []string { return append([]string(nil), c.methods...) }

// Headers returns a copy of the allowed request-header set.
func (c *Config) Headers() []string { return append([]string(nil), c.headers...) }

// parseTokens splits a comma-separated list and checks that every element
// is a valid HTTP token.
func parseTokens(key, raw string) ([]string, error) {
	var out []string
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if !httpguts.ValidHeaderFieldName(tok) {
			return nil, &ConfigError{Key: key, Value: tok, Reason: "invalid token"}
		}
		out = append(out, tok)
	}
	if len(out) == 0 {
		return nil, &ConfigError{Key: key, Value: raw, Reason: "no usable entries"}
	}
	return out, nil
}

// dedupe drops repeated entries, keeping the first spelling.
func dedupe(in []string, foldCase bool) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		k := v
		if foldCase {
			k = strings.ToLower(v)
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}
