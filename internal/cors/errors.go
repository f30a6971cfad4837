package cors

import "fmt"

// ConfigError reports a configuration value that prevents the gate from
// starting (or a reload from taking effect).
type ConfigError struct {
	Key    string // configuration key, e.g. ALLOWED_DOMAINS
	Value  string // offending value, empty when the key is missing
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config: %s: %s %q", e.Key, e.Reason, e.Value)
}

// Reason explains the outcome of a single decision.
type Reason string

const (
	ReasonAllowed          Reason = "allowed"
	ReasonHealth           Reason = "health"
	ReasonNoOrigin         Reason = "no_origin"
	ReasonMalformedOrigin  Reason = "malformed_origin"
	ReasonOriginNotAllowed Reason = "origin_not_allowed"
)

// RejectionBody is written with every 403 produced by the gate. Upstream
// failures never use it, so a client can tell which layer refused.
const RejectionBody = "CORS origin not allowed"
