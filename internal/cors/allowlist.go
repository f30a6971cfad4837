package cors

import (
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

const (
	wildcardPrefix = "*."
	schemeSep      = "://"
	hostPortSep    = ':'

	keyAllowedDomains = "ALLOWED_DOMAINS"
)

// EntryKind distinguishes the two shapes an allowlist entry can take.
type EntryKind uint8

const (
	ExactHost          EntryKind = iota // host must equal the pattern
	WildcardSubdomains                  // one or more labels under the suffix
)

func (k EntryKind) String() string {
	if k == WildcardSubdomains {
		return "wildcard"
	}
	return "exact"
}

// Entry is one compiled ALLOWED_DOMAINS token.
type Entry struct {
	Kind EntryKind
	// Host is the normalised host. For wildcard entries it is the suffix
	// without the leading "*.".
	Host string
	// Port is the explicit port, or 0 when the entry matches any port.
	Port int
	// Raw is the token as configured, kept for diagnostics.
	Raw string
}

// HasExplicitPort reports whether e only matches one port.
func (e Entry) HasExplicitPort() bool {
	return e.Port != 0
}

// Matches reports whether o satisfies e.
func (e Entry) Matches(o Origin) bool {
	switch e.Kind {
	case ExactHost:
		if o.Host != e.Host {
			return false
		}
	case WildcardSubdomains:
		if !strings.HasSuffix(o.Host, "."+e.Host) {
			return false
		}
	default:
		return false
	}
	return !e.HasExplicitPort() || o.Port == e.Port
}

// Allowlist is the compiled form of ALLOWED_DOMAINS. It is immutable once
// built and safe for concurrent use.
type Allowlist struct {
	entries []Entry
}

// Compile parses a comma-separated list of host[:port] patterns.
func Compile(raw string) (*Allowlist, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &ConfigError{Key: keyAllowedDomains, Reason: "at least one domain must be allowed"}
	}
	tokens := strings.Split(raw, ",")
	entries := make([]Entry, 0, len(tokens))
	for _, tok := range tokens {
		e, err := compileEntry(strings.TrimSpace(tok))
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return &Allowlist{entries: entries}, nil
}

// Entries returns a copy of the compiled entries in configuration order.
func (a *Allowlist) Entries() []Entry {
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Len returns the number of entries.
func (a *Allowlist) Len() int {
	return len(a.entries)
}

// Matches reports whether any entry accepts o. The "no origin" value never
// matches.
func (a *Allowlist) Matches(o Origin) bool {
	if a == nil || o.IsZero() {
		return false
	}
	for _, e := range a.entries {
		if e.Matches(o) {
			return true
		}
	}
	return false
}

// String renders the normalised entries, comma-separated.
func (a *Allowlist) String() string {
	var sb strings.Builder
	for i, e := range a.entries {
		if i > 0 {
			sb.WriteString(",")
		}
		if e.Kind == WildcardSubdomains {
			sb.WriteString(wildcardPrefix)
		}
		host := e.Host
		if strings.IndexByte(host, hostPortSep) >= 0 {
			host = "[" + host + "]"
		}
		sb.WriteString(host)
		if e.HasExplicitPort() {
			sb.WriteByte(hostPortSep)
			sb.WriteString(strconv.Itoa(e.Port))
		}
	}
	return sb.String()
}

func compileEntry(tok string) (Entry, error) {
	invalid := func(reason string) (Entry, error) {
		return Entry{}, &ConfigError{Key: keyAllowedDomains, Value: tok, Reason: reason}
	}
	if tok == "" {
		return invalid("empty domain entry")
	}
	if strings.Contains(tok, schemeSep) {
		return invalid("scheme not permitted in domain entry")
	}
	if strings.ContainsAny(tok, "/?#@ \t") {
		return invalid("invalid domain entry")
	}

	e := Entry{Raw: tok}
	rest := tok
	if after, ok := strings.CutPrefix(rest, wildcardPrefix); ok {
		e.Kind = WildcardSubdomains
		rest = after
	}
	if strings.Contains(rest, "*") {
		return invalid("wildcard only permitted as leading \"*.\"")
	}

	hostPart, portPart, hasPort, ok := splitHostPort(rest)
	if !ok {
		return invalid("invalid domain entry")
	}
	if hasPort {
		port, ok := parsePort(portPart)
		if !ok {
			return invalid("invalid port in domain entry")
		}
		e.Port = port
	}

	host, isIP, ok := normalizeHost(hostPart)
	if !ok {
		return invalid("invalid host in domain entry")
	}
	if e.Kind == WildcardSubdomains {
		if isIP {
			return invalid("wildcard not permitted on an IP address")
		}
		if isICANNSuffix(host) {
			return invalid("wildcard over a public suffix is prohibited")
		}
	}
	e.Host = host
	return e, nil
}

// splitHostPort separates an optional port from a host. Bracketed IPv6
// literals are unwrapped; an unbracketed IPv6 literal is accepted without
// a port.
func splitHostPort(s string) (host, port string, hasPort, ok bool) {
	if s == "" {
		return "", "", false, false
	}
	if s[0] == '[' {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", "", false, false
		}
		host, rest := s[1:end], s[end+1:]
		if rest == "" {
			return host, "", false, true
		}
		port, found := strings.CutPrefix(rest, string(hostPortSep))
		return host, port, true, found
	}
	switch strings.Count(s, string(hostPortSep)) {
	case 0:
		return s, "", false, true
	case 1:
		host, port, _ := strings.Cut(s, string(hostPortSep))
		return host, port, true, true
	default:
		return s, "", false, true
	}
}

// parsePort accepts a decimal port in 1-65535 without sign or leading zeros.
func parsePort(s string) (int, bool) {
	if s == "" || len(s) > len("65535") || s[0] == '0' {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n > 65535 {
		return 0, false
	}
	return n, true
}

var hostProfile = idna.New(
	idna.MapForLookup(),
	idna.BidiRule(),
	idna.VerifyDNSLength(true),
	idna.StrictDomainName(false), // tolerate underscores
)

// normalizeHost lower-cases s and converts it to its ASCII form. IP literals
// are returned in canonical text form.
func normalizeHost(s string) (host string, isIP bool, ok bool) {
	if s == "" {
		return "", false, false
	}
	if ip, err := netip.ParseAddr(s); err == nil {
		if ip.Zone() != "" {
			return "", true, false
		}
		return ip.Unmap().String(), true, true
	}
	if strings.IndexByte(s, hostPortSep) >= 0 {
		return "", false, false
	}
	ascii, err := hostProfile.ToASCII(s)
	if err != nil || ascii == "" {
		return "", false, false
	}
	for i := 0; i < len(ascii); i++ {
		if !isHostByte(ascii[i]) {
			return "", false, false
		}
	}
	return ascii, false, true
}

// isHostByte reports whether c is a lower-case ASCII letter, a digit, a
// hyphen, a period or an underscore.
func isHostByte(c byte) bool {
	return 'a' <= c && c <= 'z' || '0' <= c && c <= '9' || c == '-' || c == '.' || c == '_'
}

// isICANNSuffix reports whether host is itself an ICANN-managed public
// suffix such as "com" or "co.uk".
func isICANNSuffix(host string) bool {
	suffix, icann := publicsuffix.PublicSuffix(host)
	return icann && suffix == host
}
