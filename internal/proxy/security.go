package proxy

import "net/http"

// securityHeaders are added to forwarded responses when enabled. Values the
// upstream already set are left alone.
var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "SAMEORIGIN",
	"Referrer-Policy":        "strict-origin-when-cross-origin",
}

func setSecurityHeaders(h http.Header) {
	for name, value := range securityHeaders {
		if h.Get(name) == "" {
			h.Set(name, value)
		}
	}
}
